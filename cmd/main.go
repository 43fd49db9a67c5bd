/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stampdhq/stampd"
	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/database"
	"github.com/stampdhq/stampd/internal/cache"
	"github.com/stampdhq/stampd/internal/notification"
)

// Stampd represents the CLI application, encapsulating the root Cobra command.
type Stampd struct {
	cmd *cobra.Command
}

// stampdInstance holds the runtime service instance and its configuration,
// shared by the server, workers and migrate commands.
type stampdInstance struct {
	stampd *stampd.Stampd
	cnf    *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and initializes the service instance before any
// command runs.
func preRun(app *stampdInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("stampd.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newStampd, err := setupStampd(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.stampd = newStampd
		app.cnf = cnf

		return nil
	}
}

// setupStampd wires the datasource and the provider clients into a service
// instance.
func setupStampd(cfg *config.Configuration) (*stampd.Stampd, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	sharedCache, err := cache.NewCache()
	if err != nil {
		return nil, fmt.Errorf("error creating cache: %v", err)
	}

	einvoice, err := stampd.NewEInvoiceClient(sharedCache)
	if err != nil {
		return nil, fmt.Errorf("error creating e-invoice client: %v", err)
	}
	gateway, err := stampd.NewGatewayClient()
	if err != nil {
		return nil, fmt.Errorf("error creating gateway client: %v", err)
	}

	newStampd, err := stampd.NewStampd(db, einvoice, gateway, einvoice)
	if err != nil {
		return nil, fmt.Errorf("error creating stampd: %v", err)
	}
	return newStampd, nil
}

// NewCLI creates the command-line interface for the application.
func NewCLI() *Stampd {
	var configFile string
	s := &stampdInstance{}

	var rootCmd = &cobra.Command{
		Use:   "stampd",
		Short: "Tax invoice stamping and payment gateway",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./stampd.json", "Configuration file for stampd")

	rootCmd.PersistentPreRunE = preRun(s)

	rootCmd.AddCommand(serverCommands(s))
	rootCmd.AddCommand(workerCommands(s))
	rootCmd.AddCommand(migrateCommands(s))

	return &Stampd{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur.
func (w Stampd) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
