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
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/spf13/cobra"

	"github.com/stampdhq/stampd"
	"github.com/stampdhq/stampd/config"
	redis_db "github.com/stampdhq/stampd/internal/redis-db"
)

// stampdRecoveryLoop builds the background processor that re-enqueues
// invoices stuck in a non-terminal status.
func stampdRecoveryLoop(s *stampdInstance) *stampd.StuckInvoiceRecoveryProcessor {
	return stampd.NewStuckInvoiceRecoveryProcessor(s.stampd)
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.PaymentQueue] = 3
	queues[cfg.Queue.NotificationQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.InvoiceQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(fmt.Sprintf("redis://%s", conf.Redis.Dns), conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency:    1,
			Queues:         queues,
			RetryDelayFunc: stampd.RetryDelay,
		},
	), nil
}

func initializeTaskHandlers(s *stampdInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(stampd.JobInvoiceSync, s.stampd.ProcessInvoiceSync)
	mux.HandleFunc(stampd.JobPaymentConfirm, s.stampd.ProcessPaymentConfirm)
	mux.HandleFunc(stampd.JobNotification, stampd.ProcessWebhook)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers consume the invoice shard queues plus the payment and
// notification queues, and serve asynqmon for monitoring.
func workerCommands(s *stampdInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start stampd workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(s, mux)

			recoveryLoop := stampdRecoveryLoop(s)
			recoveryLoop.Start(ctx)
			defer recoveryLoop.Stop()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(fmt.Sprintf("redis://%s", conf.Redis.Dns), conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
