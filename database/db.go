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

package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and
// initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createInvoiceTable(db)
	if err != nil {
		return nil, err
	}
	err = createPaymentTable(db)
	if err != nil {
		return nil, err
	}
	err = createIdempotencyTable(db)
	if err != nil {
		return nil, err
	}
	err = createAuditTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createInvoiceTable creates a PostgreSQL table for invoices.
func createInvoiceTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invoices (
			id SERIAL PRIMARY KEY,
			invoice_id TEXT NOT NULL UNIQUE,
			reference TEXT NOT NULL UNIQUE,
			customer_name TEXT,
			customer_email TEXT,
			customer_phone TEXT,
			amount NUMERIC(20, 4) NOT NULL,
			currency TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			failure_reason TEXT,
			stamp_ref TEXT,
			qr_data TEXT,
			meta_data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			stamped_at TIMESTAMP
		)
	`)
	return err
}

// createPaymentTable creates a PostgreSQL table for payments, keyed by the
// gateway's RRR.
func createPaymentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payments (
			id SERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			rrr TEXT NOT NULL UNIQUE,
			invoice_id TEXT NOT NULL REFERENCES invoices(invoice_id),
			amount NUMERIC(20, 4) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			gateway_ref TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			paid_at TIMESTAMP
		)
	`)
	return err
}

// createIdempotencyTable creates the idempotency ledger. The primary key on
// key is what makes Reserve's ON CONFLICT DO NOTHING the mutual-exclusion
// point for duplicate deliveries.
func createIdempotencyTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key TEXT PRIMARY KEY,
			request_hash TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status_code INT NOT NULL,
			response_body BYTEA,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createAuditTable creates the append-only audit trail.
func createAuditTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id SERIAL PRIMARY KEY,
			audit_id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT,
			detail JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}
