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
	"context"
	"database/sql"
	"time"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/model"
)

// LookupIdempotencyRecord returns the ledger record for a key, deleting it
// lazily if it has fallen out of the expiry window. A nil record with a nil
// error means no valid record exists.
func (d Datasource) LookupIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT key, request_hash, method, path, status_code, response_body, created_at
		FROM idempotency_records
		WHERE key = $1
	`, key)

	record := &model.IdempotencyRecord{}
	err := row.Scan(&record.Key, &record.RequestHash, &record.Method, &record.Path, &record.StatusCode, &record.ResponseBody, &record.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to look up idempotency record", err)
	}

	if record.Expired(expiryWindow(), time.Now()) {
		if err := d.DeleteIdempotencyRecord(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return record, nil
}

// ReserveIdempotencyRecord inserts a placeholder before slow work begins so
// concurrent duplicate deliveries observe the reservation instead of racing.
// Returns false if the key is already reserved or finalized.
func (d Datasource) ReserveIdempotencyRecord(ctx context.Context, record *model.IdempotencyRecord) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO idempotency_records(key, request_hash, method, path, status_code, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING
	`, record.Key, record.RequestHash, record.Method, record.Path, record.StatusCode, record.ResponseBody, record.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve idempotency record", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read rows affected", err)
	}
	return rows > 0, nil
}

// FinalizeIdempotencyRecord overwrites a reservation with the authoritative
// outcome once it is known.
func (d Datasource) FinalizeIdempotencyRecord(ctx context.Context, key string, statusCode int, responseBody []byte) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE idempotency_records SET status_code = $2, response_body = $3 WHERE key = $1
	`, key, statusCode, responseBody)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize idempotency record", err)
	}
	return nil
}

func (d Datasource) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	_, err := d.Conn.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete idempotency record", err)
	}
	return nil
}

func expiryWindow() time.Duration {
	cfg, err := config.Fetch()
	if err != nil {
		return 24 * time.Hour
	}
	return time.Duration(cfg.Idempotency.ExpiryWindowHours) * time.Hour
}
