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
	"encoding/json"
	"fmt"
	"time"

	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/model"
)

// RecordInvoice persists a new invoice in its initial status. The unique
// constraint on reference rejects duplicate business references.
func (d Datasource) RecordInvoice(ctx context.Context, inv *model.Invoice) (*model.Invoice, error) {
	metaDataJSON, err := json.Marshal(inv.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO invoices(invoice_id,reference,customer_name,customer_email,customer_phone,amount,currency,description,status,meta_data,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inv.InvoiceID, inv.Reference, inv.CustomerName, inv.CustomerEmail, inv.CustomerPhone, inv.Amount, inv.Currency, inv.Description, inv.Status, metaDataJSON, inv.CreatedAt,
	)
	if err != nil {
		if pqDuplicateErr(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Invoice with reference '%s' already exists", inv.Reference), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record invoice", err)
	}

	return inv, nil
}

func (d Datasource) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT invoice_id, reference, customer_name, customer_email, customer_phone, amount, currency, description, status, COALESCE(failure_reason, ''), COALESCE(stamp_ref, ''), COALESCE(qr_data, ''), meta_data, created_at, stamped_at
		FROM invoices
		WHERE invoice_id = $1
	`, id)

	inv := &model.Invoice{}
	var metaDataJSON []byte
	var stampedAt sql.NullTime
	err := row.Scan(&inv.InvoiceID, &inv.Reference, &inv.CustomerName, &inv.CustomerEmail, &inv.CustomerPhone, &inv.Amount, &inv.Currency, &inv.Description, &inv.Status, &inv.FailureReason, &inv.StampRef, &inv.QRData, &metaDataJSON, &inv.CreatedAt, &stampedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Invoice with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve invoice", err)
	}
	if stampedAt.Valid {
		inv.StampedAt = &stampedAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &inv.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return inv, nil
}

func (d Datasource) UpdateInvoiceStatus(ctx context.Context, id string, status string, reason string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE invoices SET status = $2, failure_reason = $3 WHERE invoice_id = $1
	`, id, status, reason)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update invoice status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Invoice with ID '%s' not found", id), nil)
	}
	return nil
}

// MarkInvoiceProcessing claims the invoice for a worker. The status guard in
// the WHERE clause means a terminal invoice is never pulled back into
// PROCESSING; the bool result tells the caller whether the claim happened.
func (d Datasource) MarkInvoiceProcessing(ctx context.Context, id string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE invoices SET status = $2 WHERE invoice_id = $1 AND status IN ($3, $2)
	`, id, model.StatusProcessing, model.StatusQueued)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark invoice processing", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read rows affected", err)
	}
	return rows > 0, nil
}

// MarkInvoiceStamped persists the stamping authority's outcome together with
// an audit entry, atomically.
func (d Datasource) MarkInvoiceStamped(ctx context.Context, id string, stampResult *model.StampResult) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE invoices SET status = $2, stamp_ref = $3, qr_data = $4, stamped_at = $5, failure_reason = '' WHERE invoice_id = $1 AND status = $6
	`, id, model.StatusStamped, stampResult.StampRef, stampResult.QRData, stampResult.StampedAt, model.StatusProcessing)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark invoice stamped", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Another delivery already finished this invoice; nothing to do.
		return nil
	}

	if err := insertAuditEntry(ctx, tx, &model.AuditEntry{
		AuditID:    model.GenerateUUIDWithSuffix("aud"),
		EntityType: "invoice",
		EntityID:   id,
		Action:     "stamped",
		FromStatus: model.StatusProcessing,
		ToStatus:   model.StatusStamped,
		Detail:     map[string]interface{}{"stamp_ref": stampResult.StampRef},
		CreatedAt:  time.Now(),
	}); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record audit entry", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit stamp transaction", err)
	}
	return nil
}

// ResubmitInvoice moves a FAILED invoice back to QUEUED. This admin action is
// the only path out of a terminal state.
func (d Datasource) ResubmitInvoice(ctx context.Context, id string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE invoices SET status = $2, failure_reason = '' WHERE invoice_id = $1 AND status = $3
	`, id, model.StatusQueued, model.StatusFailed)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resubmit invoice", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read rows affected", err)
	}
	return rows > 0, nil
}

// GetStuckInvoices returns invoices sitting in QUEUED or PROCESSING for
// longer than olderThan. Used by the recovery loop to re-enqueue work lost
// between persistence and enqueue, or dropped by the queue backend.
func (d Datasource) GetStuckInvoices(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Invoice, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT invoice_id, reference, amount, currency, status, COALESCE(failure_reason, ''), created_at
		FROM invoices WHERE status IN ($1, $2) AND created_at < $3 ORDER BY created_at ASC LIMIT $4
	`, model.StatusQueued, model.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck invoices", err)
	}
	defer rows.Close()

	var invoices []*model.Invoice
	for rows.Next() {
		inv := &model.Invoice{}
		if err := rows.Scan(&inv.InvoiceID, &inv.Reference, &inv.Amount, &inv.Currency, &inv.Status, &inv.FailureReason, &inv.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan invoice", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating stuck invoices", err)
	}
	return invoices, nil
}

func (d Datasource) GetAllInvoices(ctx context.Context, limit, offset int) ([]model.Invoice, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT invoice_id, reference, amount, currency, status, COALESCE(failure_reason, ''), COALESCE(stamp_ref, ''), created_at
		FROM invoices ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve invoices", err)
	}
	defer rows.Close()

	var invoices []model.Invoice
	for rows.Next() {
		var inv model.Invoice
		if err := rows.Scan(&inv.InvoiceID, &inv.Reference, &inv.Amount, &inv.Currency, &inv.Status, &inv.FailureReason, &inv.StampRef, &inv.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan invoice", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating invoices", err)
	}
	return invoices, nil
}
