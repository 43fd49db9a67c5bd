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
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/model"
)

// pqDuplicateErr reports whether err is a postgres unique constraint
// violation.
func pqDuplicateErr(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// RecordPayment persists a new pending payment. Duplicate RRRs are rejected
// by the unique constraint, which keeps one payment row per gateway attempt.
func (d Datasource) RecordPayment(ctx context.Context, pay *model.Payment) (*model.Payment, error) {
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO payments(payment_id,rrr,invoice_id,amount,currency,status,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		pay.PaymentID, pay.RRR, pay.InvoiceID, pay.Amount, pay.Currency, pay.Status, pay.CreatedAt,
	)
	if err != nil {
		if pqDuplicateErr(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Payment with RRR '%s' already exists", pay.RRR), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record payment", err)
	}
	return pay, nil
}

// GetPaymentByRRR returns the payment for an RRR, or nil when the RRR has
// never been seen. Webhook ingestion relies on the nil to decide whether a
// new payment row is needed.
func (d Datasource) GetPaymentByRRR(ctx context.Context, rrr string) (*model.Payment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT payment_id, rrr, invoice_id, amount, currency, status, COALESCE(gateway_ref, ''), created_at, paid_at
		FROM payments
		WHERE rrr = $1
	`, rrr)

	pay := &model.Payment{}
	var paidAt sql.NullTime
	err := row.Scan(&pay.PaymentID, &pay.RRR, &pay.InvoiceID, &pay.Amount, &pay.Currency, &pay.Status, &pay.GatewayRef, &pay.CreatedAt, &paidAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payment", err)
	}
	if paidAt.Valid {
		pay.PaidAt = &paidAt.Time
	}
	return pay, nil
}

// MarkPaymentPaid settles a payment and its parent invoice in one database
// transaction, together with the audit entry. The status guard keeps PAID
// terminal: a second delivery affects zero rows and commits nothing.
func (d Datasource) MarkPaymentPaid(ctx context.Context, rrr string, gatewayRef string) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	var invoiceID string
	err = tx.QueryRowContext(ctx, `
		UPDATE payments SET status = $2, gateway_ref = $3, paid_at = $4 WHERE rrr = $1 AND status != $2 RETURNING invoice_id
	`, rrr, model.StatusPaid, gatewayRef, now).Scan(&invoiceID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Already paid; nothing further to write.
			return nil
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark payment paid", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = $2 WHERE invoice_id = $1 AND status = $3
	`, invoiceID, model.StatusPaid, model.StatusStamped)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark invoice paid", err)
	}

	if err := insertAuditEntry(ctx, tx, &model.AuditEntry{
		AuditID:    model.GenerateUUIDWithSuffix("aud"),
		EntityType: "payment",
		EntityID:   rrr,
		Action:     "paid",
		FromStatus: model.StatusPending,
		ToStatus:   model.StatusPaid,
		Detail:     map[string]interface{}{"gateway_ref": gatewayRef, "invoice_id": invoiceID},
		CreatedAt:  now,
	}); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record audit entry", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit payment transaction", err)
	}
	return nil
}

func (d Datasource) UpdatePaymentStatus(ctx context.Context, rrr string, status string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE payments SET status = $2 WHERE rrr = $1 AND status != $3
	`, rrr, status, model.StatusPaid)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payment status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment with RRR '%s' not found or already paid", rrr), nil)
	}
	return nil
}
