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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/model"
)

func TestRecordInvoice_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	inv := &model.Invoice{
		InvoiceID: "inv_1",
		Reference: "REF-001",
		Amount:    decimal.NewFromInt(15000),
		Currency:  "NGN",
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO invoices").
		WithArgs(inv.InvoiceID, inv.Reference, inv.CustomerName, inv.CustomerEmail, inv.CustomerPhone, sqlmock.AnyArg(), inv.Currency, inv.Description, inv.Status, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.RecordInvoice(context.Background(), inv)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusQueued, created.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInvoice_DuplicateReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO invoices").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err = ds.RecordInvoice(context.Background(), &model.Invoice{
		InvoiceID: "inv_1",
		Reference: "REF-001",
		Amount:    decimal.NewFromInt(15000),
		Currency:  "NGN",
		Status:    model.StatusQueued,
	})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetInvoice_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM invoices").
		WithArgs("inv_missing").
		WillReturnRows(sqlmock.NewRows([]string{"invoice_id"}))

	_, err = ds.GetInvoice(context.Background(), "inv_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestMarkInvoiceProcessing_ClaimsOnlyOpenInvoices(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs("inv_1", model.StatusProcessing, model.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := ds.MarkInvoiceProcessing(context.Background(), "inv_1")
	assert.NoError(t, err)
	assert.True(t, claimed)

	// Zero rows affected means the invoice is terminal or unknown; no claim.
	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs("inv_done", model.StatusProcessing, model.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = ds.MarkInvoiceProcessing(context.Background(), "inv_done")
	assert.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInvoiceStamped_CommitsUpdateAndAudit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	result := &model.StampResult{StampRef: "IRN-001", QRData: "qr", StampedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs("inv_1", model.StatusStamped, result.StampRef, result.QRData, sqlmock.AnyArg(), model.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = ds.MarkInvoiceStamped(context.Background(), "inv_1", result)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInvoiceStamped_AlreadyFinishedRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invoices SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ds.MarkInvoiceStamped(context.Background(), "inv_1", &model.StampResult{StampRef: "IRN-001"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResubmitInvoice_OnlyFromFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs("inv_1", model.StatusQueued, model.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := ds.ResubmitInvoice(context.Background(), "inv_1")
	assert.NoError(t, err)
	assert.True(t, moved)

	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs("inv_2", model.StatusQueued, model.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err = ds.ResubmitInvoice(context.Background(), "inv_2")
	assert.NoError(t, err)
	assert.False(t, moved)
}

func TestGetStuckInvoices(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows([]string{"invoice_id", "reference", "amount", "currency", "status", "failure_reason", "created_at"}).
		AddRow("inv_1", "REF-001", "15000", "NGN", model.StatusQueued, "", time.Now().Add(-30*time.Minute)).
		AddRow("inv_2", "REF-002", "2500.50", "NGN", model.StatusProcessing, "timeout", time.Now().Add(-20*time.Minute))

	mock.ExpectQuery("SELECT .* FROM invoices WHERE status IN").
		WithArgs(model.StatusQueued, model.StatusProcessing, sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	stuck, err := ds.GetStuckInvoices(context.Background(), 15*time.Minute, 100)
	assert.NoError(t, err)
	assert.Len(t, stuck, 2)
	assert.Equal(t, "inv_1", stuck[0].InvoiceID)
	assert.Equal(t, model.StatusProcessing, stuck[1].Status)
}
