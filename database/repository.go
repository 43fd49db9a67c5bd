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
	"time"

	"github.com/stampdhq/stampd/model"
)

// IDataSource defines the interface for data source operations, grouping
// related functionalities.
type IDataSource interface {
	invoice
	payment
	idempotency
	audit
}

// invoice defines methods for persisting invoices.
type invoice interface {
	RecordInvoice(ctx context.Context, inv *model.Invoice) (*model.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, status string, reason string) error
	MarkInvoiceProcessing(ctx context.Context, id string) (bool, error)
	MarkInvoiceStamped(ctx context.Context, id string, result *model.StampResult) error
	ResubmitInvoice(ctx context.Context, id string) (bool, error)
	GetAllInvoices(ctx context.Context, limit, offset int) ([]model.Invoice, error)
	GetStuckInvoices(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Invoice, error)
}

// payment defines methods for persisting gateway payments.
type payment interface {
	RecordPayment(ctx context.Context, pay *model.Payment) (*model.Payment, error)
	GetPaymentByRRR(ctx context.Context, rrr string) (*model.Payment, error)
	MarkPaymentPaid(ctx context.Context, rrr string, gatewayRef string) error
	UpdatePaymentStatus(ctx context.Context, rrr string, status string) error
}

// idempotency defines the idempotency ledger operations. Reserve is the sole
// mutual-exclusion mechanism for concurrent duplicate deliveries.
type idempotency interface {
	LookupIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	ReserveIdempotencyRecord(ctx context.Context, record *model.IdempotencyRecord) (bool, error)
	FinalizeIdempotencyRecord(ctx context.Context, key string, statusCode int, responseBody []byte) error
	DeleteIdempotencyRecord(ctx context.Context, key string) error
}

// audit defines the append-only audit trail.
type audit interface {
	RecordAuditEntry(ctx context.Context, entry *model.AuditEntry) error
	GetAuditTrail(ctx context.Context, entityID string, limit, offset int) ([]model.AuditEntry, error)
}
