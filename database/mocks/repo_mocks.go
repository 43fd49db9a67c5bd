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
package mocks

import (
	"context"
	"time"

	"github.com/stampdhq/stampd/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Invoice methods

func (m *MockDataSource) RecordInvoice(ctx context.Context, inv *model.Invoice) (*model.Invoice, error) {
	args := m.Called(ctx, inv)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Invoice), args.Error(1)
}

func (m *MockDataSource) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Invoice), args.Error(1)
}

func (m *MockDataSource) UpdateInvoiceStatus(ctx context.Context, id string, status string, reason string) error {
	args := m.Called(ctx, id, status, reason)
	return args.Error(0)
}

func (m *MockDataSource) MarkInvoiceProcessing(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkInvoiceStamped(ctx context.Context, id string, result *model.StampResult) error {
	args := m.Called(ctx, id, result)
	return args.Error(0)
}

func (m *MockDataSource) ResubmitInvoice(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetAllInvoices(ctx context.Context, limit, offset int) ([]model.Invoice, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.Invoice), args.Error(1)
}

func (m *MockDataSource) GetStuckInvoices(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Invoice, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Invoice), args.Error(1)
}

// Payment methods

func (m *MockDataSource) RecordPayment(ctx context.Context, pay *model.Payment) (*model.Payment, error) {
	args := m.Called(ctx, pay)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

func (m *MockDataSource) GetPaymentByRRR(ctx context.Context, rrr string) (*model.Payment, error) {
	args := m.Called(ctx, rrr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Payment), args.Error(1)
}

func (m *MockDataSource) MarkPaymentPaid(ctx context.Context, rrr string, gatewayRef string) error {
	args := m.Called(ctx, rrr, gatewayRef)
	return args.Error(0)
}

func (m *MockDataSource) UpdatePaymentStatus(ctx context.Context, rrr string, status string) error {
	args := m.Called(ctx, rrr, status)
	return args.Error(0)
}

// Idempotency methods

func (m *MockDataSource) LookupIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IdempotencyRecord), args.Error(1)
}

func (m *MockDataSource) ReserveIdempotencyRecord(ctx context.Context, record *model.IdempotencyRecord) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FinalizeIdempotencyRecord(ctx context.Context, key string, statusCode int, responseBody []byte) error {
	args := m.Called(ctx, key, statusCode, responseBody)
	return args.Error(0)
}

func (m *MockDataSource) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// Audit methods

func (m *MockDataSource) RecordAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetAuditTrail(ctx context.Context, entityID string, limit, offset int) ([]model.AuditEntry, error) {
	args := m.Called(ctx, entityID, limit, offset)
	return args.Get(0).([]model.AuditEntry), args.Error(1)
}
