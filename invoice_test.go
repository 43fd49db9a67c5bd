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

package stampd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/stampdhq/stampd/model"
)

func invoiceMock(status string) *model.Invoice {
	return &model.Invoice{
		InvoiceID:     "inv_123",
		Reference:     gofakeit.UUID(),
		CustomerName:  gofakeit.Name(),
		CustomerEmail: gofakeit.Email(),
		Amount:        decimal.NewFromInt(15000),
		Currency:      "NGN",
		Status:        status,
		CreatedAt:     time.Now(),
	}
}

func invoiceTask(t *testing.T, invoiceID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(invoiceID)
	assert.NoError(t, err)
	body, err := json.Marshal(model.JobEnvelope{
		Name:       JobInvoiceSync,
		Key:        invoiceID,
		Payload:    payload,
		Policy:     model.JobPolicy{MaxAttempts: 5, Backoff: model.BackoffPolicy{Type: model.BackoffExponential, BaseDelayMs: 1000}},
		EnqueuedAt: time.Now(),
	})
	assert.NoError(t, err)
	return asynq.NewTask(JobInvoiceSync, body)
}

func TestQueueInvoice(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock("")
	inv.InvoiceID = ""

	tm.datasource.On("RecordInvoice", mock.Anything, mock.AnythingOfType("*model.Invoice")).
		Return(inv, nil)

	resp, err := s.QueueInvoice(context.Background(), inv)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusQueued, resp.Status)
	assert.Contains(t, resp.InvoiceID, "inv_")
	tm.datasource.AssertExpectations(t)

	// No provider call happens on the write path.
	tm.stamping.AssertNotCalled(t, "Stamp")
	tm.docs.AssertNotCalled(t, "Generate")
}

func TestProcessInvoiceSyncSuccess(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock(model.StatusQueued)
	document := []byte(`{"reference":"doc"}`)
	result := &model.StampResult{StampRef: "IRN-001", QRData: "qr-data", StampedAt: time.Now()}

	tm.datasource.On("GetInvoice", mock.Anything, inv.InvoiceID).Return(inv, nil)
	tm.datasource.On("MarkInvoiceProcessing", mock.Anything, inv.InvoiceID).Return(true, nil)
	tm.docs.On("Generate", mock.Anything, inv).Return(document, nil)
	tm.stamping.On("Stamp", mock.Anything, inv, document).Return(result, nil)
	tm.datasource.On("MarkInvoiceStamped", mock.Anything, inv.InvoiceID, result).Return(nil)

	err := s.ProcessInvoiceSync(context.Background(), invoiceTask(t, inv.InvoiceID))
	assert.NoError(t, err)
	tm.datasource.AssertExpectations(t)
	tm.stamping.AssertExpectations(t)
}

func TestProcessInvoiceSyncTerminalIsNoOp(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock(model.StatusStamped)
	tm.datasource.On("GetInvoice", mock.Anything, inv.InvoiceID).Return(inv, nil)

	// Redelivery of a finished invoice succeeds without touching providers.
	err := s.ProcessInvoiceSync(context.Background(), invoiceTask(t, inv.InvoiceID))
	assert.NoError(t, err)

	tm.docs.AssertNotCalled(t, "Generate")
	tm.stamping.AssertNotCalled(t, "Stamp")
	tm.datasource.AssertNotCalled(t, "MarkInvoiceProcessing")
}

func TestProcessInvoiceSyncNonRetriableDiscards(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock(model.StatusQueued)
	document := []byte(`{}`)
	providerErr := &ProviderError{Provider: DependencyEInvoice, Code: "HTTP_422", Message: "invalid document", Retryable: false}

	tm.datasource.On("GetInvoice", mock.Anything, inv.InvoiceID).Return(inv, nil)
	tm.datasource.On("MarkInvoiceProcessing", mock.Anything, inv.InvoiceID).Return(true, nil)
	tm.docs.On("Generate", mock.Anything, inv).Return(document, nil)
	tm.stamping.On("Stamp", mock.Anything, inv, document).Return(nil, providerErr)
	tm.datasource.On("UpdateInvoiceStatus", mock.Anything, inv.InvoiceID, model.StatusFailed, providerErr.Error()).Return(nil)

	err := s.ProcessInvoiceSync(context.Background(), invoiceTask(t, inv.InvoiceID))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	tm.datasource.AssertExpectations(t)
}

func TestProcessInvoiceSyncRetriableFailureThenSuccess(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock(model.StatusQueued)
	document := []byte(`{}`)
	transient := &ProviderError{Provider: DependencyEInvoice, Code: "HTTP_503", Message: "service unavailable", Retryable: true}
	result := &model.StampResult{StampRef: "IRN-007", QRData: "qr", StampedAt: time.Now()}

	tm.datasource.On("GetInvoice", mock.Anything, inv.InvoiceID).Return(inv, nil)
	tm.datasource.On("MarkInvoiceProcessing", mock.Anything, inv.InvoiceID).Return(true, nil)
	tm.datasource.On("UpdateInvoiceStatus", mock.Anything, inv.InvoiceID, model.StatusProcessing, transient.Error()).Return(nil)
	tm.docs.On("Generate", mock.Anything, inv).Return(document, nil)
	tm.stamping.On("Stamp", mock.Anything, inv, document).Return(nil, transient).Twice()
	tm.stamping.On("Stamp", mock.Anything, inv, document).Return(result, nil).Once()
	tm.datasource.On("MarkInvoiceStamped", mock.Anything, inv.InvoiceID, result).Return(nil)

	task := invoiceTask(t, inv.InvoiceID)

	// Two transient failures go back to the queue, the third delivery lands.
	err := s.ProcessInvoiceSync(context.Background(), task)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	err = s.ProcessInvoiceSync(context.Background(), task)
	assert.Error(t, err)

	err = s.ProcessInvoiceSync(context.Background(), task)
	assert.NoError(t, err)

	tm.stamping.AssertNumberOfCalls(t, "Stamp", 3)
	tm.datasource.AssertExpectations(t)
}

func TestProcessInvoiceSyncClaimLostIsNoOp(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock(model.StatusQueued)
	tm.datasource.On("GetInvoice", mock.Anything, inv.InvoiceID).Return(inv, nil)
	tm.datasource.On("MarkInvoiceProcessing", mock.Anything, inv.InvoiceID).Return(false, nil)

	err := s.ProcessInvoiceSync(context.Background(), invoiceTask(t, inv.InvoiceID))
	assert.NoError(t, err)
	tm.stamping.AssertNotCalled(t, "Stamp")
}

func TestResubmitInvoiceOnlyFromFailed(t *testing.T) {
	s, tm := newTestStampd(t)

	inv := invoiceMock(model.StatusQueued)
	tm.datasource.On("ResubmitInvoice", mock.Anything, inv.InvoiceID).Return(true, nil)
	tm.datasource.On("GetInvoice", mock.Anything, inv.InvoiceID).Return(inv, nil)

	resp, err := s.ResubmitInvoice(context.Background(), inv.InvoiceID)
	assert.NoError(t, err)
	assert.Equal(t, inv.InvoiceID, resp.InvoiceID)

	tm.datasource.ExpectedCalls = nil
	tm.datasource.On("ResubmitInvoice", mock.Anything, "inv_done").Return(false, nil)

	_, err = s.ResubmitInvoice(context.Background(), "inv_done")
	assert.Error(t, err)
}

func TestRecoverStuckInvoicesReEnqueues(t *testing.T) {
	s, tm := newTestStampd(t)

	stuck := []*model.Invoice{invoiceMock(model.StatusQueued)}
	tm.datasource.On("GetStuckInvoices", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return(stuck, nil)

	count, err := s.RecoverStuckInvoices(context.Background(), 10*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := s.Queue().GetJobFromQueue(stuck[0].InvoiceID)
	assert.NoError(t, err)
	assert.NotNil(t, job)
	assert.Equal(t, JobInvoiceSync, job.Name)
}
