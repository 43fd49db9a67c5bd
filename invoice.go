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
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/internal/breaker"
	"github.com/stampdhq/stampd/model"
)

// QueueInvoice is the write path for a new invoice: persist it as QUEUED and
// enqueue the sync job, then return. The caller gets a fast 202-style answer;
// the stamping outcome surfaces later through the invoice's status field.
func (s *Stampd) QueueInvoice(ctx context.Context, inv *model.Invoice) (*model.Invoice, error) {
	ctx, span := tracer.Start(ctx, "Queuing Invoice For Stamping")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	inv.InvoiceID = model.GenerateUUIDWithSuffix("inv")
	inv.Status = model.StatusQueued
	inv.CreatedAt = time.Now()

	persisted, err := s.datasource.RecordInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}

	_, err = s.queue.Enqueue(ctx, JobInvoiceSync, persisted.InvoiceID, persisted.InvoiceID, DefaultJobPolicy(cfg))
	if err != nil {
		// The invoice stays QUEUED; the stuck-invoice recovery loop will
		// re-enqueue it.
		logrus.Errorf("failed to enqueue invoice %s: %v", persisted.InvoiceID, err)
	}

	return persisted, nil
}

// GetInvoice returns an invoice by ID.
func (s *Stampd) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	return s.datasource.GetInvoice(ctx, id)
}

// GetAllInvoices returns a page of invoices, newest first.
func (s *Stampd) GetAllInvoices(ctx context.Context, limit, offset int) ([]model.Invoice, error) {
	return s.datasource.GetAllInvoices(ctx, limit, offset)
}

// ResubmitInvoice is the explicit admin action that moves a FAILED invoice
// back to QUEUED and re-enqueues it. No other path leaves a terminal state.
func (s *Stampd) ResubmitInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	moved, err := s.datasource.ResubmitInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Invoice '%s' is not in a failed state", id), nil)
	}

	if _, err := s.queue.Enqueue(ctx, JobInvoiceSync, id, id, DefaultJobPolicy(cfg)); err != nil {
		logrus.Errorf("failed to enqueue resubmitted invoice %s: %v", id, err)
	}
	return s.datasource.GetInvoice(ctx, id)
}

// ProcessInvoiceSync is the queued handler that drives an invoice through
// QUEUED -> PROCESSING -> {STAMPED | FAILED}. The handler is safe to re-run:
// every side effect is preceded by a terminal-status check, so a crash and
// redelivery never double-submits a stamped invoice.
func (s *Stampd) ProcessInvoiceSync(ctx context.Context, t *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "Process Invoice From Redis Queue")
	defer span.End()

	envelope, err := DecodeEnvelope(t)
	if err != nil {
		logrus.Error(err)
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}
	var invoiceID string
	if err := json.Unmarshal(envelope.Payload, &invoiceID); err != nil {
		logrus.Error(err)
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}

	inv, err := s.datasource.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	// Redundant redelivery of a finished invoice is a success, not an error.
	if inv.IsTerminal() {
		log.Printf(" [*] Invoice %s already %s, skipping", invoiceID, inv.Status)
		return nil
	}

	claimed, err := s.datasource.MarkInvoiceProcessing(ctx, invoiceID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf(" [*] Invoice %s not claimable, skipping", invoiceID)
		return nil
	}
	inv.Status = model.StatusProcessing

	result, err := s.stampInvoice(ctx, inv)
	if err != nil {
		return s.handleStampFailure(ctx, inv, err)
	}

	if err := s.datasource.MarkInvoiceStamped(ctx, invoiceID, result); err != nil {
		return err
	}
	log.Println(" [*] Invoice Stamped", invoiceID)

	s.notifyInvoice(inv, model.StatusStamped)
	return nil
}

// stampInvoice regenerates the document, validates it and submits it to the
// stamping authority through its circuit breaker.
func (s *Stampd) stampInvoice(ctx context.Context, inv *model.Invoice) (*model.StampResult, error) {
	document, err := s.docs.Generate(ctx, inv)
	if err != nil {
		// A document we cannot generate will never stamp; fail fast.
		return nil, &ProviderError{Provider: DependencyEInvoice, Code: "DOCUMENT", Message: err.Error(), Retryable: false}
	}

	result, err := s.breakers.Get(DependencyEInvoice).Execute(func() (interface{}, error) {
		return s.stamping.Stamp(ctx, inv, document)
	})
	if err != nil {
		return nil, err
	}
	s.recovery.ClearDegraded(DependencyEInvoice)
	return result.(*model.StampResult), nil
}

// handleStampFailure decides between backoff and terminal failure. An open
// circuit and any retriable error go back to the queue; a non-retriable
// error discards the job immediately; the final attempt persists FAILED so
// the outcome is queryable.
func (s *Stampd) handleStampFailure(ctx context.Context, inv *model.Invoice, stampErr error) error {
	if breaker.IsOpen(stampErr) {
		logrus.Warnf("stamping circuit open, invoice %s pushed back for retry", inv.InvoiceID)
		return stampErr
	}

	if !IsRetriable(stampErr) {
		if err := s.datasource.UpdateInvoiceStatus(ctx, inv.InvoiceID, model.StatusFailed, stampErr.Error()); err != nil {
			return err
		}
		s.notifyInvoice(inv, model.StatusFailed)
		return errors.Wrap(asynq.SkipRetry, stampErr.Error())
	}

	retried, ok := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if ok && ok2 && retried >= maxRetry {
		if err := s.datasource.UpdateInvoiceStatus(ctx, inv.InvoiceID, model.StatusFailed, fmt.Sprintf("retries exhausted: %v", stampErr)); err != nil {
			return err
		}
		s.notifyInvoice(inv, model.StatusFailed)
		return stampErr
	}

	// Keep PROCESSING but record why the attempt failed, so the status
	// endpoint can show a retryable-error reason mid-backoff.
	if err := s.datasource.UpdateInvoiceStatus(ctx, inv.InvoiceID, model.StatusProcessing, stampErr.Error()); err != nil {
		logrus.Error(err)
	}
	logrus.Infof("Invoice %s pushed back for retry due to error: %v", inv.InvoiceID, stampErr)
	return stampErr
}

// notifyInvoice fires a best-effort notification. Failure to notify must
// never fail the transition that triggered it.
func (s *Stampd) notifyInvoice(inv *model.Invoice, status string) {
	if err := SendWebhook(NewWebhook{
		Event:   getEventFromStatus("invoice", status),
		Payload: inv,
	}); err != nil {
		logrus.Errorf("failed to queue %s notification for invoice %s: %v", status, inv.InvoiceID, err)
	}
}
