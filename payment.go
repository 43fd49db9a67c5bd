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
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/internal/breaker"
	"github.com/stampdhq/stampd/model"
)

const paymentStatusNamespace = "payment-status"

// PaymentWebhook is the gateway notification as ingested by the webhook
// endpoints. The gateway retries delivery, so the same webhook can arrive
// any number of times.
type PaymentWebhook struct {
	RRR        string          `json:"rrr"`
	InvoiceID  string          `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Code       string          `json:"status_code"`
	GatewayRef string          `json:"gateway_ref"`
}

// IngestPaymentWebhook is the fast half of webhook handling: record the
// payment as PENDING if unseen and enqueue the confirmation job. Dedup of
// byte-identical redeliveries happens a layer up; this path additionally
// tolerates semantic duplicates because the task ID is the RRR.
func (s *Stampd) IngestPaymentWebhook(ctx context.Context, webhook PaymentWebhook) (*model.Payment, error) {
	ctx, span := tracer.Start(ctx, "Ingesting Payment Webhook")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	payment, err := s.datasource.GetPaymentByRRR(ctx, webhook.RRR)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		payment, err = s.datasource.RecordPayment(ctx, &model.Payment{
			PaymentID: model.GenerateUUIDWithSuffix("pay"),
			RRR:       webhook.RRR,
			InvoiceID: webhook.InvoiceID,
			Amount:    webhook.Amount,
			Currency:  webhook.Currency,
			Status:    model.StatusPending,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return nil, err
		}
	}

	if payment.IsPaid() {
		log.Printf(" [*] Payment %s already PAID, webhook ignored", webhook.RRR)
		return payment, nil
	}

	payload, err := json.Marshal(webhook)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, JobPaymentConfirm, webhook.RRR, json.RawMessage(payload), DefaultJobPolicy(cfg)); err != nil {
		logrus.Errorf("failed to enqueue payment confirmation for %s: %v", webhook.RRR, err)
	}
	return payment, nil
}

// ProcessPaymentConfirm confirms a webhook-reported payment against the
// gateway and applies the PENDING -> PAID transition. Only an explicit
// success code in the webhook itself is trusted without confirmation; every
// other code triggers an authoritative status query.
func (s *Stampd) ProcessPaymentConfirm(ctx context.Context, t *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "Process Payment Confirmation From Redis Queue")
	defer span.End()

	envelope, err := DecodeEnvelope(t)
	if err != nil {
		logrus.Error(err)
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}
	var webhook PaymentWebhook
	if err := json.Unmarshal(envelope.Payload, &webhook); err != nil {
		logrus.Error(err)
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}

	payment, err := s.datasource.GetPaymentByRRR(ctx, webhook.RRR)
	if err != nil {
		return err
	}
	if payment == nil {
		logrus.Warnf("payment %s gone before confirmation, skipping", webhook.RRR)
		return nil
	}
	if payment.IsPaid() {
		log.Printf(" [*] Payment %s already PAID, skipping", webhook.RRR)
		return nil
	}

	status := model.GatewayStatus{RRR: webhook.RRR, Code: webhook.Code, GatewayRef: webhook.GatewayRef}
	if !status.Settled() {
		// The webhook code alone never finalizes a non-success outcome; ask
		// the gateway what actually happened.
		queried, err := s.queryGatewayStatus(ctx, webhook.RRR)
		if err != nil {
			return s.handlePaymentQueryFailure(ctx, payment, err)
		}
		status = *queried
	}

	switch {
	case status.Settled():
		if err := s.datasource.MarkPaymentPaid(ctx, webhook.RRR, status.GatewayRef); err != nil {
			return err
		}
		log.Println(" [*] Payment Confirmed", webhook.RRR)
		s.notifyPayment(payment, model.StatusPaid)
		return nil
	case status.Final():
		// Rejected. Terminal for this attempt; the customer pays again with
		// a fresh RRR.
		if err := s.datasource.UpdatePaymentStatus(ctx, webhook.RRR, model.StatusFailed); err != nil {
			return err
		}
		s.notifyPayment(payment, model.StatusFailed)
		return errors.Wrap(asynq.SkipRetry, fmt.Sprintf("gateway rejected payment %s: %s", webhook.RRR, status.Message))
	default:
		// Still pending at the gateway. Leave state unchanged and let the
		// queue retry with backoff.
		return fmt.Errorf("payment %s still pending at gateway (code %s)", webhook.RRR, status.Code)
	}
}

// queryGatewayStatus asks the payment gateway for the authoritative status
// of an RRR, through the gateway's circuit breaker, and memoizes the answer.
// Final statuses get the long TTL. Pending statuses are cached only for the
// read API; this confirmation path never trusts a cached non-final status,
// so the cache is checked for final entries only.
func (s *Stampd) queryGatewayStatus(ctx context.Context, rrr string) (*model.GatewayStatus, error) {
	var cached model.GatewayStatus
	if s.cache.Get(ctx, paymentStatusNamespace, rrr, &cached) && cached.Final() {
		return &cached, nil
	}

	result, err := s.breakers.Get(DependencyPayment).Execute(func() (interface{}, error) {
		return s.payments.Status(ctx, rrr)
	})
	if err != nil {
		return nil, err
	}
	s.recovery.ClearDegraded(DependencyPayment)

	status := result.(*model.GatewayStatus)
	status.FetchedAt = time.Now()

	cfg, cfgErr := config.Fetch()
	if cfgErr != nil {
		return status, nil
	}
	ttl := time.Duration(cfg.Cache.PendingStatusTTLSec) * time.Second
	if status.Final() {
		ttl = time.Duration(cfg.Cache.TerminalStatusTTLSec) * time.Second
	}
	s.cache.Set(ctx, paymentStatusNamespace, rrr, status, ttl)
	return status, nil
}

// GetPaymentStatus serves the read API. Unlike the confirmation worker it
// may answer from a cached pending status, trading a little staleness for
// not hammering the gateway on every poll.
func (s *Stampd) GetPaymentStatus(ctx context.Context, rrr string) (*model.Payment, *model.GatewayStatus, error) {
	payment, err := s.datasource.GetPaymentByRRR(ctx, rrr)
	if err != nil {
		return nil, nil, err
	}
	if payment == nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payment with RRR '%s' not found", rrr), nil)
	}

	if payment.IsPaid() {
		return payment, nil, nil
	}

	var cached model.GatewayStatus
	if s.cache.Get(ctx, paymentStatusNamespace, rrr, &cached) {
		return payment, &cached, nil
	}

	// The query runs under the ad-hoc recovery policy of its error category:
	// transient failures spend a retry budget, and exhausting it flips the
	// gateway's degraded flag. An open circuit stops after one call, and the
	// caller's context bounds how long a poll can block.
	var status *model.GatewayStatus
	queryErr := s.recovery.Execute(ctx, "gateway-status:"+rrr, func() error {
		queried, err := s.queryGatewayStatus(ctx, rrr)
		if err != nil {
			return err
		}
		status = queried
		return nil
	})
	if queryErr != nil {
		// Degraded gateway must not break the read path; the stored status
		// still answers the question approximately.
		logrus.Warnf("gateway status query for %s failed: %v", rrr, queryErr)
		return payment, nil, nil
	}
	return payment, status, nil
}

// handlePaymentQueryFailure mirrors invoice failure handling: open circuit
// and retriable errors go back to the queue, non-retriable ones persist
// FAILED and discard the job, and the last attempt leaves the payment
// PENDING for the recovery sweep rather than marking it failed, because the
// money may well have moved.
func (s *Stampd) handlePaymentQueryFailure(ctx context.Context, payment *model.Payment, queryErr error) error {
	if breaker.IsOpen(queryErr) {
		logrus.Warnf("payment gateway circuit open, payment %s pushed back for retry", payment.RRR)
		return queryErr
	}

	if !IsRetriable(queryErr) {
		logrus.Errorf("non-retriable gateway error for payment %s: %v", payment.RRR, queryErr)
		// Persist before notifying so subscribers and the status endpoint
		// tell the same story.
		if err := s.datasource.UpdatePaymentStatus(ctx, payment.RRR, model.StatusFailed); err != nil {
			return err
		}
		s.notifyPayment(payment, model.StatusFailed)
		return errors.Wrap(asynq.SkipRetry, queryErr.Error())
	}

	retried, ok := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if ok && ok2 && retried >= maxRetry {
		logrus.Errorf("retries exhausted confirming payment %s, leaving PENDING: %v", payment.RRR, queryErr)
		s.notifyPayment(payment, model.StatusPending)
	}
	return queryErr
}

func (s *Stampd) notifyPayment(payment *model.Payment, status string) {
	if err := SendWebhook(NewWebhook{
		Event:   getEventFromStatus("payment", status),
		Payload: payment,
	}); err != nil {
		logrus.Errorf("failed to queue %s notification for payment %s: %v", status, payment.RRR, err)
	}
}
