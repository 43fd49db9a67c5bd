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

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Payment tracks a single gateway payment attempt, keyed by the gateway's
// retrieval reference (RRR). Once PAID, no further transition is permitted.
type Payment struct {
	PaymentID  string          `json:"payment_id"`
	RRR        string          `json:"rrr"`
	InvoiceID  string          `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

func (payment *Payment) IsPaid() bool {
	return payment.Status == StatusPaid
}

func (payment *Payment) ToJSON() ([]byte, error) {
	return json.Marshal(payment)
}

// GatewayStatus is the authoritative settlement status reported by the
// payment gateway for an RRR.
type GatewayStatus struct {
	RRR        string    `json:"rrr"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	GatewayRef string    `json:"gateway_ref"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Gateway status codes, as documented by the payment provider. "00" and "01"
// both mean settled funds.
const (
	GatewayCodeSettled    = "00"
	GatewayCodeApproved   = "01"
	GatewayCodePending    = "021"
	GatewayCodeProcessing = "025"
	GatewayCodeRejected   = "02"
)

// Final reports whether the gateway status can never change again. Final
// statuses are safe to memoize with a long TTL; pending ones are not.
func (s GatewayStatus) Final() bool {
	switch s.Code {
	case GatewayCodeSettled, GatewayCodeApproved, GatewayCodeRejected:
		return true
	}
	return false
}

// Settled reports whether the gateway confirmed the funds.
func (s GatewayStatus) Settled() bool {
	return s.Code == GatewayCodeSettled || s.Code == GatewayCodeApproved
}
