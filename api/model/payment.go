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
	"github.com/shopspring/decimal"

	"github.com/stampdhq/stampd"
)

// PaymentNotification is the gateway webhook body. The gateway retries
// delivery until it sees a 2XX, so the same notification arrives repeatedly.
type PaymentNotification struct {
	RRR        string  `json:"rrr"`
	InvoiceID  string  `json:"invoice_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	StatusCode string  `json:"status_code"`
	GatewayRef string  `json:"gateway_ref"`
}

func (p *PaymentNotification) ToWebhook() stampd.PaymentWebhook {
	return stampd.PaymentWebhook{
		RRR:        p.RRR,
		InvoiceID:  p.InvoiceID,
		Amount:     decimal.NewFromFloat(p.Amount),
		Currency:   p.Currency,
		Code:       p.StatusCode,
		GatewayRef: p.GatewayRef,
	}
}
