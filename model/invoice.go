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

// Invoice represents a tax invoice on its way to the external stamping
// authority. Status moves QUEUED -> PROCESSING -> {STAMPED | FAILED}; PAID is
// only reachable through the payment state machine after STAMPED.
type Invoice struct {
	InvoiceID     string                 `json:"invoice_id"`
	Reference     string                 `json:"reference"`
	CustomerName  string                 `json:"customer_name"`
	CustomerEmail string                 `json:"customer_email"`
	CustomerPhone string                 `json:"customer_phone"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency"`
	Description   string                 `json:"description"`
	Status        string                 `json:"status"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	StampRef      string                 `json:"stamp_ref,omitempty"`
	QRData        string                 `json:"qr_data,omitempty"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StampedAt     *time.Time             `json:"stamped_at,omitempty"`
}

// IsTerminal reports whether no worker may move the invoice again without an
// explicit admin resubmission.
func (invoice *Invoice) IsTerminal() bool {
	switch invoice.Status {
	case StatusStamped, StatusFailed, StatusPaid:
		return true
	}
	return false
}

func (invoice *Invoice) ToJSON() ([]byte, error) {
	return json.Marshal(invoice)
}

// StampResult carries what the stamping authority returns for an accepted
// invoice.
type StampResult struct {
	StampRef  string    `json:"stamp_ref"`
	QRData    string    `json:"qr_data"`
	StampedAt time.Time `json:"stamped_at"`
}
