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
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

func (i *CreateInvoice) ValidateCreateInvoice() error {
	return validation.ValidateStruct(i,
		validation.Field(&i.Reference, validation.Required),
		validation.Field(&i.CustomerName, validation.Required),
		validation.Field(&i.CustomerEmail, validation.Required, is.Email),
		validation.Field(&i.Amount, validation.Required, validation.Min(0.01)),
		validation.Field(&i.Currency, validation.Required, validation.Length(3, 3)),
	)
}

func (p *PaymentNotification) ValidatePaymentNotification() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.RRR, validation.Required),
		validation.Field(&p.InvoiceID, validation.Required),
		validation.Field(&p.Amount, validation.Required, validation.Min(0.01)),
		validation.Field(&p.StatusCode, validation.Required),
	)
}
