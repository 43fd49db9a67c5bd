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

	"github.com/stampdhq/stampd/model"
)

type CreateInvoice struct {
	Reference     string                 `json:"reference"`
	CustomerName  string                 `json:"customer_name"`
	CustomerEmail string                 `json:"customer_email"`
	CustomerPhone string                 `json:"customer_phone"`
	Amount        float64                `json:"amount"`
	Currency      string                 `json:"currency"`
	Description   string                 `json:"description"`
	MetaData      map[string]interface{} `json:"meta_data"`
}

func (i *CreateInvoice) ToInvoice() *model.Invoice {
	return &model.Invoice{
		Reference:     i.Reference,
		CustomerName:  i.CustomerName,
		CustomerEmail: i.CustomerEmail,
		CustomerPhone: i.CustomerPhone,
		Amount:        decimal.NewFromFloat(i.Amount),
		Currency:      i.Currency,
		Description:   i.Description,
		MetaData:      i.MetaData,
	}
}
