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
	"net/http"
	"time"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/internal/cache"
	"github.com/stampdhq/stampd/internal/request"
	"github.com/stampdhq/stampd/model"
)

// EInvoiceClient talks to the government stamping authority. It implements
// both StampingProvider and DocumentGenerator: the document format is
// dictated by the same authority, so the two concerns share one client.
type EInvoiceClient struct {
	conf   config.ProviderConfig
	tokens *TokenSource
}

func NewEInvoiceClient(c cache.Cache) (*EInvoiceClient, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	client := &EInvoiceClient{conf: cfg.Providers.EInvoice}
	client.tokens = NewTokenSource(DependencyEInvoice, c,
		time.Duration(cfg.Cache.TokenSkewSeconds)*time.Second, client.fetchToken)
	return client, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (e *EInvoiceClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	body, err := request.ToJsonReq(map[string]string{
		"client_id":     e.conf.ClientID,
		"client_secret": e.conf.ClientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.conf.Url+"/oauth/token", body)
	if err != nil {
		return "", 0, err
	}

	var tokenResp tokenResponse
	resp, err := request.CallWithTimeout(req, &tokenResp, e.timeout())
	if err != nil {
		return "", 0, &ProviderError{Provider: DependencyEInvoice, Code: "AUTH_TRANSPORT", Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, &ProviderError{
			Provider:  DependencyEInvoice,
			Code:      "AUTH_REJECTED",
			Message:   fmt.Sprintf("token request returned %d", resp.StatusCode),
			Retryable: resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	expiresIn := time.Duration(tokenResp.ExpiresIn) * time.Second
	if tokenResp.ExpiresIn == 0 {
		expiresIn = time.Duration(e.conf.TokenTTLSeconds) * time.Second
	}
	return tokenResp.AccessToken, expiresIn, nil
}

// Generate renders the invoice into the authority's submission document.
// Called on every stamping attempt, so an invoice edited between retries is
// always submitted in its current form.
func (e *EInvoiceClient) Generate(_ context.Context, inv *model.Invoice) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"reference":      inv.Reference,
		"customer_name":  inv.CustomerName,
		"customer_email": inv.CustomerEmail,
		"customer_phone": inv.CustomerPhone,
		"amount":         inv.Amount,
		"currency":       inv.Currency,
		"description":    inv.Description,
		"issued_at":      inv.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type stampResponse struct {
	StampRef string `json:"stamp_ref"`
	QRData   string `json:"qr_data"`
	Message  string `json:"message"`
}

// Stamp submits a document for stamping. A 401 invalidates the memoized
// token and retries once with a fresh one before giving up.
func (e *EInvoiceClient) Stamp(ctx context.Context, inv *model.Invoice, document []byte) (*model.StampResult, error) {
	result, status, err := e.submit(ctx, inv, document)
	if status == http.StatusUnauthorized {
		e.tokens.Invalidate(ctx)
		result, status, err = e.submit(ctx, inv, document)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return &model.StampResult{StampRef: result.StampRef, QRData: result.QRData, StampedAt: time.Now()}, nil
	case status == http.StatusTooManyRequests:
		return nil, &ProviderError{Provider: DependencyEInvoice, Code: "RATE_LIMITED", Message: "rate limit exceeded", Retryable: true}
	case status >= http.StatusInternalServerError:
		return nil, &ProviderError{
			Provider:  DependencyEInvoice,
			Code:      fmt.Sprintf("HTTP_%d", status),
			Message:   result.Message,
			Retryable: true,
		}
	default:
		// 4XX means the document itself was rejected; resubmitting the same
		// invoice can never succeed.
		return nil, &ProviderError{
			Provider:  DependencyEInvoice,
			Code:      fmt.Sprintf("HTTP_%d", status),
			Message:   result.Message,
			Retryable: false,
		}
	}
}

func (e *EInvoiceClient) submit(ctx context.Context, inv *model.Invoice, document []byte) (*stampResponse, int, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, 0, err
	}

	body, err := request.ToJsonReq(map[string]interface{}{
		"invoice_id": inv.InvoiceID,
		"document":   json.RawMessage(document),
	})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.conf.Url+"/invoices/stamp", body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var stampResp stampResponse
	resp, err := request.CallWithTimeout(req, &stampResp, e.timeout())
	if err != nil {
		return nil, 0, &ProviderError{Provider: DependencyEInvoice, Code: "TRANSPORT", Message: err.Error(), Retryable: true}
	}
	return &stampResp, resp.StatusCode, nil
}

func (e *EInvoiceClient) timeout() time.Duration {
	if e.conf.TimeoutSec > 0 {
		return time.Duration(e.conf.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}
