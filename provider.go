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
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/stampdhq/stampd/internal/cache"
	"github.com/stampdhq/stampd/internal/recovery"
	"github.com/stampdhq/stampd/model"
)

// Dependency names used for circuit breakers and degraded-mode flags. One
// breaker per dependency, never shared.
const (
	DependencyEInvoice = "einvoice"
	DependencyPayment  = "payment"
	DependencySMS      = "sms"
)

// StampingProvider is the client for the external stamping authority. The
// concrete HTTP client lives elsewhere; the workers only rely on this
// contract and on errors being tagged with a category and retriable flag.
type StampingProvider interface {
	Stamp(ctx context.Context, invoice *model.Invoice, document []byte) (*model.StampResult, error)
}

// PaymentProvider is the client for the external payment gateway.
type PaymentProvider interface {
	Status(ctx context.Context, rrr string) (*model.GatewayStatus, error)
}

// DocumentGenerator regenerates the invoice document submitted to the
// stamping authority. Regeneration happens on every attempt so a stale
// document is never resubmitted.
type DocumentGenerator interface {
	Generate(ctx context.Context, invoice *model.Invoice) ([]byte, error)
}

// TokenFetcher authenticates against a provider and returns a bearer token
// with its lifetime.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// ProviderError is the tagged error providers must return. The workers trust
// the Retriable flag to decide between backoff and discard, and the category
// feeds the recovery strategy table.
type ProviderError struct {
	Provider  string
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s provider error [%s]: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

// Retriable implements recovery.Retriable.
func (e *ProviderError) Retriable() bool {
	return e.Retryable
}

// Category implements recovery.Categorized.
func (e *ProviderError) Category() recovery.Category {
	switch e.Provider {
	case DependencyEInvoice:
		return recovery.CategoryEInvoiceProvider
	case DependencyPayment:
		return recovery.CategoryPaymentProvider
	default:
		return recovery.CategoryUnknown
	}
}

// IsRetriable reports whether err is tagged retriable. Untagged errors
// default to retriable: transport-level failures reach the worker untagged
// and retrying them is the safe side of the trade.
func IsRetriable(err error) bool {
	var re recovery.Retriable
	if errors.As(err, &re) {
		return re.Retriable()
	}
	return true
}

// tokenNamespace is the cache namespace for provider OAuth tokens.
const tokenNamespace = "provider-tokens"

// TokenSource memoizes a provider's OAuth token in the shared cache with a
// TTL slightly shorter than the token's real expiry. A cache failure just
// means re-authenticating.
type TokenSource struct {
	provider string
	cache    cache.Cache
	fetch    TokenFetcher
	skew     time.Duration
}

func NewTokenSource(provider string, c cache.Cache, skew time.Duration, fetch TokenFetcher) *TokenSource {
	return &TokenSource{provider: provider, cache: c, fetch: fetch, skew: skew}
}

// Token returns a valid bearer token, from cache when possible.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	var cached string
	if t.cache != nil && t.cache.Get(ctx, tokenNamespace, t.provider, &cached) {
		return cached, nil
	}

	token, expiresIn, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}

	ttl := expiresIn - t.skew
	if ttl > 0 && t.cache != nil {
		t.cache.Set(ctx, tokenNamespace, t.provider, token, ttl)
	}
	return token, nil
}

// Invalidate drops the memoized token, typically after a 401 from the
// provider.
func (t *TokenSource) Invalidate(ctx context.Context) {
	if t.cache != nil {
		t.cache.Delete(ctx, tokenNamespace, t.provider)
	}
}
