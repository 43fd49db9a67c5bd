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

// Package recovery classifies errors into categories and applies a
// per-category bounded-retry policy for direct calls made outside the job
// queue. Typed errors carrying their own category classify directly; string
// matching is only a fallback adapter for errors crossing an external
// boundary.
package recovery

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Category string

const (
	CategoryNetwork          Category = "network"
	CategoryEInvoiceProvider Category = "einvoice_provider"
	CategoryPaymentProvider  Category = "payment_provider"
	CategoryValidation       Category = "validation"
	CategoryAuth             Category = "authentication"
	CategoryRateLimit        Category = "rate_limit"
	CategorySystem           Category = "system"
	CategoryUnknown          Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Categorized is implemented by errors that carry their own category, such
// as provider adapter errors.
type Categorized interface {
	Category() Category
}

// Retriable is implemented by errors that know whether retrying can help.
type Retriable interface {
	Retriable() bool
}

// Classify maps an error to a category, preferring typed information over
// message inspection.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var categorized Categorized
	if errors.As(err, &categorized) {
		return categorized.Category()
	}
	return classifyMessage(err.Error())
}

// classifyMessage is the fallback adapter for untyped errors. Matching on
// message text is fragile; keep patterns broad and ordered from most to
// least specific.
func classifyMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "unauthorized", "invalid credentials", "invalid client", "forbidden", "401", "403", "token expired"):
		return CategoryAuth
	case containsAny(m, "rate limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(m, "validation", "invalid payload", "malformed", "missing required", "schema"):
		return CategoryValidation
	case containsAny(m, "stamp", "einvoice", "irn"):
		return CategoryEInvoiceProvider
	case containsAny(m, "rrr", "gateway", "settlement"):
		return CategoryPaymentProvider
	case containsAny(m, "timeout", "connection refused", "connection reset", "no such host", "eof", "502", "503", "504"):
		return CategoryNetwork
	case containsAny(m, "database", "redis", "out of memory", "disk"):
		return CategorySystem
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Context describes one classified failure. RetryKey scopes attempt counters
// to a (category, caller) pair so unrelated failures never share a backoff
// budget.
type Context struct {
	Category  Category
	Severity  Severity
	Message   string
	Timestamp time.Time
	RetryKey  string
	Attempts  int
}

// Strategy is the fixed recovery policy for one category.
type Strategy struct {
	MaxRetries           uint64
	BaseDelay            time.Duration
	Multiplier           float64
	MaxDelay             time.Duration
	Severity             Severity
	ShouldRetry          func(*Context) bool
	OnMaxRetriesExceeded func(*Context)
}

// Hooks are the side effects a strategy may trigger when a category runs out
// of retries.
type Hooks struct {
	// SecurityEvent is invoked when authentication failures exhaust their
	// (zero) retry budget.
	SecurityEvent func(*Context)
	// MarkDegraded flips a dependency into degraded mode after repeated
	// provider failures.
	MarkDegraded func(dependency string)
}

func alwaysRetry(*Context) bool { return true }
func neverRetry(*Context) bool  { return false }

func defaultStrategies(hooks Hooks) map[Category]Strategy {
	markDegraded := func(dep string) func(*Context) {
		return func(c *Context) {
			logrus.Warnf("%s retries exhausted for %s, marking degraded", c.Category, dep)
			if hooks.MarkDegraded != nil {
				hooks.MarkDegraded(dep)
			}
		}
	}
	securityEvent := func(c *Context) {
		logrus.Errorf("security event: authentication failure (%s)", c.Message)
		if hooks.SecurityEvent != nil {
			hooks.SecurityEvent(c)
		}
	}

	return map[Category]Strategy{
		CategoryNetwork: {
			MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second,
			Severity: SeverityMedium, ShouldRetry: alwaysRetry,
		},
		CategoryEInvoiceProvider: {
			MaxRetries: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 2 * time.Minute,
			Severity: SeverityHigh, ShouldRetry: alwaysRetry,
			OnMaxRetriesExceeded: markDegraded("einvoice"),
		},
		CategoryPaymentProvider: {
			MaxRetries: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 2 * time.Minute,
			Severity: SeverityHigh, ShouldRetry: alwaysRetry,
			OnMaxRetriesExceeded: markDegraded("payment"),
		},
		// Validation and authentication fail fast: retrying the same bad
		// input or bad credentials cannot succeed.
		CategoryValidation: {
			MaxRetries: 0, Severity: SeverityLow, ShouldRetry: neverRetry,
		},
		CategoryAuth: {
			MaxRetries: 0, Severity: SeverityCritical, ShouldRetry: neverRetry,
			OnMaxRetriesExceeded: securityEvent,
		},
		CategoryRateLimit: {
			MaxRetries: 4, BaseDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 5 * time.Minute,
			Severity: SeverityMedium, ShouldRetry: alwaysRetry,
		},
		CategorySystem: {
			MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second,
			Severity: SeverityCritical, ShouldRetry: alwaysRetry,
		},
		CategoryUnknown: {
			MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 15 * time.Second,
			Severity: SeverityMedium, ShouldRetry: alwaysRetry,
		},
	}
}
