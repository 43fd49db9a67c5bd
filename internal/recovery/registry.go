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

package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Registry owns the strategy table, the per-retryKey attempt counters and
// the degraded-dependency flags. It is built and passed in explicitly so
// tests never share retry state.
type Registry struct {
	mu         sync.Mutex
	strategies map[Category]Strategy
	attempts   map[string]int
	degraded   map[string]bool
}

func NewRegistry(hooks Hooks) *Registry {
	r := &Registry{
		attempts: make(map[string]int),
		degraded: make(map[string]bool),
	}
	if hooks.MarkDegraded == nil {
		hooks.MarkDegraded = r.markDegraded
	}
	r.strategies = defaultStrategies(hooks)
	return r
}

// StrategyFor returns the fixed policy for a category.
func (r *Registry) StrategyFor(category Category) Strategy {
	if s, ok := r.strategies[category]; ok {
		return s
	}
	return r.strategies[CategoryUnknown]
}

func (r *Registry) markDegraded(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded[dependency] = true
}

// ClearDegraded resets a dependency's degraded flag, typically after a
// successful call.
func (r *Registry) ClearDegraded(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.degraded, dependency)
}

// Degraded reports whether a dependency has been flipped into degraded mode.
func (r *Registry) Degraded(dependency string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded[dependency]
}

func (r *Registry) bumpAttempts(retryKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[retryKey]++
	return r.attempts[retryKey]
}

func (r *Registry) resetAttempts(retryKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, retryKey)
}

// Attempts returns the running failure count for a retry key.
func (r *Registry) Attempts(retryKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[retryKey]
}

// Execute runs op under the bounded retry policy of the category its first
// failure classifies into. This is for ad-hoc direct calls outside the job
// queue; queued handlers rely on the queue's own attempt counter instead.
//
// The backoff schedule is configured lazily from the first failure, since
// the category is unknown until an error is observed. The operation is never
// invoked more than 1 + maxRetries times.
func (r *Registry) Execute(ctx context.Context, retryKey string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0

	var (
		strategy   Strategy
		errCtx     *Context
		tries      int
		configured bool
		exhausted  bool
	)

	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		tries++

		if !configured {
			category := Classify(err)
			strategy = r.StrategyFor(category)
			bo.InitialInterval = strategy.BaseDelay
			bo.Multiplier = strategy.Multiplier
			bo.MaxInterval = strategy.MaxDelay
			errCtx = &Context{
				Category: category,
				Severity: strategy.Severity,
				RetryKey: retryKey,
			}
			// Retry resets the schedule before the first attempt, so the
			// interval picked from the category has to be re-applied.
			bo.Reset()
			configured = true
		}
		errCtx.Message = err.Error()
		errCtx.Timestamp = time.Now()
		errCtx.Attempts = r.bumpAttempts(retryKey)

		if strategy.MaxRetries == 0 {
			exhausted = true
			return backoff.Permanent(err)
		}
		if strategy.ShouldRetry != nil && !strategy.ShouldRetry(errCtx) {
			return backoff.Permanent(err)
		}
		var retriable Retriable
		if errors.As(err, &retriable) && !retriable.Retriable() {
			return backoff.Permanent(err)
		}
		if uint64(tries) > strategy.MaxRetries {
			exhausted = true
			return backoff.Permanent(err)
		}
		logrus.Infof("retrying %s after %s failure (attempt %d)", retryKey, errCtx.Category, tries)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		// The hook fires only when the retry budget was genuinely spent. A
		// non-retriable error or a canceled context stops the loop without
		// exhausting anything.
		if exhausted && errCtx != nil && strategy.OnMaxRetriesExceeded != nil {
			strategy.OnMaxRetriesExceeded(errCtx)
		}
		return err
	}
	r.resetAttempts(retryKey)
	return nil
}
