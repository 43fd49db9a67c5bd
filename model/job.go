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
)

// Backoff types understood by the queue's retry delay function.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// BackoffPolicy describes how retry delays grow between attempts.
type BackoffPolicy struct {
	Type        string `json:"type"`
	BaseDelayMs int    `json:"base_delay_ms"`
}

// JobPolicy is the retry contract a producer attaches to a job. The queue
// owns the attempt counter; handlers never track attempts themselves.
type JobPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff"`
}

// JobEnvelope wraps every queued payload so the worker side can recover the
// job's name, business key and retry policy without consulting the producer.
type JobEnvelope struct {
	Name       string          `json:"name"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Policy     JobPolicy       `json:"policy"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delay returns the delay before attempt n (zero-based count of prior
// failures), capped at maxDelay. Delays are non-decreasing in n.
func (p JobPolicy) Delay(n int, maxDelay time.Duration) time.Duration {
	base := time.Duration(p.Backoff.BaseDelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	if p.Backoff.Type == BackoffFixed {
		if base > maxDelay && maxDelay > 0 {
			return maxDelay
		}
		return base
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
