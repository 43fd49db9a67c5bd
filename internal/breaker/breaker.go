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

// Package breaker wraps sony/gobreaker with one circuit per external
// dependency. Breaker state is process-local and resets on restart; the
// worker fleet is small enough that sharing trip state across processes is
// not worth the coordination cost.
package breaker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// openError tags the open-circuit error as non-retriable so ad-hoc retry
// policies stop instead of queueing behind an open circuit.
type openError struct{}

func (openError) Error() string   { return "circuit breaker is open" }
func (openError) Retriable() bool { return false }

// ErrOpen is returned without invoking the operation while the circuit is
// open or the half-open probe slot is taken.
var ErrOpen error = openError{}

// Breaker guards calls to a single external dependency. After
// FailureThreshold consecutive failures the circuit opens; after ResetTimeout
// one probe call is let through, and its outcome decides between closing and
// reopening.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

type Settings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

func New(name string, settings Settings) *Breaker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	resetTimeout := settings.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single probe while half-open
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Breaker{name: name, cb: cb}
}

// Execute runs op under the circuit. While open it fails fast with ErrOpen
// and op is never invoked.
func (b *Breaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.Wrapf(ErrOpen, "dependency %s", b.name)
	}
	return result, err
}

// State reports the current circuit state as a string (CLOSED, OPEN or
// HALF_OPEN), for health endpoints.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether err came from an open circuit rather than from the
// operation itself.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// Registry holds one breaker per dependency. It is an explicit struct owned
// by whoever wires the adapters, never a package-level singleton, so tests
// stay deterministic and parallel-safe.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named dependency, creating it on first
// use. Breakers are never shared across dependencies.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	b := New(dependency, r.settings)
	r.breakers[dependency] = b
	return b
}

// States returns a snapshot of every known breaker's state, keyed by
// dependency name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
