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
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/database"
	"github.com/stampdhq/stampd/internal/breaker"
	"github.com/stampdhq/stampd/internal/cache"
	"github.com/stampdhq/stampd/internal/recovery"
	redis_db "github.com/stampdhq/stampd/internal/redis-db"
	"github.com/stampdhq/stampd/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Stampd is the main struct for the application. It owns the queue, the
// cache, the per-dependency circuit breakers and the recovery registry, so
// none of that state lives in package-level singletons.
type Stampd struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	cache      cache.Cache
	breakers   *breaker.Registry
	recovery   *recovery.Registry

	stamping StampingProvider
	payments PaymentProvider
	docs     DocumentGenerator
}

// NewStampd initializes a new instance with the provided datasource and
// provider clients.
func NewStampd(db database.IDataSource, stamping StampingProvider, payments PaymentProvider, docs DocumentGenerator) (*Stampd, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	sharedCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: uint32(configuration.CircuitBreaker.FailureThreshold),
		ResetTimeout:     time.Duration(configuration.CircuitBreaker.ResetTimeoutSec) * time.Second,
	})
	recoveryRegistry := recovery.NewRegistry(recovery.Hooks{})

	return &Stampd{
		queue:      newQueue,
		redis:      redisClient.Client(),
		datasource: db,
		cache:      sharedCache,
		breakers:   breakers,
		recovery:   recoveryRegistry,
		stamping:   stamping,
		payments:   payments,
		docs:       docs,
	}, nil
}

// Queue exposes the underlying job queue, mainly for the worker command.
func (s *Stampd) Queue() *Queue {
	return s.queue
}

// BreakerStates reports every dependency's circuit state for the health
// endpoint.
func (s *Stampd) BreakerStates() map[string]string {
	return s.breakers.States()
}

// Degraded reports whether a dependency has exhausted its recovery budget.
func (s *Stampd) Degraded(dependency string) bool {
	return s.recovery.Degraded(dependency)
}

// AuditTrail returns the recorded status transitions for an invoice ID or a
// payment RRR, newest first.
func (s *Stampd) AuditTrail(ctx context.Context, entityID string, limit, offset int) ([]model.AuditEntry, error) {
	return s.datasource.GetAuditTrail(ctx, entityID, limit, offset)
}
