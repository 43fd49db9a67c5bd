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
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/stampdhq/stampd/config"
	redis_db "github.com/stampdhq/stampd/internal/redis-db"
	"github.com/stampdhq/stampd/model"
)

var tracer = otel.Tracer("stampd.queue")

// Job names registered on the worker mux.
const (
	JobInvoiceSync    = "invoice:sync"
	JobPaymentConfirm = "payment:confirm"
	JobNotification   = "notification:send"
)

// Queue wraps the asynq client. Job state lives in Redis independent of the
// worker process, so a crash mid-handler results in redelivery, not loss;
// handlers are written to be safe against their own partial effects.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// DefaultJobPolicy builds the retry policy configured for the deployment.
func DefaultJobPolicy(conf *config.Configuration) model.JobPolicy {
	return model.JobPolicy{
		MaxAttempts: conf.Queue.MaxRetryAttempts,
		Backoff: model.BackoffPolicy{
			Type:        model.BackoffExponential,
			BaseDelayMs: conf.Queue.BaseDelayMs,
		},
	}
}

// Enqueue wraps payload in a JobEnvelope and hands it to asynq. The task ID
// is the business key, so at most one job per key is pending at a time and a
// job is delivered to exactly one worker at a time. Returns the job ID.
func (q *Queue) Enqueue(ctx context.Context, name, key string, payload interface{}, policy model.JobPolicy) (string, error) {
	ctx, span := tracer.Start(ctx, "Adding Job To Redis Queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return "", err
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	envelope := model.JobEnvelope{
		Name:       name,
		Key:        key,
		Payload:    rawPayload,
		Policy:     policy,
		EnqueuedAt: time.Now(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}

	maxRetry := policy.MaxAttempts - 1
	if maxRetry < 0 {
		maxRetry = 0
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(key),
		asynq.Queue(q.queueNameFor(cfg, name, key)),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(time.Duration(cfg.Queue.TaskTimeoutSec) * time.Second),
	}
	task := asynq.NewTask(name, body, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return "", err
	}
	log.Printf(" [*] Successfully enqueued %s job: %s", name, key)
	return info.ID, nil
}

// queueNameFor assigns invoice jobs to one of N shard queues by hashing the
// business key, so all work for one invoice is processed serially within the
// same queue. Payment and notification jobs use their own queues.
func (q *Queue) queueNameFor(cfg *config.Configuration, name, key string) string {
	switch name {
	case JobPaymentConfirm:
		return cfg.Queue.PaymentQueue
	case JobNotification:
		return cfg.Queue.NotificationQueue
	default:
		queueIndex := hashBusinessKey(key) % cfg.Queue.NumberOfQueues
		return fmt.Sprintf("%s_%d", cfg.Queue.InvoiceQueue, queueIndex+1)
	}
}

// hashBusinessKey returns a consistent hash value for a business key.
func hashBusinessKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}

// RetryDelay computes the delay before the next attempt from the envelope's
// backoff policy: baseDelay * 2^n for exponential, baseDelay for fixed, both
// capped by the configured ceiling. Delays are non-decreasing in n. This is
// plugged into the worker server as its RetryDelayFunc.
func RetryDelay(n int, _ error, task *asynq.Task) time.Duration {
	cfg, err := config.Fetch()
	maxDelay := 5 * time.Minute
	if err == nil {
		maxDelay = time.Duration(cfg.Queue.MaxDelaySeconds) * time.Second
	}

	var envelope model.JobEnvelope
	if err := json.Unmarshal(task.Payload(), &envelope); err != nil || envelope.Policy.Backoff.BaseDelayMs == 0 {
		return asynq.DefaultRetryDelayFunc(n, nil, task)
	}
	return envelope.Policy.Delay(n, maxDelay)
}

// DecodeEnvelope unpacks a task back into its envelope.
func DecodeEnvelope(task *asynq.Task) (*model.JobEnvelope, error) {
	var envelope model.JobEnvelope
	if err := json.Unmarshal(task.Payload(), &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// GetJobFromQueue retrieves a pending job by its business key, checking all
// invoice shard queues plus the payment and notification queues.
func (q *Queue) GetJobFromQueue(key string) (*model.JobEnvelope, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	queueNames := []string{cfg.Queue.PaymentQueue, cfg.Queue.NotificationQueue}
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueNames = append(queueNames, fmt.Sprintf("%s_%d", cfg.Queue.InvoiceQueue, i))
	}

	for _, queueName := range queueNames {
		task, err := q.Inspector.GetTaskInfo(queueName, key)
		if err == nil && task != nil {
			var envelope model.JobEnvelope
			if err := json.Unmarshal(task.Payload, &envelope); err != nil {
				return nil, err
			}
			return &envelope, nil
		}
	}
	return nil, nil
}

// Close releases the queue client during graceful shutdown. The worker
// server is shut down separately and waits for in-flight handlers.
func (q *Queue) Close() error {
	return q.Client.Close()
}
