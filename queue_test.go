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
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	cnf := &config.Configuration{Redis: config.RedisConfig{Dns: mr.Addr()}}
	config.MockConfig(cnf)
	return NewQueue(cnf)
}

func TestEnqueueUsesBusinessKeyAsTaskID(t *testing.T) {
	q := newTestQueue(t)
	cfg, err := config.Fetch()
	assert.NoError(t, err)

	jobID, err := q.Enqueue(context.Background(), JobInvoiceSync, "inv_42", "inv_42", DefaultJobPolicy(cfg))
	assert.NoError(t, err)
	assert.Equal(t, "inv_42", jobID)

	envelope, err := q.GetJobFromQueue("inv_42")
	assert.NoError(t, err)
	assert.NotNil(t, envelope)
	assert.Equal(t, JobInvoiceSync, envelope.Name)
	assert.Equal(t, "inv_42", envelope.Key)

	var invoiceID string
	assert.NoError(t, json.Unmarshal(envelope.Payload, &invoiceID))
	assert.Equal(t, "inv_42", invoiceID)
}

func TestEnqueueDuplicateKeyCollapses(t *testing.T) {
	q := newTestQueue(t)
	cfg, err := config.Fetch()
	assert.NoError(t, err)

	_, err = q.Enqueue(context.Background(), JobInvoiceSync, "inv_dup", "inv_dup", DefaultJobPolicy(cfg))
	assert.NoError(t, err)

	// The task ID is the business key, so a second pending job for the same
	// key is rejected by asynq.
	_, err = q.Enqueue(context.Background(), JobInvoiceSync, "inv_dup", "inv_dup", DefaultJobPolicy(cfg))
	assert.Error(t, err)
}

func TestQueueNameForRoutesJobs(t *testing.T) {
	q := newTestQueue(t)
	cfg, err := config.Fetch()
	assert.NoError(t, err)

	assert.Equal(t, cfg.Queue.PaymentQueue, q.queueNameFor(cfg, JobPaymentConfirm, "230000012345"))
	assert.Equal(t, cfg.Queue.NotificationQueue, q.queueNameFor(cfg, JobNotification, "whatever"))

	// Sharding is deterministic per key and stays within the shard range.
	first := q.queueNameFor(cfg, JobInvoiceSync, "inv_42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, q.queueNameFor(cfg, JobInvoiceSync, "inv_42"))
	}
	assert.True(t, strings.HasPrefix(first, cfg.Queue.InvoiceQueue+"_"))
}

func TestRetryDelayFollowsEnvelopePolicy(t *testing.T) {
	config.MockConfig(&config.Configuration{})

	body, err := json.Marshal(model.JobEnvelope{
		Name: JobInvoiceSync,
		Key:  "inv_1",
		Policy: model.JobPolicy{
			MaxAttempts: 5,
			Backoff:     model.BackoffPolicy{Type: model.BackoffExponential, BaseDelayMs: 1000},
		},
	})
	assert.NoError(t, err)
	task := asynq.NewTask(JobInvoiceSync, body)

	assert.Equal(t, 1*time.Second, RetryDelay(0, nil, task))
	assert.Equal(t, 2*time.Second, RetryDelay(1, nil, task))
	assert.Equal(t, 4*time.Second, RetryDelay(2, nil, task))
	// Capped at the configured ceiling.
	assert.Equal(t, 300*time.Second, RetryDelay(20, nil, task))
}

func TestRetryDelayFallsBackForForeignPayloads(t *testing.T) {
	config.MockConfig(&config.Configuration{})

	// Notification tasks carry a raw webhook body, not an envelope. They get
	// asynq's default schedule, which starts well above the one-second base
	// an empty policy would produce.
	task := asynq.NewTask(JobNotification, []byte(`{"event":"invoice.stamped"}`))
	delay := RetryDelay(3, nil, task)
	assert.GreaterOrEqual(t, delay, 15*time.Second)
}

func TestDefaultJobPolicyFromConfig(t *testing.T) {
	config.MockConfig(&config.Configuration{
		Queue: config.QueueConfig{MaxRetryAttempts: 7, BaseDelayMs: 250},
	})
	cfg, err := config.Fetch()
	assert.NoError(t, err)

	policy := DefaultJobPolicy(cfg)
	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, 250, policy.Backoff.BaseDelayMs)
	assert.Equal(t, model.BackoffExponential, policy.Backoff.Type)
}
