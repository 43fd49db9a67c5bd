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

import "time"

// AuditEntry is an append-only record of a state transition. Entries are
// written in the same database transaction as the transition they describe.
type AuditEntry struct {
	AuditID    string                 `json:"audit_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	FromStatus string                 `json:"from_status"`
	ToStatus   string                 `json:"to_status"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// IdempotencyRecord stores the first observed outcome for an idempotency
// key. A reservation is a record whose StatusCode is http.StatusAccepted and
// whose ResponseBody is empty; Finalize overwrites it.
type IdempotencyRecord struct {
	Key          string    `json:"key"`
	RequestHash  string    `json:"request_hash"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	ResponseBody []byte    `json:"response_body"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the record fell out of the dedup window and should
// be deleted lazily on next lookup.
func (r *IdempotencyRecord) Expired(window time.Duration, now time.Time) bool {
	return now.Sub(r.CreatedAt) >= window
}
