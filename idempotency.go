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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/model"
)

// CanonicalizeJSON re-renders a JSON document with object keys sorted at
// every depth, so semantically identical bodies hash identically regardless
// of field order. Non-JSON input is returned unchanged.
func CanonicalizeJSON(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return body
	}
	out, err := marshalCanonical(value)
	if err != nil {
		return body
	}
	return out
}

// marshalCanonical renders maps with sorted keys. Arrays keep their order:
// element order is meaning, key order is not.
func marshalCanonical(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			valJSON, err := marshalCanonical(v[k])
			if err != nil {
				return nil, err
			}
			b.Write(valJSON)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []interface{}:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			itemJSON, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			b.Write(itemJSON)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(v)
	}
}

// legacyWebhookPaths maps retired webhook routes to their canonical path so
// deliveries on either route dedup against each other.
var legacyWebhookPaths = map[string]string{
	"/v1/paymentgateway/notify": "/webhooks/payments",
}

// CanonicalPath normalizes a request path for hashing: trailing slashes are
// dropped and legacy webhook routes collapse into their canonical form.
func CanonicalPath(path string) string {
	p := strings.TrimRight(path, "/")
	if p == "" {
		p = "/"
	}
	if canonical, ok := legacyWebhookPaths[p]; ok {
		return canonical
	}
	return p
}

// RequestHash produces the canonical hash of a request: SHA-256 over
// method, canonical path and canonical body.
func RequestHash(method, path string, body []byte) string {
	data := fmt.Sprintf("%s|%s|%s", strings.ToUpper(method), CanonicalPath(path), CanonicalizeJSON(body))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// WebhookDedupKey derives the idempotency key for an inbound webhook, which
// carries no client-supplied key, from the request itself.
func WebhookDedupKey(method, path string, body []byte) string {
	return "wh_" + RequestHash(method, path, body)
}

// IdempotentOutcome is what the ledger knows about a key: either a replay of
// a finished request, an in-flight reservation, or a conflict.
type IdempotentOutcome struct {
	Replayed   bool
	InFlight   bool
	StatusCode int
	Body       []byte
}

// CheckIdempotency applies the replay rule for a key: same key + same hash
// replays the stored response verbatim, same key + different hash is a
// conflict, never a silent reprocess. A nil outcome means the key is fresh
// and the caller should Reserve before starting work.
func (s *Stampd) CheckIdempotency(ctx context.Context, key, requestHash string) (*IdempotentOutcome, error) {
	record, err := s.datasource.LookupIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if record.RequestHash != requestHash {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Idempotency key reused with a different request body", nil)
	}
	if record.StatusCode == http.StatusAccepted && len(record.ResponseBody) == 0 {
		return &IdempotentOutcome{InFlight: true, StatusCode: http.StatusAccepted}, nil
	}
	return &IdempotentOutcome{Replayed: true, StatusCode: record.StatusCode, Body: record.ResponseBody}, nil
}

// ReserveIdempotency writes the 202 placeholder for a fresh key. Returns
// false when a concurrent duplicate won the race.
func (s *Stampd) ReserveIdempotency(ctx context.Context, key, requestHash, method, path string) (bool, error) {
	return s.datasource.ReserveIdempotencyRecord(ctx, &model.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Method:      strings.ToUpper(method),
		Path:        CanonicalPath(path),
		StatusCode:  http.StatusAccepted,
		CreatedAt:   time.Now(),
	})
}

// FinalizeIdempotency overwrites the reservation with the authoritative
// outcome.
func (s *Stampd) FinalizeIdempotency(ctx context.Context, key string, statusCode int, body []byte) error {
	return s.datasource.FinalizeIdempotencyRecord(ctx, key, statusCode, body)
}
