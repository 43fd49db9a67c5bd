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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestHashIgnoresKeyOrder(t *testing.T) {
	a := []byte(`{"rrr":"12345","amount":100,"status_code":"00"}`)
	b := []byte(`{"status_code":"00","rrr":"12345","amount":100}`)

	assert.Equal(t,
		RequestHash(http.MethodPost, "/webhooks/payments", a),
		RequestHash(http.MethodPost, "/webhooks/payments", b),
	)
}

func TestRequestHashSensitiveToContent(t *testing.T) {
	a := []byte(`{"rrr":"12345","amount":100}`)
	b := []byte(`{"rrr":"12345","amount":200}`)

	assert.NotEqual(t,
		RequestHash(http.MethodPost, "/webhooks/payments", a),
		RequestHash(http.MethodPost, "/webhooks/payments", b),
	)
}

func TestRequestHashPreservesArrayOrder(t *testing.T) {
	a := []byte(`{"items":[1,2,3]}`)
	b := []byte(`{"items":[3,2,1]}`)

	assert.NotEqual(t,
		RequestHash(http.MethodPost, "/invoices", a),
		RequestHash(http.MethodPost, "/invoices", b),
	)
}

func TestRequestHashNestedKeyOrder(t *testing.T) {
	a := []byte(`{"customer":{"name":"Ada","email":"ada@example.com"},"amount":5}`)
	b := []byte(`{"amount":5,"customer":{"email":"ada@example.com","name":"Ada"}}`)

	assert.Equal(t,
		RequestHash(http.MethodPost, "/invoices", a),
		RequestHash(http.MethodPost, "/invoices", b),
	)
}

func TestCanonicalPathTrimsTrailingSlash(t *testing.T) {
	assert.Equal(t, "/invoices", CanonicalPath("/invoices/"))
	assert.Equal(t, "/invoices", CanonicalPath("/invoices"))
}

func TestLegacyWebhookPathHashesLikeCanonical(t *testing.T) {
	body := []byte(`{"rrr":"12345","status_code":"00"}`)

	// The gateway may deliver to either route; both must dedup together.
	assert.Equal(t,
		RequestHash(http.MethodPost, "/v1/paymentgateway/notify", body),
		RequestHash(http.MethodPost, "/webhooks/payments", body),
	)
	assert.Equal(t,
		WebhookDedupKey(http.MethodPost, "/v1/paymentgateway/notify", body),
		WebhookDedupKey(http.MethodPost, "/webhooks/payments", body),
	)
}

func TestWebhookDedupKeyPrefix(t *testing.T) {
	key := WebhookDedupKey(http.MethodPost, "/webhooks/payments", []byte(`{"rrr":"1"}`))
	assert.Contains(t, key, "wh_")
}

func TestCanonicalizeJSONNonJSONPassthrough(t *testing.T) {
	raw := []byte("not json at all")
	assert.Equal(t, raw, CanonicalizeJSON(raw))

	assert.Empty(t, CanonicalizeJSON(nil))
}
