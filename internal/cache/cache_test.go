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

package cache

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return newRedisCache(client), mr
}

type cachedToken struct {
	Token string `json:"token"`
}

func TestSetAndGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "provider-tokens", "einvoice", cachedToken{Token: "abc123"}, time.Minute)

	var got cachedToken
	assert.True(t, c.Get(ctx, "provider-tokens", "einvoice", &got))
	assert.Equal(t, "abc123", got.Token)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, _ := newTestCache(t)

	var got cachedToken
	assert.False(t, c.Get(context.Background(), "provider-tokens", "missing", &got))
}

func TestNamespacesDoNotCollide(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "provider-tokens", "key", cachedToken{Token: "token"}, time.Minute)
	c.Set(ctx, "payment-status", "key", cachedToken{Token: "status"}, time.Minute)

	var got cachedToken
	assert.True(t, c.Get(ctx, "provider-tokens", "key", &got))
	assert.Equal(t, "token", got.Token)
	assert.True(t, c.Get(ctx, "payment-status", "key", &got))
	assert.Equal(t, "status", got.Token)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "provider-tokens", "einvoice", cachedToken{Token: "abc"}, time.Minute)
	c.Delete(ctx, "provider-tokens", "einvoice")

	var got cachedToken
	assert.False(t, c.Get(ctx, "provider-tokens", "einvoice", &got))
}

func TestStaleEnvelopeTreatedAsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	// Plant an entry whose envelope says it expired a while ago, even
	// though the store never dropped it. The read side must reject it.
	raw, err := json.Marshal(cachedToken{Token: "pending"})
	assert.NoError(t, err)
	env, err := json.Marshal(envelope{Data: raw, SetAt: time.Now().Add(-10 * time.Second), TTLSeconds: 2})
	assert.NoError(t, err)
	assert.NoError(t, mr.Set("payment-status:rrr-1", string(env)))

	var got cachedToken
	assert.False(t, c.Get(ctx, "payment-status", "rrr-1", &got))
}

func TestEnvelopeStaleness(t *testing.T) {
	now := time.Now()
	fresh := envelope{SetAt: now.Add(-10 * time.Second), TTLSeconds: 30}
	assert.False(t, fresh.stale(now))

	expired := envelope{SetAt: now.Add(-40 * time.Second), TTLSeconds: 30}
	assert.True(t, expired.stale(now))

	forever := envelope{SetAt: now.Add(-time.Hour), TTLSeconds: 0}
	assert.False(t, forever.stale(now))
}

func TestLargeValueCompressedRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	big := cachedToken{Token: strings.Repeat("stamped-invoice-payload-", 200)}
	raw, err := json.Marshal(big)
	assert.NoError(t, err)
	assert.Greater(t, len(raw), compressionThreshold)

	c.Set(ctx, "payment-status", "rrr-big", big, time.Minute)

	// The stored envelope carries the compressed form.
	stored, err := mr.Get("payment-status:rrr-big")
	assert.NoError(t, err)
	var env envelope
	assert.NoError(t, json.Unmarshal([]byte(stored), &env))
	assert.True(t, env.Compressed)
	assert.Less(t, len(env.Data), len(raw))

	// The read side decompresses transparently.
	var got cachedToken
	assert.True(t, c.Get(ctx, "payment-status", "rrr-big", &got))
	assert.Equal(t, big.Token, got.Token)
}

func TestSmallValueStoredUncompressed(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "provider-tokens", "einvoice", cachedToken{Token: "abc123"}, time.Minute)

	stored, err := mr.Get("provider-tokens:einvoice")
	assert.NoError(t, err)
	var env envelope
	assert.NoError(t, json.Unmarshal([]byte(stored), &env))
	assert.False(t, env.Compressed)
}

func TestMGetDecompressesLargeEntries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	big := cachedToken{Token: strings.Repeat("gateway-status-", 200)}
	c.MSet(ctx, "payment-status", map[string]interface{}{"rrr-big": big}, time.Minute)

	got := c.MGet(ctx, "payment-status", "rrr-big")
	assert.Contains(t, got, "rrr-big")
	var decoded cachedToken
	assert.NoError(t, json.Unmarshal(got["rrr-big"], &decoded))
	assert.Equal(t, big.Token, decoded.Token)
}

func TestExists(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	assert.False(t, c.Exists(ctx, "provider-tokens", "einvoice"))
	c.Set(ctx, "provider-tokens", "einvoice", cachedToken{Token: "abc"}, time.Minute)
	assert.True(t, c.Exists(ctx, "provider-tokens", "einvoice"))
}

func TestMSetMGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.MSet(ctx, "payment-status", map[string]interface{}{
		"rrr-1": cachedToken{Token: "00"},
		"rrr-2": cachedToken{Token: "021"},
	}, time.Minute)

	got := c.MGet(ctx, "payment-status", "rrr-1", "rrr-2", "rrr-3")
	assert.Len(t, got, 2)
	assert.Contains(t, got, "rrr-1")
	assert.Contains(t, got, "rrr-2")
	assert.NotContains(t, got, "rrr-3")
}

func TestBatchAndSingleWritesInteroperate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.MSet(ctx, "payment-status", map[string]interface{}{
		"rrr-9": cachedToken{Token: "00"},
	}, time.Minute)

	var got cachedToken
	assert.True(t, c.Get(ctx, "payment-status", "rrr-9", &got))
	assert.Equal(t, "00", got.Token)
}

func TestStoreFailureIsAMissNotAnError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("provider-tokens:einvoice").SetErr(assert.AnError)

	c := newRedisCache(client)

	var got cachedToken
	// A broken store degrades to a miss; callers re-fetch from the source.
	assert.False(t, c.Get(context.Background(), "provider-tokens", "einvoice", &got))
}
