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

// Package cache provides a namespaced, TTL-aware cache over Redis with a
// local TinyLFU tier and transparent gzip compression of large values. The
// cache is strictly an optimization: every failure is swallowed and surfaced
// as a miss, so callers always fall through to the authoritative path.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stampdhq/stampd/config"
	redis_db "github.com/stampdhq/stampd/internal/redis-db"
)

// Cache is the namespaced key/value store used for token and status
// memoization. Get reports a miss instead of returning an error; Set, Delete
// and friends never fail the caller.
type Cache interface {
	Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration)
	Get(ctx context.Context, namespace, key string, target interface{}) bool
	Delete(ctx context.Context, namespace, key string)
	Exists(ctx context.Context, namespace, key string) bool
	MSet(ctx context.Context, namespace string, values map[string]interface{}, ttl time.Duration)
	MGet(ctx context.Context, namespace string, keys ...string) map[string]json.RawMessage
}

// envelope wraps every cached value with its write time so the read side can
// re-check freshness even when the store's own expiry lags (clock skew
// between the cache store and the application). Payloads above
// compressionThreshold are gzipped; Compressed records which form Data is in.
type envelope struct {
	Data       []byte    `json:"data"`
	SetAt      time.Time `json:"set_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Compressed bool      `json:"compressed,omitempty"`
}

func (e envelope) stale(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.SetAt) > time.Duration(e.TTLSeconds)*time.Second
}

// payload returns the marshaled value, decompressing when needed.
func (e envelope) payload() ([]byte, error) {
	if !e.Compressed {
		return e.Data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(e.Data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// maybeCompress gzips payloads above the threshold. Small payloads stay
// as-is; the gzip framing would cost more than it saves. A payload that does
// not shrink is also stored uncompressed.
func maybeCompress(raw []byte) ([]byte, bool) {
	if len(raw) < compressionThreshold {
		return raw, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return raw, false
	}
	if err := w.Close(); err != nil {
		return raw, false
	}
	if buf.Len() >= len(raw) {
		return raw, false
	}
	return buf.Bytes(), true
}

const (
	cacheSize            = 128000
	compressionThreshold = 1024
)

// RedisCache implements Cache on go-redis/cache with a TinyLFU local tier.
// The raw client is kept for EXISTS and the batch operations, which bypass
// the local tier.
type RedisCache struct {
	cache  *cache.Cache
	client redis.UniversalClient
}

// NewCache creates a cache instance from the loaded configuration.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	client, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", cfg.Redis.Dns)}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return newRedisCache(client.Client()), nil
}

func newRedisCache(client redis.UniversalClient) *RedisCache {
	// JSON codec on both sides so batch writes (raw SET) and single writes
	// stay readable by each other.
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, 1*time.Minute),
		Marshal:    json.Marshal,
		Unmarshal:  json.Unmarshal,
	})
	return &RedisCache{cache: c, client: client}
}

func namespacedKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

func (r *RedisCache) Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		logrus.Warnf("cache set skipped for %s: %v", namespacedKey(namespace, key), err)
		return
	}
	data, compressed := maybeCompress(raw)
	env := envelope{Data: data, SetAt: time.Now(), TTLSeconds: int(ttl.Seconds()), Compressed: compressed}
	err = r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   namespacedKey(namespace, key),
		Value: env,
		TTL:   ttl,
	})
	if err != nil {
		logrus.Warnf("cache set failed for %s: %v", namespacedKey(namespace, key), err)
	}
}

func (r *RedisCache) Get(ctx context.Context, namespace, key string, target interface{}) bool {
	fullKey := namespacedKey(namespace, key)
	var env envelope
	err := r.cache.Get(ctx, fullKey, &env)
	if err != nil {
		if !errorsIsMiss(err) {
			logrus.Warnf("cache get failed for %s, treating as miss: %v", fullKey, err)
		}
		return false
	}
	if env.stale(time.Now()) {
		r.Delete(ctx, namespace, key)
		return false
	}
	data, err := env.payload()
	if err != nil {
		logrus.Warnf("cache entry for %s not decompressible, treating as miss: %v", fullKey, err)
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		logrus.Warnf("cache entry for %s not decodable, treating as miss: %v", fullKey, err)
		return false
	}
	return true
}

func (r *RedisCache) Delete(ctx context.Context, namespace, key string) {
	if err := r.cache.Delete(ctx, namespacedKey(namespace, key)); err != nil && !errorsIsMiss(err) {
		logrus.Warnf("cache delete failed for %s: %v", namespacedKey(namespace, key), err)
	}
}

func (r *RedisCache) Exists(ctx context.Context, namespace, key string) bool {
	n, err := r.client.Exists(ctx, namespacedKey(namespace, key)).Result()
	if err != nil {
		logrus.Warnf("cache exists failed for %s: %v", namespacedKey(namespace, key), err)
		return false
	}
	return n > 0
}

// MSet writes a batch of values in one pipeline. Batch writes skip the local
// tier; subsequent Gets repopulate it.
func (r *RedisCache) MSet(ctx context.Context, namespace string, values map[string]interface{}, ttl time.Duration) {
	pipe := r.client.Pipeline()
	now := time.Now()
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			logrus.Warnf("cache mset skipped for %s: %v", namespacedKey(namespace, key), err)
			continue
		}
		data, compressed := maybeCompress(raw)
		env, err := json.Marshal(envelope{Data: data, SetAt: now, TTLSeconds: int(ttl.Seconds()), Compressed: compressed})
		if err != nil {
			continue
		}
		pipe.Set(ctx, namespacedKey(namespace, key), env, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.Warnf("cache mset failed for namespace %s: %v", namespace, err)
	}
}

// MGet fetches a batch of entries. Missing, stale or undecodable entries are
// simply absent from the result.
func (r *RedisCache) MGet(ctx context.Context, namespace string, keys ...string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		return out
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = namespacedKey(namespace, key)
	}
	values, err := r.client.MGet(ctx, fullKeys...).Result()
	if err != nil {
		logrus.Warnf("cache mget failed for namespace %s: %v", namespace, err)
		return out
	}
	now := time.Now()
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(s), &env); err != nil {
			continue
		}
		if env.stale(now) {
			continue
		}
		data, err := env.payload()
		if err != nil {
			continue
		}
		out[keys[i]] = data
	}
	return out
}

func errorsIsMiss(err error) bool {
	return err == cache.ErrCacheMiss || err == redis.Nil
}
