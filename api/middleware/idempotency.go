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

package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stampdhq/stampd"
	"github.com/stampdhq/stampd/internal/apierror"
)

const (
	IdempotencyKeyHeader = "X-Idempotency-Key"
)

// bodyWriter tees the response so a finalized idempotency record can replay
// it verbatim on the next delivery of the same request.
type bodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware makes mutating endpoints safe to retry. A client key
// arrives in the X-Idempotency-Key header; webhook endpoints that carry no
// header are keyed by a hash of the request itself, since the gateway
// redelivers byte-identical bodies.
//
// First delivery reserves the key and processes normally, finalizing the
// stored response afterward. A redelivery with the same request hash gets
// the stored response verbatim; the same key with a different hash is a
// client bug and gets a 409.
func IdempotencyMiddleware(service *stampd.Stampd) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isMutating(c.Request.Method) {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		method := c.Request.Method
		path := c.Request.URL.Path
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			if !isWebhookPath(path) {
				// No key, not a webhook: the client opted out of idempotency.
				c.Next()
				return
			}
			key = stampd.WebhookDedupKey(method, path, body)
		}

		requestHash := stampd.RequestHash(method, path, body)

		outcome, err := service.CheckIdempotency(c.Request.Context(), key, requestHash)
		if err != nil {
			status := apierror.MapErrorToHTTPStatus(err)
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		if outcome != nil {
			if outcome.InFlight {
				c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"message": "Request is being processed"})
				return
			}
			c.Header("X-Idempotent-Replayed", "true")
			c.Data(outcome.StatusCode, "application/json", outcome.Body)
			c.Abort()
			return
		}

		reserved, err := service.ReserveIdempotency(c.Request.Context(), key, requestHash, method, path)
		if err != nil {
			status := apierror.MapErrorToHTTPStatus(err)
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		if !reserved {
			// Lost the race with a concurrent identical request.
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"message": "Request is being processed"})
			return
		}

		writer := &bodyWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = writer

		c.Next()

		if err := service.FinalizeIdempotency(c.Request.Context(), key, writer.Status(), writer.body.Bytes()); err != nil {
			logrus.Errorf("failed to finalize idempotency record %s: %v", key, err)
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isWebhookPath(path string) bool {
	return stampd.CanonicalPath(path) == "/webhooks/payments"
}
