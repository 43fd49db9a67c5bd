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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/stampdhq/stampd"
	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/database/mocks"
	"github.com/stampdhq/stampd/model"
)

func setupIdempotency(t *testing.T) (*stampd.Stampd, *mocks.MockDataSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})

	ds := new(mocks.MockDataSource)
	service, err := stampd.NewStampd(ds, nil, nil, nil)
	assert.NoError(t, err)
	return service, ds
}

func idempotencyRouter(service *stampd.Stampd) *gin.Engine {
	router := gin.New()
	router.Use(IdempotencyMiddleware(service))
	router.POST("/invoices", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"invoice_id": "inv_1"})
	})
	router.POST("/webhooks/payments", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Webhook received"})
	})
	return router
}

func TestIdempotencyMiddleware_FirstDeliveryReservesAndFinalizes(t *testing.T) {
	service, ds := setupIdempotency(t)
	router := idempotencyRouter(service)

	body := []byte(`{"reference":"REF-001"}`)
	requestHash := stampd.RequestHash("POST", "/invoices", body)

	ds.On("LookupIdempotencyRecord", mock.Anything, "idem_1").Return(nil, nil)
	ds.On("ReserveIdempotencyRecord", mock.Anything, mock.MatchedBy(func(r *model.IdempotencyRecord) bool {
		return r.Key == "idem_1" && r.RequestHash == requestHash && r.StatusCode == http.StatusAccepted
	})).Return(true, nil)
	ds.On("FinalizeIdempotencyRecord", mock.Anything, "idem_1", http.StatusCreated, mock.Anything).Return(nil)

	req := httptest.NewRequest("POST", "/invoices", bytes.NewReader(body))
	req.Header.Set(IdempotencyKeyHeader, "idem_1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "inv_1")
	ds.AssertExpectations(t)
}

func TestIdempotencyMiddleware_ReplaysStoredResponse(t *testing.T) {
	service, ds := setupIdempotency(t)
	router := idempotencyRouter(service)

	body := []byte(`{"reference":"REF-001"}`)
	requestHash := stampd.RequestHash("POST", "/invoices", body)
	stored := []byte(`{"invoice_id":"inv_1"}`)

	ds.On("LookupIdempotencyRecord", mock.Anything, "idem_1").Return(&model.IdempotencyRecord{
		Key:          "idem_1",
		RequestHash:  requestHash,
		StatusCode:   http.StatusCreated,
		ResponseBody: stored,
		CreatedAt:    time.Now(),
	}, nil)

	req := httptest.NewRequest("POST", "/invoices", bytes.NewReader(body))
	req.Header.Set(IdempotencyKeyHeader, "idem_1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, stored, w.Body.Bytes())
	assert.Equal(t, "true", w.Header().Get("X-Idempotent-Replayed"))
	// The handler never ran; the response is the stored one.
	ds.AssertNotCalled(t, "ReserveIdempotencyRecord")
}

func TestIdempotencyMiddleware_KeyReuseWithDifferentBodyConflicts(t *testing.T) {
	service, ds := setupIdempotency(t)
	router := idempotencyRouter(service)

	ds.On("LookupIdempotencyRecord", mock.Anything, "idem_1").Return(&model.IdempotencyRecord{
		Key:         "idem_1",
		RequestHash: "some-other-hash",
		StatusCode:  http.StatusCreated,
		CreatedAt:   time.Now(),
	}, nil)

	req := httptest.NewRequest("POST", "/invoices", bytes.NewReader([]byte(`{"reference":"REF-002"}`)))
	req.Header.Set(IdempotencyKeyHeader, "idem_1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIdempotencyMiddleware_InFlightReservationReturns202(t *testing.T) {
	service, ds := setupIdempotency(t)
	router := idempotencyRouter(service)

	body := []byte(`{"reference":"REF-001"}`)
	requestHash := stampd.RequestHash("POST", "/invoices", body)

	ds.On("LookupIdempotencyRecord", mock.Anything, "idem_1").Return(&model.IdempotencyRecord{
		Key:         "idem_1",
		RequestHash: requestHash,
		StatusCode:  http.StatusAccepted,
		CreatedAt:   time.Now(),
	}, nil)

	req := httptest.NewRequest("POST", "/invoices", bytes.NewReader(body))
	req.Header.Set(IdempotencyKeyHeader, "idem_1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "being processed")
}

func TestIdempotencyMiddleware_WebhooksKeyedByRequestHash(t *testing.T) {
	service, ds := setupIdempotency(t)
	router := idempotencyRouter(service)

	body := []byte(`{"rrr":"230000012345","status_code":"00"}`)
	dedupKey := stampd.WebhookDedupKey("POST", "/webhooks/payments", body)

	ds.On("LookupIdempotencyRecord", mock.Anything, dedupKey).Return(nil, nil)
	ds.On("ReserveIdempotencyRecord", mock.Anything, mock.MatchedBy(func(r *model.IdempotencyRecord) bool {
		return r.Key == dedupKey
	})).Return(true, nil)
	ds.On("FinalizeIdempotencyRecord", mock.Anything, dedupKey, http.StatusOK, mock.Anything).Return(nil)

	req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	ds.AssertExpectations(t)
}

func TestIdempotencyMiddleware_NoKeyOptsOut(t *testing.T) {
	service, ds := setupIdempotency(t)
	router := idempotencyRouter(service)

	req := httptest.NewRequest("POST", "/invoices", bytes.NewReader([]byte(`{"reference":"REF-003"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	ds.AssertNotCalled(t, "LookupIdempotencyRecord")
	ds.AssertNotCalled(t, "ReserveIdempotencyRecord")
}

func TestIdempotencyMiddleware_GetRequestsPassThrough(t *testing.T) {
	service, ds := setupIdempotency(t)

	router := gin.New()
	router.Use(IdempotencyMiddleware(service))
	router.GET("/invoices/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"invoice_id": c.Param("id")})
	})

	req := httptest.NewRequest("GET", "/invoices/inv_1", nil)
	req.Header.Set(IdempotencyKeyHeader, "idem_ignored")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	ds.AssertNotCalled(t, "LookupIdempotencyRecord")
}
