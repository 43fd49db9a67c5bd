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

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/stampdhq/stampd/api/model"
	"github.com/stampdhq/stampd/internal/apierror"
)

// QueueInvoice accepts a new invoice, persists it as QUEUED and enqueues the
// stamping job. The response returns before any provider call is made; the
// caller polls GET /invoices/:id for the outcome.
func (a Api) QueueInvoice(c *gin.Context) {
	var newInvoice model2.CreateInvoice
	if err := c.ShouldBindJSON(&newInvoice); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := newInvoice.ValidateCreateInvoice(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.stampd.QueueInvoice(c.Request.Context(), newInvoice.ToInvoice())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetInvoice(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.stampd.GetInvoice(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetAllInvoices(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	resp, err := a.stampd.GetAllInvoices(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ResubmitInvoice re-queues a FAILED invoice. Any other status gets a 409.
func (a Api) ResubmitInvoice(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.stampd.ResubmitInvoice(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetAuditTrail lists the recorded status transitions for an invoice ID or a
// payment RRR.
func (a Api) GetAuditTrail(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	resp, err := a.stampd.AuditTrail(c.Request.Context(), id, limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RecoverStuckInvoices triggers an immediate recovery sweep for invoices
// stuck in QUEUED or PROCESSING past the threshold.
func (a Api) RecoverStuckInvoices(c *gin.Context) {
	thresholdMinutes, err := strconv.Atoi(c.DefaultQuery("threshold_minutes", "15"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold_minutes"})
		return
	}

	count, err := a.stampd.RecoverStuckInvoices(c.Request.Context(), time.Duration(thresholdMinutes)*time.Minute)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": count})
}
