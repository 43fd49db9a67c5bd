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

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/stampdhq/stampd/api/model"
	"github.com/stampdhq/stampd/internal/apierror"
)

// PaymentNotification ingests a gateway payment webhook. The handler only
// records the payment and enqueues confirmation; the 200 tells the gateway
// to stop redelivering, not that the payment is settled.
func (a Api) PaymentNotification(c *gin.Context) {
	var notification model2.PaymentNotification
	if err := c.ShouldBindJSON(&notification); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := notification.ValidatePaymentNotification(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.stampd.IngestPaymentWebhook(c.Request.Context(), notification.ToWebhook())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetPayment returns a payment with the freshest gateway status available.
// A pending status may come from cache; the settlement state machine itself
// never relies on it.
func (a Api) GetPayment(c *gin.Context) {
	rrr, passed := c.Params.Get("rrr")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rrr is required. pass rrr in the route /:rrr"})
		return
	}

	payment, gatewayStatus, err := a.stampd.GetPaymentStatus(c.Request.Context(), rrr)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"payment": payment}
	if gatewayStatus != nil {
		resp["gateway_status"] = gatewayStatus
	}
	c.JSON(http.StatusOK, resp)
}
