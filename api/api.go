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

	"github.com/stampdhq/stampd"
	"github.com/stampdhq/stampd/api/middleware"
	"github.com/stampdhq/stampd/config"
)

type Api struct {
	stampd *stampd.Stampd
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/invoices", a.QueueInvoice)
	router.GET("/invoices/:id", a.GetInvoice)
	router.GET("/invoices", a.GetAllInvoices)
	router.POST("/invoices/:id/resubmit", a.ResubmitInvoice)
	router.POST("/invoices/recover-stuck", a.RecoverStuckInvoices)

	router.POST("/webhooks/payments", a.PaymentNotification)
	// Legacy gateway path, kept so in-flight gateway configurations keep
	// working. Routes to the same handler as the canonical path.
	router.POST("/v1/paymentgateway/notify", a.PaymentNotification)

	router.GET("/payments/:rrr", a.GetPayment)

	router.GET("/audit/:id", a.GetAuditTrail)

	return a.router
}

func NewAPI(s *stampd.Stampd) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.IdempotencyMiddleware(s))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "up",
			"circuits": s.BreakerStates(),
			"degraded": gin.H{
				stampd.DependencyEInvoice: s.Degraded(stampd.DependencyEInvoice),
				stampd.DependencyPayment:  s.Degraded(stampd.DependencyPayment),
				stampd.DependencySMS:      s.Degraded(stampd.DependencySMS),
			},
		})
	})

	return &Api{stampd: s, router: r}
}
