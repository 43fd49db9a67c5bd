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
	"fmt"
	"net/http"
	"time"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/internal/request"
	"github.com/stampdhq/stampd/model"
)

// GatewayClient queries the payment gateway for the authoritative settlement
// status of an RRR. The gateway's webhook says a payment happened; this
// client is how we verify it.
type GatewayClient struct {
	conf config.ProviderConfig
}

func NewGatewayClient() (*GatewayClient, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	return &GatewayClient{conf: cfg.Providers.Payment}, nil
}

type gatewayStatusResponse struct {
	RRR        string `json:"rrr"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	GatewayRef string `json:"transaction_ref"`
}

func (g *GatewayClient) Status(ctx context.Context, rrr string) (*model.GatewayStatus, error) {
	url := fmt.Sprintf("%s/payments/%s/status", g.conf.Url, rrr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+request.BasicAuth(g.conf.ClientID, g.conf.ClientSecret))

	timeout := 30 * time.Second
	if g.conf.TimeoutSec > 0 {
		timeout = time.Duration(g.conf.TimeoutSec) * time.Second
	}

	var statusResp gatewayStatusResponse
	resp, err := request.CallWithTimeout(req, &statusResp, timeout)
	if err != nil {
		return nil, &ProviderError{Provider: DependencyPayment, Code: "TRANSPORT", Message: err.Error(), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &model.GatewayStatus{
			RRR:        rrr,
			Code:       statusResp.Status,
			Message:    statusResp.Message,
			GatewayRef: statusResp.GatewayRef,
			FetchedAt:  time.Now(),
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ProviderError{Provider: DependencyPayment, Code: "UNKNOWN_RRR", Message: fmt.Sprintf("gateway does not know RRR %s", rrr), Retryable: false}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ProviderError{Provider: DependencyPayment, Code: "RATE_LIMITED", Message: "rate limit exceeded", Retryable: true}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &ProviderError{Provider: DependencyPayment, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: statusResp.Message, Retryable: true}
	default:
		return nil, &ProviderError{Provider: DependencyPayment, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: statusResp.Message, Retryable: false}
	}
}
