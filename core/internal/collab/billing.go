package collab

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ems-cad-core/shared/metricsx"
)

// BillingClient talks to the revenue-cycle service.
type BillingClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuitBreaker
}

func NewBillingClient(baseURL string, token string, timeout time.Duration) (*BillingClient, error) {
	if baseURL == "" {
		return nil, errors.New("billing api url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BillingClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *BillingClient) CreateBillingRecord(ctx context.Context, req CreateBillingRecordRequest) (CreateBillingRecordResponse, error) {
	if c.breaker.Open() {
		metricsx.IncCollabFailure("billing")
		return CreateBillingRecordResponse{}, ErrCircuitOpen
	}
	var out CreateBillingRecordResponse
	err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/v1/billing/records", c.token, req, &out)
	if err != nil {
		c.breaker.Fail()
		metricsx.IncCollabFailure("billing")
		return CreateBillingRecordResponse{}, err
	}
	c.breaker.Success()
	return out, nil
}
