package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ems-cad-core/shared/metricsx"
)

var ErrCircuitOpen = errors.New("collab circuit open")

// RecordsClient talks to the clinical records (ePCR) service.
type RecordsClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuitBreaker
}

func NewRecordsClient(baseURL string, token string, timeout time.Duration) (*RecordsClient, error) {
	if baseURL == "" {
		return nil, errors.New("records api url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RecordsClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *RecordsClient) CreateDraftRecord(ctx context.Context, req CreateDraftRecordRequest) (CreateDraftRecordResponse, error) {
	if c.breaker.Open() {
		metricsx.IncCollabFailure("records")
		return CreateDraftRecordResponse{}, ErrCircuitOpen
	}
	var out CreateDraftRecordResponse
	err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/v1/records/drafts", c.token, req, &out)
	if err != nil {
		c.breaker.Fail()
		metricsx.IncCollabFailure("records")
		return CreateDraftRecordResponse{}, err
	}
	c.breaker.Success()
	return out, nil
}

func (c *RecordsClient) NotifyCallLinked(ctx context.Context, req NotifyCallLinkedRequest) error {
	if c.breaker.Open() {
		metricsx.IncCollabFailure("records")
		return ErrCircuitOpen
	}
	url := c.baseURL + "/api/v1/records/" + req.RecordID.String() + "/call-link"
	if err := doJSON(ctx, c.http, http.MethodPost, url, c.token, req, nil); err != nil {
		c.breaker.Fail()
		metricsx.IncCollabFailure("records")
		return err
	}
	c.breaker.Success()
	return nil
}

func doJSON(ctx context.Context, client *http.Client, method string, url string, token string, body any, out any) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("collab request failed: " + resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
