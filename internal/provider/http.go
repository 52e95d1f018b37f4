package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"finetuner/internal/apperrors"
	"finetuner/pkg/backoff"
	"finetuner/pkg/circuitbreaker"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxRetries         = 2
	maxErrorBody       = 4 << 10
)

// HTTPClient talks to the provider's fine-tuning REST API. Requests are
// retried with exponential backoff on transport errors and 5xx responses,
// behind a circuit breaker so a down provider fails fast instead of holding
// every worker for the full timeout.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// HTTPConfig configures the provider client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPClient creates a provider client for the given endpoint.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (c *HTTPClient) CreateJob(ctx context.Context, req CreateRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/fine_tuning/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, jobID string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/fine_tuning/jobs/"+jobID, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/v1/fine_tuning/jobs/"+jobID+"/cancel", nil, nil)
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Provider("provider.ready", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperrors.Provider("provider.ready", fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do issues a request with retries and decodes the JSON response into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	op := "provider." + method + " " + path

	if !c.breaker.Allow() {
		return apperrors.Provider(op, fmt.Errorf("circuit open"))
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperrors.Internal(op, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return apperrors.Provider(op, ctx.Err())
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = c.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		if permanent, ok := lastErr.(*permanentError); ok {
			c.breaker.RecordFailure()
			return apperrors.Provider(op, permanent.err)
		}
	}
	c.breaker.RecordFailure()
	return apperrors.Provider(op, lastErr)
}

// permanentError marks responses that retrying cannot fix (4xx).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode < 500 {
			return &permanentError{err: err}
		}
		return err
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Verify HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)
