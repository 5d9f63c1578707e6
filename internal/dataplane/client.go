package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/secretariat-ai/secretariat/internal/infra"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/retry"
)

// correlationHeader carries the pipeline correlation id to service peers.
const correlationHeader = "X-Correlation-ID"

// Options shapes one service client.
type Options struct {
	// ConnectTimeout bounds dialing (default 5s).
	ConnectTimeout time.Duration
	// RequestTimeout bounds one whole request (default 30s).
	RequestTimeout time.Duration
	// Retry is the transient-failure policy; zero value takes the default.
	Retry retry.Config
	// BreakerFailMax and BreakerResetTimeout shape the per-endpoint
	// circuit breakers.
	BreakerFailMax      int
	BreakerResetTimeout time.Duration
}

func (o *Options) normalize() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultConfig()
	}
	if o.BreakerFailMax <= 0 {
		o.BreakerFailMax = 5
	}
	if o.BreakerResetTimeout <= 0 {
		o.BreakerResetTimeout = 30 * time.Second
	}
}

// Client is the shared HTTP plumbing under every typed service client. One
// instance per target service, long-lived, internally pooled.
type Client struct {
	service  string
	baseURL  string
	http     *http.Client
	breakers *infra.BreakerRegistry
	retry    retry.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewClient creates a service client. service names the peer in logs,
// metrics and breaker keys ("rest", "rag", "calendar").
func NewClient(service, baseURL string, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Client {
	opts.normalize()

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		service: service,
		baseURL: baseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		retry:   opts.Retry,
		logger:  logger,
		metrics: metrics,
	}
	c.breakers = infra.NewBreakerRegistry(infra.BreakerConfig{
		FailMax:      opts.BreakerFailMax,
		ResetTimeout: opts.BreakerResetTimeout,
		OnStateChange: func(name, from, to string) {
			metrics.RecordCircuitTransition(name, from, to)
			logger.Warn(context.Background(), "circuit state change",
				"breaker", name, "from", from, "to", to)
		},
	})
	return c
}

// Get issues a GET and decodes the JSON response into out (nil to discard).
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPost, path, nil, body, out)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPatch, path, nil, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.Get(ctx, "/health", nil, &status); err != nil {
		return err
	}
	if status.Status != "healthy" {
		return fmt.Errorf("%s reports status %q", c.service, status.Status)
	}
	return nil
}

// call runs one logical request: endpoint breaker around a retried attempt
// loop. 4xx responses are permanent; connect errors, timeouts and 5xx are
// retried with backoff.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	template := EndpointTemplate(path)
	breaker := c.breakers.Get(c.service + " " + method + " " + template)

	if err := breaker.Allow(); err != nil {
		c.metrics.RecordRESTRequest(c.service, template, method, "circuit_open", 0)
		return fmt.Errorf("%s %s %s: %w", c.service, method, template, ErrServiceUnavailable)
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			breaker.Record(nil) // encoding bugs are ours, not the peer's
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	err := retry.Do(ctx, c.retry, func() error {
		return c.attempt(ctx, method, path, template, query, encoded, out)
	})
	breaker.Record(err)
	if err != nil {
		c.logger.Error(ctx, "service call failed",
			"service", c.service, "method", method, "endpoint", template, "error", err)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path, template string, query url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request %s %s: %w", method, path, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := observability.GetCorrelationID(ctx); id != "" {
		req.Header.Set(correlationHeader, id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		status := "connect_error"
		classified := fmt.Errorf("%s %s %s: %w", c.service, method, template, ErrServiceUnavailable)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = "timeout"
			classified = fmt.Errorf("%s %s %s: %w", c.service, method, template, ErrServiceTimeout)
		}
		c.metrics.RecordRESTRequest(c.service, template, method, status, elapsed)
		return classified
	}
	defer resp.Body.Close()

	c.metrics.RecordRESTRequest(c.service, template, method, strconv.Itoa(resp.StatusCode), elapsed)
	c.logger.Event(ctx, observability.EventRequestOut, "service call",
		"service", c.service, "method", method, "endpoint", template,
		"status", resp.StatusCode, "duration_ms", int(elapsed*1000))

	if resp.StatusCode >= 400 {
		respErr := &ServiceResponseError{
			Service: c.service,
			Status:  resp.StatusCode,
			Detail:  readDetail(resp.Body),
		}
		if resp.StatusCode < 500 {
			return retry.Permanent(respErr)
		}
		return respErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s %s response: %w", method, template, err))
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readDetail extracts a response body's detail field, or the raw text.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var wrapped struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Detail != "" {
		return wrapped.Detail
	}
	return string(raw)
}
