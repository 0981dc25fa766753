// Package webhook performs the outbound HTTP calls of webhook actions.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/liamcoop/ruleautomation/rules"
)

// maxBodyBytes bounds how much of a response body is kept in action results
const maxBodyBytes = 4096

// Config holds client settings
type Config struct {
	Timeout time.Duration
	// RateLimit is the sustained requests per second; Burst the bucket size
	RateLimit float64
	Burst     int
	UserAgent string
}

// DefaultConfig returns the settings used when none are given
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		RateLimit: 10,
		Burst:     20,
		UserAgent: "rule-automation/1.0",
	}
}

// Client implements rules.HTTPCaller over net/http with tracing and a token-bucket limiter
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

var _ rules.HTTPCaller = (*Client)(nil)

// New creates a webhook client
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		userAgent: cfg.UserAgent,
	}
}

// Call sends payload as JSON. GET and DELETE requests carry no body.
// Responses with status >= 400 are returned together with an error.
func (c *Client) Call(ctx context.Context, url, method string, payload any) (*rules.HTTPResponse, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodPost
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("webhook rate limit: %w", err)
	}

	var body io.Reader
	if payload != nil && method != http.MethodGet && method != http.MethodDelete {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}
	out := &rules.HTTPResponse{StatusCode: resp.StatusCode, Body: string(raw)}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("webhook %s %s returned status %d", method, url, resp.StatusCode)
	}
	return out, nil
}
