// Package tracker is the REST client for the issue tracker that issue actions talk to.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/liamcoop/ruleautomation/rules"
)

// ErrNotConfigured is returned by New without a base URL
var ErrNotConfigured = errors.New("tracker base URL not configured")

// StatusError reports a non-success response from the tracker
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client implements rules.IssueTracker over the tracker REST API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ rules.IssueTracker = (*Client)(nil)

// New creates a client for baseURL authenticating with a permanent bearer token
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid tracker base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// UpdateIssue applies field values to an issue
func (c *Client) UpdateIssue(ctx context.Context, issueID string, fields map[string]any) error {
	return c.post(ctx, "/api/issues/"+url.PathEscape(issueID), fields)
}

// AddComment posts a comment on an issue
func (c *Client) AddComment(ctx context.Context, issueID, text string) error {
	return c.post(ctx, "/api/issues/"+url.PathEscape(issueID)+"/comments", map[string]any{"text": text})
}

// AssignUser assigns an issue through the commands API
func (c *Client) AssignUser(ctx context.Context, issueID, login string) error {
	return c.post(ctx, "/api/commands", map[string]any{
		"query":  "for " + login,
		"issues": []map[string]string{{"idReadable": issueID}},
	})
}

// LogTime adds a work item to an issue's time tracking
func (c *Client) LogTime(ctx context.Context, issueID string, item rules.WorkItem) error {
	body := map[string]any{
		"duration": map[string]any{"minutes": item.Minutes},
		"date":     item.Date.UnixMilli(),
	}
	if item.Description != "" {
		body["text"] = item.Description
	}
	if item.Type != "" {
		body["type"] = map[string]string{"name": item.Type}
	}
	return c.post(ctx, "/api/issues/"+url.PathEscape(issueID)+"/timeTracking/workItems", body)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode tracker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: http.MethodPost, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
