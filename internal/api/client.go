// Package api is the HTTP client for the remote policy and logging backend.
// Every call except Login and Health carries "Authorization: Bearer <token>".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/getathos/athos-agent/internal/model"
)

var (
	// ErrUnauthorized means the backend rejected the credential (HTTP 401).
	ErrUnauthorized = errors.New("api: credential rejected")
	// ErrUnreachable means the request never got an HTTP response.
	ErrUnreachable = errors.New("api: backend unreachable")
	// ErrMalformed means the response did not have the expected shape.
	ErrMalformed = errors.New("api: malformed response")
)

// StatusError is a non-success, non-401 HTTP response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the backend.
type Client struct {
	http *resty.Client
}

// New creates a client for baseURL. Requests do not retry: callers own
// their failure policy.
func New(baseURL string, timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if userAgent != "" {
		c.SetHeader("User-Agent", userAgent)
	}
	return &Client{http: c}
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Policies fetches the full policy set for the authenticated tenant.
func (c *Client) Policies(ctx context.Context, token string) ([]model.Policy, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/api/policies", token, nil, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: policies: %s", ErrMalformed, orUnknown(env.Error))
	}
	policies := []model.Policy{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &policies); err != nil {
			return nil, fmt.Errorf("%w: policies data: %v", ErrMalformed, err)
		}
	}
	return policies, nil
}

// Prohibited fetches the categorized prohibited-domain list.
func (c *Client) Prohibited(ctx context.Context, token string) (map[string][]string, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/api/prohibidos", token, nil, &env); err != nil {
		return nil, err
	}
	if !env.Success || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: prohibidos: %s", ErrMalformed, orUnknown(env.Error))
	}
	var lists map[string][]string
	if err := json.Unmarshal(env.Data, &lists); err != nil {
		return nil, fmt.Errorf("%w: prohibidos data: %v", ErrMalformed, err)
	}
	return lists, nil
}

// LogResult is the collector's answer to a posted audit event. Blocked is
// the retroactive block signal: the backend classified the action as
// prohibited after the fact.
type LogResult struct {
	Success  bool   `json:"success"`
	Blocked  bool   `json:"blocked"`
	Reason   string `json:"block_reason"`
	Category string `json:"category"`
}

// LogEvent posts one audit event to the collector.
func (c *Client) LogEvent(ctx context.Context, token string, event model.AuditEvent) (*LogResult, error) {
	var res LogResult
	if err := c.do(ctx, http.MethodPost, "/api/navigation_logs", token, event, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DownloadCheck is the body of a check-download request.
type DownloadCheck struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	FileSize int64  `json:"filesize"`
	MimeType string `json:"mimetype"`
}

// DownloadVerdict is the backend's allow/deny answer.
type DownloadVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CheckDownload asks the backend whether a download may proceed.
func (c *Client) CheckDownload(ctx context.Context, token string, check DownloadCheck) (*DownloadVerdict, error) {
	var raw struct {
		Allowed *bool  `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/check-download", token, check, &raw); err != nil {
		return nil, err
	}
	if raw.Allowed == nil {
		return nil, fmt.Errorf("%w: check-download: missing allowed", ErrMalformed)
	}
	return &DownloadVerdict{Allowed: *raw.Allowed, Reason: raw.Reason}, nil
}

// Health probes backend liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

// ValidateToken checks that token is still accepted.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodGet, "/api/config", token, nil, nil)
}

// Login exchanges email and password for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var res struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/login", "", body, &res); err != nil {
		return "", err
	}
	if !res.Success || res.AccessToken == "" {
		return "", fmt.Errorf("login rejected: %s", orUnknown(res.Error))
	}
	return res.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case !resp.IsSuccess():
		return &StatusError{Method: method, Path: path, Code: code, Body: truncate(resp.String(), 200)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformed, method, path, err)
	}
	return nil
}

// IsUnreachable reports whether err means no HTTP response was received.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
