package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/objectstore"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// Client is a typed HTTP client for the sandbox control plane. Error
// responses decode back into the same errdefs kinds the server raised,
// so callers can test them with errdefs.IsNotFound and friends.
type Client struct {
	baseURL   string
	apiKey    string
	keyHeader string
	userID    string
	http      *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithAPIKey sets the shared-secret API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithAPIKeyHeader overrides the API key header name.
func WithAPIKeyHeader(name string) Option {
	return func(c *Client) { c.keyHeader = name }
}

// WithUserID sets the tenant all scoped calls act for.
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the control plane at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyHeader: "X-API-Key",
		// Creates block on container provisioning; give them room.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSandboxRequest carries sandbox creation options.
type CreateSandboxRequest struct {
	UserID     string         `json:"user_id,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// ExecOptions carries a command execution request.
type ExecOptions struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Health is the /health response.
type Health struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type heartbeatResponse struct {
	OK        bool      `json:"ok"`
	ExpiresAt time.Time `json:"expires_at"`
}

type cleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// GetHealth fetches control-plane health. Degraded deployments still
// decode; only transport failures error.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSandbox provisions a sandbox and blocks until it is ready.
func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*types.Sandbox, error) {
	if req.UserID == "" {
		req.UserID = c.userID
	}
	var sb types.Sandbox
	if err := c.do(ctx, http.MethodPost, "/sandboxes", req, &sb, http.StatusCreated); err != nil {
		return nil, err
	}
	return &sb, nil
}

// GetSandbox fetches one sandbox record.
func (c *Client) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &sb, http.StatusOK); err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes lists the caller's sandboxes.
func (c *Client) ListSandboxes(ctx context.Context) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	if err := c.do(ctx, http.MethodGet, "/sandboxes", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// Exec runs a shell command inside a sandbox.
func (c *Client) Exec(ctx context.Context, id string, opts ExecOptions) (*types.ExecResult, error) {
	var res types.ExecResult
	path := "/sandboxes/" + url.PathEscape(id) + "/exec"
	if err := c.do(ctx, http.MethodPost, path, opts, &res, http.StatusOK); err != nil {
		return nil, err
	}
	return &res, nil
}

// Heartbeat renews the sandbox lease and returns the new deadline.
func (c *Client) Heartbeat(ctx context.Context, id string) (time.Time, error) {
	var out heartbeatResponse
	path := "/sandboxes/" + url.PathEscape(id) + "/heartbeat"
	if err := c.do(ctx, http.MethodPost, path, nil, &out, http.StatusOK); err != nil {
		return time.Time{}, err
	}
	return out.ExpiresAt, nil
}

// Complete records a successful agent run.
func (c *Client) Complete(ctx context.Context, id string, result map[string]any) error {
	path := "/sandboxes/" + url.PathEscape(id) + "/complete"
	return c.do(ctx, http.MethodPost, path, map[string]any{"result": result}, nil, http.StatusOK)
}

// ReportError records an agent-side error without stopping the sandbox.
func (c *Client) ReportError(ctx context.Context, id, message string, details map[string]any) error {
	path := "/sandboxes/" + url.PathEscape(id) + "/error"
	body := map[string]any{"message": message}
	if details != nil {
		body["details"] = details
	}
	return c.do(ctx, http.MethodPost, path, body, nil, http.StatusOK)
}

// DestroySandbox tears a sandbox down. Graceful destroys give the
// in-container agent its shutdown window.
func (c *Client) DestroySandbox(ctx context.Context, id string, graceful bool) (*types.Sandbox, error) {
	var sb types.Sandbox
	path := fmt.Sprintf("/sandboxes/%s?graceful=%t", url.PathEscape(id), graceful)
	if err := c.do(ctx, http.MethodDelete, path, nil, &sb, http.StatusOK); err != nil {
		return nil, err
	}
	return &sb, nil
}

// StorageStats returns per-tier object and byte totals for the caller.
func (c *Client) StorageStats(ctx context.Context) (*objectstore.StorageStats, error) {
	var out objectstore.StorageStats
	if err := c.do(ctx, http.MethodGet, "/storage/stats", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanupStorage wipes a storage tier ("hot", "cold" or "all") and
// returns the number of objects deleted.
func (c *Client) CleanupStorage(ctx context.Context, tier string) (int64, error) {
	var out cleanupResponse
	if err := c.do(ctx, http.MethodDelete, "/storage?tier="+url.QueryEscape(tier), nil, &out, http.StatusOK); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

type wireError struct {
	Error struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id"`
	} `json:"error"`
}

// do issues one request and decodes the response. Statuses outside the
// accepted set decode the error envelope back into an errdefs error.
func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Unavailable("request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	for _, status := range accept {
		if resp.StatusCode == status {
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response from %s: %w", path, err)
			}
			return nil
		}
	}

	var we wireError
	if err := json.NewDecoder(resp.Body).Decode(&we); err != nil || we.Error.Kind == "" {
		return errdefs.Internal("unexpected status %d from %s", resp.StatusCode, path)
	}
	return kindError(we.Error.Kind, we.Error.Message)
}

// kindError rehydrates a wire error kind into the matching sentinel.
func kindError(kind, message string) error {
	sentinel := errdefs.ErrInternal
	switch kind {
	case "not_found":
		sentinel = errdefs.ErrNotFound
	case "conflict":
		sentinel = errdefs.ErrConflict
	case "invalid_state":
		sentinel = errdefs.ErrInvalidState
	case "validation":
		sentinel = errdefs.ErrValidation
	case "timeout":
		sentinel = errdefs.ErrTimeout
	case "unavailable":
		sentinel = errdefs.ErrUnavailable
	case "unauthenticated":
		sentinel = errdefs.ErrUnauthenticated
	case "forbidden":
		sentinel = errdefs.ErrForbidden
	case "not_implemented":
		sentinel = errdefs.ErrNotImplemented
	}
	return fmt.Errorf("%s: %w", message, sentinel)
}
