// Package gatewayclient is a small HTTP client over a Gateway Server's
// admin surface, the one thing every controller and
// cmd/wasmbedctl need to drive deploys, stops, disconnects and session
// inventory without each reimplementing request encoding and RFC 7807
// error decoding.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to one Gateway Server's admin HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://127.0.0.1:4421").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Problem is the RFC 7807 application/problem+json body the admin surface
// returns on every error response.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s (request_id=%s)", p.Code, p.Detail, p.RequestID)
}

// SessionView mirrors the admin surface's GET /sessions entry shape.
type SessionView struct {
	DeviceIdentity string    `json:"deviceIdentity"`
	State          string    `json:"state"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	QueueDepth     int       `json:"queueDepth"`
	PendingCount   int       `json:"pendingCount"`
}

// Health reports whether GET /health succeeded.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

// Ready reports whether GET /ready succeeded (listener up, TLS loaded,
// resource store reachable).
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ready", nil)
	return err
}

// Sessions returns the Gateway's current session snapshot, as consumed by
// the Device Controller's phase computation and the Gateway Controller's
// capacity accounting.
func (c *Client) Sessions(ctx context.Context) ([]SessionView, error) {
	body, err := c.do(ctx, http.MethodGet, "/sessions", nil)
	if err != nil {
		return nil, err
	}
	var out []SessionView
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode /sessions response: %w", err)
	}
	return out, nil
}

// SetPairingMode toggles the Gateway's pairing-mode policy.
func (c *Client) SetPairingMode(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/pairing-mode", map[string]bool{"enabled": enabled})
	return err
}

// DeployRequest is the body of POST /devices/{name}/deploy.
type DeployRequest struct {
	ApplicationName  string `json:"applicationName"`
	WasmBytesBase64  string `json:"wasmBytesBase64"`
	MemoryLimitBytes uint64 `json:"memoryLimitBytes"`
	CPUTimeLimitMs   uint64 `json:"cpuTimeLimitMs"`
	AutoRestart      bool   `json:"autoRestart"`
	MaxRestarts      uint32 `json:"maxRestarts"`
}

// CommandResult is the body every command endpoint (deploy/stop) returns
// on success: the kind of the device's acknowledgement envelope.
type CommandResult struct {
	Kind string `json:"kind"`
}

// Deploy issues a deploy command for deviceName, blocking until the
// Gateway's synchronous ack (or the request's own context deadline).
func (c *Client) Deploy(ctx context.Context, deviceName string, req DeployRequest) (*CommandResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/devices/"+deviceName+"/deploy", req)
	if err != nil {
		return nil, err
	}
	var out CommandResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode deploy response: %w", err)
	}
	return &out, nil
}

// Stop issues a stop command for deviceName/applicationName.
func (c *Client) Stop(ctx context.Context, deviceName, applicationName string) (*CommandResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/devices/"+deviceName+"/stop", map[string]string{
		"applicationName": applicationName,
	})
	if err != nil {
		return nil, err
	}
	var out CommandResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode stop response: %w", err)
	}
	return &out, nil
}

// Disconnect force-closes deviceName's session.
func (c *Client) Disconnect(ctx context.Context, deviceName string) error {
	_, err := c.do(ctx, http.MethodPost, "/devices/"+deviceName+"/disconnect", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var p Problem
		if jsonErr := json.Unmarshal(buf.Bytes(), &p); jsonErr == nil && p.Code != "" {
			return nil, &p
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}
