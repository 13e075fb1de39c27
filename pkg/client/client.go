// Package client is a thin HTTP client for the control API, used by the CLI
// subcommands and by external tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a running daemon's control API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the API at baseURL (e.g. "http://127.0.0.1:8081").
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Health checks the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", out.Status)
	}
	return nil
}

// FreePorts returns the unassigned ports of the configured range.
func (c *Client) FreePorts(ctx context.Context) ([]int, error) {
	var out struct {
		FreePorts []int `json:"free_ports"`
	}
	if err := c.do(ctx, http.MethodGet, "/freerange", nil, &out); err != nil {
		return nil, err
	}
	return out.FreePorts, nil
}

// ReloadPort asks the daemon to restart one tenant listener.
func (c *Client) ReloadPort(ctx context.Context, port int) error {
	body := map[string]int{"port": port}
	return c.do(ctx, http.MethodPost, "/proxy/reload-port", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Api-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
