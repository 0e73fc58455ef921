// Package apiclient queries a running connbridge node over its HTTP API.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	types "github.com/sebas/connbridge/api/types/v1"
)

// ErrNotFound is returned when the node has no such call.
var ErrNotFound = errors.New("not found")

// Client is an HTTP client for one node
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the node at baseURL, e.g. http://127.0.0.1:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BaseURL returns the node base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches the node health
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.get(ctx, "/api/v1/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Stats fetches bridge counters
func (c *Client) Stats(ctx context.Context) (*types.StatsResponse, error) {
	var stats types.StatsResponse
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Connections fetches every registered connection
func (c *Client) Connections(ctx context.Context) ([]types.Connection, error) {
	var conns []types.Connection
	if err := c.get(ctx, "/api/v1/connections", &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// Connection fetches one connection by call identifier
func (c *Client) Connection(ctx context.Context, callID string) (*types.Connection, error) {
	var conn types.Connection
	if err := c.get(ctx, "/api/v1/connections/"+url.PathEscape(callID), &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Providers fetches the registered remote provider names
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	var resp types.ProvidersResponse
	if err := c.get(ctx, "/api/v1/providers", &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// History fetches the most recent calls, newest first. limit <= 0 uses
// the server default.
func (c *Client) History(ctx context.Context, limit int) ([]types.HistoryRecord, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var records []types.HistoryRecord
	if err := c.get(ctx, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// get performs an HTTP GET request and decodes the JSON body into v
func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		var e types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
