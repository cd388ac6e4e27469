package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/deepdive/internal/httputil"
	"github.com/banshee-data/deepdive/internal/recording"
)

// Client calls a running calibration service.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
}

// NewClient returns a client for the service at baseURL using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{HTTP: http.DefaultClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Trigger toggles recording on the service.
func (c *Client) Trigger(ctx context.Context) (TriggerResponse, error) {
	var out TriggerResponse
	err := c.do(ctx, http.MethodPost, "/api/trigger", &out)
	return out, err
}

// Status fetches the controller status.
func (c *Client) Status(ctx context.Context) (recording.Status, error) {
	var out recording.Status
	err := c.do(ctx, http.MethodGet, "/api/status", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		if msg := httputil.DecodeError(body); msg != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, msg, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
