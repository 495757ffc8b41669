// Package backend is the client for the push registration API. Unlike
// local storage, backend failures are authoritative: they propagate to
// the caller so registration can be retried.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/eternisai/enchanted-push/internal/logger"
)

// APIError is a non-2xx response from the registration API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logger.Logger
}

func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  log.WithComponent("backend"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type registerRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RegisterToken registers (upserts) the device token with the backend.
func (c *Client) RegisterToken(ctx context.Context, token, platform string) error {
	body, err := json.Marshal(registerRequest{Token: token, Platform: platform})
	if err != nil {
		return fmt.Errorf("failed to encode register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/devices", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// UnregisterToken removes the device token from the backend.
func (c *Client) UnregisterToken(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/devices/"+url.PathEscape(token), nil)
	if err != nil {
		return fmt.Errorf("failed to build unregister request: %w", err)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	message := resp.Status
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(raw) > 0 {
		var apiErr errorResponse
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
	}

	c.logger.Warn("backend request rejected",
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode))

	return &APIError{Status: resp.StatusCode, Message: message}
}
