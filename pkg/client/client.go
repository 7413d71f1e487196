package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/detect-pipeline/pkg/pipeline"
)

// Client is an HTTP client for the result catalog API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Predictions returns the presigned URLs of every published result
func (c *Client) Predictions(ctx context.Context) ([]string, error) {
	var resp pipeline.PredictionsResponse
	if err := c.get(ctx, "/api/predictions", &resp); err != nil {
		return nil, err
	}
	if resp.Predictions == nil {
		resp.Predictions = []string{}
	}
	return resp.Predictions, nil
}

// Health checks the service health
func (c *Client) Health(ctx context.Context) (*pipeline.HealthResponse, error) {
	var resp pipeline.HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message returns the service banner served at /
func (c *Client) Message(ctx context.Context) (string, error) {
	var resp pipeline.MessageResponse
	if err := c.get(ctx, "/", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		var apiErr pipeline.ErrorResponse
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
