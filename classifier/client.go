// Package classifier contains a minimal HTTP client for the external
// comment-classification service (single, batch, and health endpoints).
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// MaxBatchTexts is the service-side cap on texts per batch request.
const MaxBatchTexts = 256

// Result is one classification verdict as returned by the service.
// Category and Issue are empty when the message is not technical.
type Result struct {
	IsTechnical bool    `json:"is_technical"`
	Category    string  `json:"category"`
	Issue       string  `json:"issue"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
}

// Health describes the service's /health response.
type Health struct {
	Status string `json:"status"`
	Device string `json:"device"`
	Model  string `json:"model"`
}

// Client calls the classifier service. Any non-2xx status or timeout is
// surfaced as an error; callers treat that as "no result" for the affected
// items rather than dropping them.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// MaxRetries bounds automatic retries on 502/503/504 (default 2).
	MaxRetries int
	// RetryBackoff is the base delay between retries (default 300ms).
	RetryBackoff time.Duration
}

// New returns a client with the given base URL and per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:      baseURL,
		HTTPClient:   &http.Client{Timeout: timeout},
		MaxRetries:   2,
		RetryBackoff: 300 * time.Millisecond,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Classify classifies a single text.
func (c *Client) Classify(ctx context.Context, text string) (*Result, error) {
	body, err := c.post(ctx, "/classify", map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	return &res, nil
}

// ClassifyBatch classifies up to MaxBatchTexts texts in one call. The result
// slice is index-aligned with the input.
func (c *Client) ClassifyBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > MaxBatchTexts {
		return nil, fmt.Errorf("batch of %d exceeds classifier cap of %d", len(texts), MaxBatchTexts)
	}
	body, err := c.post(ctx, "/classify/batch", map[string][]string{"texts": texts})
	if err != nil {
		return nil, err
	}
	var res []Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return res, nil
}

// CheckHealth probes the service's /health endpoint.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier health: %s", resp.Status)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

// post issues a JSON POST with limited retry on gateway errors (502/503/504).
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := c.RetryBackoff
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http().Do(req)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, readErr
			}
			return body, nil
		case resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("classifier %s: %s", path, resp.Status)
			continue
		default:
			return nil, fmt.Errorf("classifier %s: %s", path, resp.Status)
		}
	}
	return nil, lastErr
}
