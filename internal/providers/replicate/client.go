// Package replicate wraps the external prediction API: submit a model version
// plus input, then poll the returned prediction until it reaches a terminal
// provider status.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"effectsvc/internal/domain"
)

// Options controls how the prediction client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to the prediction provider over HTTP with bearer-token auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient constructs a prediction client with sane defaults. Callers may
// provide a nil HTTP client; a reusable one with a bounded timeout is created.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.replicate.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
	}
}

// Handle is the opaque correlation state kept on the job between polls.
type Handle struct {
	PredictionID string
	GetURL       string
	CancelURL    string
}

// Prediction is the provider's view of one submitted job.
type Prediction struct {
	ID      string
	Status  string
	Output  any
	Error   any
	Metrics map[string]any
	Handle  Handle
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type predictionResponse struct {
	ID      string         `json:"id"`
	Status  string         `json:"status"`
	Output  any            `json:"output"`
	Error   any            `json:"error"`
	Metrics map[string]any `json:"metrics"`
	URLs    struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
	Detail string `json:"detail"`
}

// Submit creates a prediction for the given model version and input payload.
func (c *Client) Submit(ctx context.Context, version string, input map[string]any) (*Prediction, error) {
	body, err := json.Marshal(predictionRequest{Version: version, Input: input})
	if err != nil {
		return nil, fmt.Errorf("replicate: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
}

// FetchStatus polls the current state of a previously submitted prediction.
func (c *Client) FetchStatus(ctx context.Context, handle Handle) (*Prediction, error) {
	url := handle.GetURL
	if url == "" {
		if handle.PredictionID == "" {
			return nil, domain.ErrMissingProviderState
		}
		url = c.baseURL + "/predictions/" + handle.PredictionID
	}
	return c.do(ctx, http.MethodGet, url, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*Prediction, error) {
	if c.token == "" {
		return nil, fmt.Errorf("replicate: API key is missing: %w", domain.ErrProviderRejected)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate: %s %s: %v: %w", method, url, err, domain.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("replicate: read response: %v: %w", err, domain.ErrProviderUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := errorDetail(raw)
		// 5xx and throttling are transient; everything else is a rejection.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("replicate: status %d: %s: %w", resp.StatusCode, text, domain.ErrProviderUnavailable)
		}
		return nil, fmt.Errorf("replicate: status %d: %s: %w", resp.StatusCode, text, domain.ErrProviderRejected)
	}

	var decoded predictionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("replicate: decode response: %v: %w", err, domain.ErrProviderRejected)
	}
	return &Prediction{
		ID:      decoded.ID,
		Status:  decoded.Status,
		Output:  decoded.Output,
		Error:   decoded.Error,
		Metrics: decoded.Metrics,
		Handle: Handle{
			PredictionID: decoded.ID,
			GetURL:       decoded.URLs.Get,
			CancelURL:    decoded.URLs.Cancel,
		},
	}, nil
}

// errorDetail pulls the provider's error text out of a non-success body.
func errorDetail(raw []byte) string {
	var decoded predictionResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if decoded.Detail != "" {
			return decoded.Detail
		}
		if s, ok := decoded.Error.(string); ok && s != "" {
			return s
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = "no response body"
	}
	return text
}
