// Package assets talks to the asset store that owns input media and receives
// completed effect results.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"effectsvc/internal/domain"
)

// Asset is the store's view of one media object.
type Asset struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SignedURL string `json:"signedUrl,omitempty"`
	GCSURI    string `json:"gcsUri,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// SourceURL returns the URL a provider can fetch the asset from.
func (a Asset) SourceURL() string {
	if a.SignedURL != "" {
		return a.SignedURL
	}
	return a.GCSURI
}

// UploadRequest carries one result artifact into the store.
type UploadRequest struct {
	UserID    string
	ProjectID string
	Data      []byte
	Filename  string
	MimeType  string
	// Source tags where the asset came from, e.g. "video-effect".
	Source string
	// RunPipeline asks the store to run its own ingestion pipeline on the
	// new asset.
	RunPipeline bool
}

// UploadResult identifies the stored artifact.
type UploadResult struct {
	ID  string
	URL string
}

// Store is the asset-store capability this service consumes.
type Store interface {
	Get(ctx context.Context, userID, projectID, assetID string) (*Asset, error)
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
}

// Options controls how the asset store client is configured.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client is the HTTP asset store client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ Store = (*Client)(nil)

// NewClient constructs an asset store client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("assets: base URL is required: %w", domain.ErrValidation)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
	}, nil
}

type assetEnvelope struct {
	Asset Asset `json:"asset"`
}

// Get fetches one asset record.
func (c *Client) Get(ctx context.Context, userID, projectID, assetID string) (*Asset, error) {
	endpoint := fmt.Sprintf("%s/users/%s/projects/%s/assets/%s",
		c.baseURL, url.PathEscape(userID), url.PathEscape(projectID), url.PathEscape(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("assets: build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assets: get asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("assets: get asset: status %d", resp.StatusCode)
	}
	var envelope assetEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("assets: decode asset: %w", err)
	}
	if envelope.Asset.ID == "" {
		envelope.Asset.ID = assetID
	}
	return &envelope.Asset, nil
}

// Upload stores the artifact bytes and returns the new asset's id and URL.
func (c *Client) Upload(ctx context.Context, up UploadRequest) (*UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", up.Filename)
	if err != nil {
		return nil, fmt.Errorf("assets: build upload form: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return nil, fmt.Errorf("assets: write upload body: %w", err)
	}
	_ = mw.WriteField("mimeType", up.MimeType)
	_ = mw.WriteField("source", up.Source)
	_ = mw.WriteField("runPipeline", strconv.FormatBool(up.RunPipeline))
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("assets: finish upload form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/projects/%s/assets",
		c.baseURL, url.PathEscape(up.UserID), url.PathEscape(up.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("assets: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assets: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("assets: upload: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var envelope assetEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("assets: decode upload response: %w", err)
	}
	return &UploadResult{ID: envelope.Asset.ID, URL: envelope.Asset.SignedURL}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
