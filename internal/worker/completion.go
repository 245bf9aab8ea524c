package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"effectsvc/internal/assets"
	"effectsvc/internal/domain"
	"effectsvc/internal/effects"
	"effectsvc/internal/providers/replicate"
)

const resultSource = "video-effect"

// maxArtifactBytes caps how much of a provider result is buffered in memory.
const maxArtifactBytes = 512 << 20

// Completion turns a provider's raw success output into a durable asset in
// the asset store.
type Completion struct {
	store      assets.Store
	httpClient *http.Client
}

// NewCompletion builds a completion handler. A nil HTTP client gets a
// redirect-following default with a bounded download timeout.
func NewCompletion(store assets.Store, httpClient *http.Client) *Completion {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Completion{store: store, httpClient: httpClient}
}

// Result carries the new asset's identity plus metadata to merge onto the job.
type Result struct {
	AssetID  string
	AssetURL string
	Metadata map[string]any
}

// Finalize downloads the prediction's artifact and republishes it to the
// asset store. Any failure surfaces as a single terminal error for the job;
// there is no partial "downloaded but not uploaded" state.
func (c *Completion) Finalize(ctx context.Context, job *domain.Job, def effects.Definition, pred *replicate.Prediction) (*Result, error) {
	extraction := def.ExtractResult(pred.Output, pred.Status)
	if extraction.Err != "" {
		return nil, errors.New(extraction.Err)
	}
	if extraction.ResultURL == "" {
		return nil, errors.New(def.MissingResultError())
	}
	if job.UserID == "" || job.ProjectID == "" {
		return nil, errors.New("Cannot save result: missing userId or projectId")
	}

	data, contentType, err := c.download(ctx, extraction.ResultURL)
	if err != nil {
		return nil, err
	}

	// Extension follows the actual payload type, not the nominal effect
	// type; providers sometimes return a different container than requested.
	ext := extensionForContentType(contentType)
	if contentType == "" {
		contentType = "video/mp4"
	}
	uploaded, err := c.store.Upload(ctx, assets.UploadRequest{
		UserID:      job.UserID,
		ProjectID:   job.ProjectID,
		Data:        data,
		Filename:    resultFilename(def, job.ID, ext),
		MimeType:    contentType,
		Source:      resultSource,
		RunPipeline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("save result asset: %w", err)
	}
	return &Result{AssetID: uploaded.ID, AssetURL: uploaded.URL, Metadata: extraction.Metadata}, nil
}

func (c *Completion) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download result: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// extensionForContentType picks the stored file extension from the response's
// media type.
func extensionForContentType(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	switch {
	case mediaType == "video/webm":
		return ".webm"
	case mediaType == "image/gif":
		return ".gif"
	case strings.HasPrefix(mediaType, "video/"):
		return ".mp4"
	default:
		return ".mp4"
	}
}

func resultFilename(def effects.Definition, jobID, ext string) string {
	name := def.Label
	if name == "" {
		name = def.ID
	}
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s%s", name, short, ext)
}
