package assets

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore persists assets onto the local filesystem and serves them from a
// static base URL. It is intended for development and test environments where
// the real asset store is not available.
type FileStore struct {
	basePath string
	baseURL  string
}

var _ Store = (*FileStore)(nil)

// NewFileStore initializes a FileStore rooted at basePath, serving files under
// baseURL.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("assets: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("assets: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Get resolves an asset by treating its id as a storage key.
func (s *FileStore) Get(ctx context.Context, userID, projectID, assetID string) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := sanitizeKey(path.Join(userID, projectID, assetID))
	if err != nil {
		return nil, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if _, err := os.Stat(fullPath); err != nil {
		return nil, fmt.Errorf("assets: stat %s: %w", key, err)
	}
	return &Asset{
		ID:        assetID,
		Name:      path.Base(assetID),
		SignedURL: s.urlFor(key),
		MimeType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(assetID))),
	}, nil
}

// Upload persists the artifact bytes under a per-project key and returns a
// file URL. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Upload(ctx context.Context, up UploadRequest) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := sanitizeKey(path.Join(up.UserID, up.ProjectID, up.Filename))
	if err != nil {
		return nil, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("assets: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, up.Data, 0o644); err != nil {
		return nil, fmt.Errorf("assets: write file: %w", err)
	}
	return &UploadResult{ID: uuid.NewString(), URL: s.urlFor(key)}, nil
}

func (s *FileStore) urlFor(key string) string {
	if s.baseURL == "" {
		return key
	}
	return s.baseURL + "/" + key
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("assets: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("assets: invalid key")
	}
	return cleaned, nil
}
