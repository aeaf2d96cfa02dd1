// Package storage persists fiscal artifacts (XML documents, protocols and
// certificate bundles) as opaque blobs addressed by path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	infraconfig "github.com/erp/fiscal/internal/infrastructure/config"
	"go.uber.org/zap"
)

// ErrObjectNotFound is returned by Get when nothing is stored at the path
var ErrObjectNotFound = errors.New("object not found")

// ArtifactStore puts and gets blobs by path
type ArtifactStore interface {
	Put(ctx context.Context, path string, content []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
}

// New creates the artifact store selected by cfg.Provider
func New(ctx context.Context, cfg *infraconfig.StorageConfig, logger *zap.Logger) (ArtifactStore, error) {
	if cfg == nil {
		return nil, errors.New("storage configuration is required")
	}
	switch cfg.Provider {
	case infraconfig.StorageS3:
		return NewS3ArtifactStore(ctx, cfg, WithLogger(logger))
	case infraconfig.StorageGCS:
		return NewGCSArtifactStore(ctx, cfg, logger)
	case infraconfig.StorageMemory, "":
		return NewMemoryArtifactStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// objectKey prefixes p and strips leading slashes. An empty path is an error.
func objectKey(prefix, p string) (string, error) {
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p == "" {
		return "", errors.New("storage key is required")
	}
	if prefix == "" {
		return p, nil
	}
	return path.Join(strings.Trim(prefix, "/"), p), nil
}
