package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	infraconfig "github.com/erp/fiscal/internal/infrastructure/config"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

var _ ArtifactStore = (*GCSArtifactStore)(nil)

// GCSArtifactStore stores artifacts in a Google Cloud Storage bucket
type GCSArtifactStore struct {
	client *gcs.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSArtifactStore creates a GCSArtifactStore. Without a credentials file
// the client uses application default credentials.
func NewGCSArtifactStore(ctx context.Context, cfg *infraconfig.StorageConfig, logger *zap.Logger) (*GCSArtifactStore, error) {
	if cfg == nil {
		return nil, errors.New("storage configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// Put uploads content to path
func (s *GCSArtifactStore) Put(ctx context.Context, p string, content []byte, contentType string) error {
	key, err := objectKey(s.prefix, p)
	if err != nil {
		return err
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	s.logger.Debug("Stored artifact",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("size", len(content)),
	)
	return nil
}

// Get downloads the object at path
func (s *GCSArtifactStore) Get(ctx context.Context, p string) ([]byte, error) {
	key, err := objectKey(s.prefix, p)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Close releases the client
func (s *GCSArtifactStore) Close() error {
	return s.client.Close()
}
