// Package artifacts persists capture artifacts into object storage and
// issues time-bounded read-only access grants for them.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/objectstore"
)

// Store abstracts the S3-compatible backend so the upload pipeline can be
// tested without a live server.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ObjectKey builds the run-scoped storage path:
// {run_id}/{timestamp}-{runner}-{address_family}.{ext}
func ObjectKey(runID string, ts time.Time, runner domain.Runner, family domain.AddressFamily, ext string) string {
	return fmt.Sprintf("%s/%s-%s-%s.%s", runID, ts.UTC().Format("20060102T150405Z"), runner, family, ext)
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(client *minio.Client, cfg objectstore.Config) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	bucket := strings.TrimSpace(cfg.BucketCaptures)
	if bucket == "" {
		return nil, errors.New("captures bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return errors.New("artifact store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, opts)
	return err
}

func (s *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("artifact store not initialized")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
