// Package media implements attachment blob storage against an S3-compatible
// bucket using minio-go, the same client used against MinIO, Garage, or AWS
// S3 without code changes. Attachment metadata (owner, guild/channel scope,
// binding state) lives in Postgres; this package only moves bytes and
// produces the object keys that metadata rows reference.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 15 * time.Minute

// Config bundles the dependencies an AttachmentStore needs.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Logger          *slog.Logger
}

// AttachmentStore stores and serves attachment blobs in an S3-compatible
// bucket, keyed by the attachment's own ULID.
type AttachmentStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New creates an AttachmentStore and ensures its bucket exists.
func New(ctx context.Context, cfg Config) (*AttachmentStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &AttachmentStore{client: client, bucket: cfg.Bucket, logger: cfg.Logger}, nil
}

// objectKey derives a blob's storage key from the attachment id and its
// original filename, so an object listing stays recognizable in a bucket
// browser while the authoritative lookup is always by attachment id.
func objectKey(attachmentID, filename string) string {
	ext := path.Ext(filename)
	return attachmentID + ext
}

// Put uploads an attachment's bytes, returning the object key metadata
// should store alongside the attachment row.
func (s *AttachmentStore) Put(ctx context.Context, attachmentID, filename, contentType string, size int64, body io.Reader) (string, error) {
	key := objectKey(attachmentID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading attachment %s: %w", attachmentID, err)
	}
	return key, nil
}

// Delete removes an attachment's blob from the bucket.
func (s *AttachmentStore) Delete(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting attachment blob %s: %w", objectKey, err)
	}
	return nil
}

// PresignedURL returns a time-limited URL clients can fetch the attachment
// from directly, bypassing the API server for the transfer itself.
func (s *AttachmentStore) PresignedURL(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigning attachment %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// HealthCheck verifies the configured bucket is reachable.
func (s *AttachmentStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("media health check: %w", err)
	}
	return nil
}
