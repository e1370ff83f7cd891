package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Compile-time interface assertion.
var _ Store = (*MinioStore)(nil)

const defaultURLExpiry = 72 * time.Hour

// MinioConfig configures a [MinioStore].
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// URLExpiry is the lifetime of presigned URLs. Zero means 72h.
	URLExpiry time.Duration
}

// MinioStore uploads artifacts to an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration

	bucketOnce sync.Once
	bucketErr  error
}

// NewMinioStore connects a client. The bucket is created lazily on first Put.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact: minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: minio client: %w", err)
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// ensureBucket creates the bucket once. A failure is sticky for the lifetime
// of the store.
func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("artifact: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.bucketErr = fmt.Errorf("artifact: create bucket: %w", err)
			return
		}
		slog.Info("created artifact bucket", "bucket", s.bucket)
	})
	return s.bucketErr
}

// Put implements [Store].
func (s *MinioStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: ContentType(name),
	})
	if err != nil {
		return "", fmt.Errorf("artifact: upload %s: %w", name, err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, name, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("artifact: presign %s: %w", name, err)
	}
	return u.String(), nil
}

// Ping checks that the endpoint is reachable and the bucket is accessible.
func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("artifact: minio ping: %w", err)
	}
	return nil
}
