package documents

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/config"
	"github.com/dohealth/clinicflow/pkg/circuitbreaker"
)

// NewMinioClient connects to the object store described by cfg
func NewMinioClient(cfg config.StorageConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// MinioStore keeps file bodies in one bucket. Every call goes through the
// breaker so a failing store is not hammered.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewMinioStore creates the store. A nil breaker calls MinIO directly.
func NewMinioStore(client *minio.Client, bucket string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *MinioStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioStore{client: client, bucket: bucket, breaker: breaker, logger: logger}
}

func (s *MinioStore) do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(ctx, fn)
}

// EnsureBucket creates the bucket when it does not exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	_, err := s.do(ctx, func() (interface{}, error) {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil || exists {
			return nil, err
		}
		s.logger.Info("creating document bucket", zap.String("bucket", s.bucket))
		return nil, s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	})
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads body under key and returns the object's ETag
func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	res, err := s.do(ctx, func() (interface{}, error) {
		return s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return res.(minio.UploadInfo).ETag, nil
}

// PresignedURL returns a time limited download link for key
func (s *MinioStore) PresignedURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	res, err := s.do(ctx, func() (interface{}, error) {
		return s.client.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return res.(*url.URL).String(), nil
}

// Remove deletes the object stored under key
func (s *MinioStore) Remove(ctx context.Context, key string) error {
	_, err := s.do(ctx, func() (interface{}, error) {
		return nil, s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
