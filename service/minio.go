package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"github.com/policeconduct/formsapi/config"
)

// MinioService owns the S3-compatible client shared by every bucket.
type MinioService struct {
	client *minio.Client
	config *config.StorageConfig
}

func NewMinioService(cfg *config.StorageConfig) (*MinioService, error) {
	return newMinioService(cfg, nil)
}

func newMinioService(cfg *config.StorageConfig, transport http.RoundTripper) (*MinioService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     storageCredentials(cfg),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioService{
		client: client,
		config: cfg,
	}, nil
}

// storageCredentials uses static keys when configured and otherwise falls
// back to the environment and the instance role.
func storageCredentials(cfg *config.StorageConfig) *credentials.Credentials {
	if cfg.AccessKey != "" {
		return credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioService) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.config.Region})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Bucket returns an ObjectStore scoped to one bucket.
func (s *MinioService) Bucket(name string) *MinioStore {
	return &MinioStore{client: s.client, bucket: name}
}

// MinioStore implements ObjectStore on a single bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func (s *MinioStore) Put(ctx context.Context, key string, body []byte, contentType, kmsKeyID string) error {
	if kmsKeyID == "" {
		return ErrMissingEncryptionKey
	}
	sse, err := encrypt.NewSSEKMS(kmsKeyID, nil)
	if err != nil {
		return fmt.Errorf("invalid kms key reference: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:          contentType,
		ServerSideEncryption: sse,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(key, err)
	}
	return body, nil
}

func (s *MinioStore) translate(key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return ErrObjectNotFound
	}
	return fmt.Errorf("failed to get object %s: %w", key, err)
}
