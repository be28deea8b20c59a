package service

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"PrismVideo-server/config"
	"PrismVideo-server/logger"
)

// AssetStore persists rendered clips and returns a URL clients can fetch.
type AssetStore interface {
	Put(ctx context.Context, objectName string, r io.Reader, size int64) (string, error)
}

// MinIOStore is the AssetStore backed by a MinIO (or S3) bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	log    *logger.Logger
}

func NewMinIOStore(cfg *config.Config, log *logger.Logger) (*MinIOStore, error) {
	mc := cfg.MinIO
	client, err := minio.New(mc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(mc.AccessKey, mc.SecretKey, ""),
		Secure: mc.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MinIOStore{client: client, bucket: mc.Bucket, expiry: mc.URLExpiry, log: log.With("component", "minio")}, nil
}

// EnsureBucket creates the bucket on first use.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.log.Info("bucket created", "bucket", s.bucket)
	return nil
}

func (s *MinIOStore) Put(ctx context.Context, objectName string, r io.Reader, size int64) (string, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	s.log.Debug("object uploaded", "object", objectName)
	return signed.String(), nil
}

func contentTypeFor(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
