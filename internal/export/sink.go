package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Sink stores an artifact and returns where it went.
type Sink interface {
	Put(ctx context.Context, a *Artifact) (string, error)
}

// DirSink writes artifacts into a local directory.
type DirSink struct {
	Dir string
}

func (d DirSink) Put(_ context.Context, a *Artifact) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(d.Dir, filepath.Base(a.Filename))
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioSink uploads artifacts to an S3-compatible bucket, creating the bucket
// on first use.
type MinioSink struct {
	client *minio.Client
	bucket string
	region string
	prefix string
	logger *zap.Logger

	mu        sync.Mutex
	bucketSet bool
}

func NewMinioSink(cfg MinioConfig, prefix string, logger *zap.Logger) (*MinioSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	sink := NewMinioSinkWithClient(client, cfg.Bucket, prefix, logger)
	sink.region = cfg.Region
	return sink, nil
}

func NewMinioSinkWithClient(client *minio.Client, bucket, prefix string, logger *zap.Logger) *MinioSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioSink{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (m *MinioSink) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketSet {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
		m.logger.Info("created export bucket", zap.String("bucket", m.bucket))
	}
	m.bucketSet = true
	return nil
}

func (m *MinioSink) Put(ctx context.Context, a *Artifact) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", err
	}
	key := a.Filename
	if m.prefix != "" {
		key = m.prefix + "/" + a.Filename
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)),
		minio.PutObjectOptions{ContentType: a.MimeType})
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	m.logger.Debug("uploaded artifact",
		zap.String("bucket", info.Bucket),
		zap.String("key", info.Key),
		zap.Int64("size", info.Size),
	)
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}
