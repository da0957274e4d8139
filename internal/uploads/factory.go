package uploads

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/OpenNSW/cardflow/internal/config"
	"github.com/OpenNSW/cardflow/internal/uploads/drivers"
)

// Storage backends accepted in STORAGE_TYPE.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// NewStorageFromConfig returns the attachment backend named by cfg.Type.
func NewStorageFromConfig(ctx context.Context, cfg config.StorageConfig) (StorageDriver, error) {
	switch cfg.Type {
	case StorageLocal:
		return newLocalStorage(cfg)
	case StorageS3:
		return newS3Storage(ctx, cfg)
	}
	return nil, fmt.Errorf("uploads: unknown storage type %q", cfg.Type)
}

func newLocalStorage(cfg config.StorageConfig) (StorageDriver, error) {
	driver, err := drivers.NewLocalFSDriver(cfg.LocalBaseDir, cfg.LocalPublicURL)
	if err != nil {
		return nil, fmt.Errorf("uploads: local storage at %s: %w", cfg.LocalBaseDir, err)
	}
	slog.Info("attachment storage ready", "type", StorageLocal, "dir", cfg.LocalBaseDir)
	return driver, nil
}

func newS3Storage(ctx context.Context, cfg config.StorageConfig) (StorageDriver, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("attachment storage ready", "type", StorageS3,
		"bucket", cfg.S3Bucket, "prefix", cfg.S3KeyPrefix, "endpoint", cfg.S3Endpoint)
	return drivers.NewS3Driver(client, drivers.S3Options{
		Bucket:    cfg.S3Bucket,
		KeyPrefix: cfg.S3KeyPrefix,
		PublicURL: cfg.S3PublicURL,
	}), nil
}

// newS3Client builds an S3 client from the default AWS chain. Explicit keys in cfg win over
// the chain, and a custom endpoint switches to path-style addressing (MinIO, localstack).
func newS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	load := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		load = append(load, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("uploads: aws config for bucket %s: %w", cfg.S3Bucket, err)
	}
	return s3.NewFromConfig(awsCfg, withEndpoint(cfg.S3Endpoint)), nil
}

func withEndpoint(endpoint string) func(*s3.Options) {
	return func(o *s3.Options) {
		if endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}
}
