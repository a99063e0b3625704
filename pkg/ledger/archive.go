package ledger

import (
	"bytes"
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver writes sealed export bundles to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// Archive exports matching anchors and ships the sealed bundle to the
// archiver. Returns the storage key and the bundle.
func (l *Ledger) Archive(ctx context.Context, f Filter, archiver Archiver) (string, *ExportBundle, error) {
	bundle, err := l.Export(ctx, f)
	if err != nil {
		return "", nil, err
	}
	data, err := bundle.Marshal()
	if err != nil {
		return "", nil, err
	}
	key := exportName(bundle.ExportedAt, len(bundle.Anchors))
	if err := archiver.Archive(ctx, key, data); err != nil {
		return "", nil, err
	}
	l.logger.InfoContext(ctx, "audit bundle archived", "key", key, "anchors", len(bundle.Anchors))
	return key, bundle, nil
}

// S3Archiver stores bundles in an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string
}

// NewS3Archiver creates an S3-backed archiver using the default AWS
// credential chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 archive %s: %w", key, err)
	}
	return nil
}

// GCSArchiver stores bundles in a Google Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiver creates a GCS-backed archiver using application
// default credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, key string, data []byte) error {
	w := a.client.Bucket(a.bucket).Object(a.prefix + key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs archive %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs archive %s: %w", key, err)
	}
	return nil
}
