package receipt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/openkindness/givecore/internal/pkg/env"
)

// ArtifactStore persists rendered receipt documents and returns the opaque
// reference the surrounding application later streams from.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// S3Store writes artifacts to an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3StoreFromEnv builds an S3 artifact store from RECEIPT_S3_* variables.
func NewS3StoreFromEnv(ctx context.Context) (*S3Store, error) {
	bucket := env.GetEnv("RECEIPT_S3_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("RECEIPT_S3_BUCKET is not configured")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(env.GetEnv("RECEIPT_S3_REGION", "us-east-1")),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			env.GetEnv("RECEIPT_S3_ACCESS_KEY_ID", ""),
			env.GetEnv("RECEIPT_S3_SECRET_ACCESS_KEY", ""),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := env.GetEnv("RECEIPT_S3_ENDPOINT", "")
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			// MinIO/B2 style endpoints need path-style URLs
			o.UsePathStyle = true
		}
	})

	log.Infof("[Receipt] artifact store initialized for bucket %s", bucket)
	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload receipt artifact %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// LocalStore writes artifacts under a directory. Development and test use.
type LocalStore struct {
	Dir string
}

func (s *LocalStore) Put(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
