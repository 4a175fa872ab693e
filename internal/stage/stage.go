// Package stage moves oversized audio payloads through an intermediate
// object-storage bucket so that URL-capable STT providers can fetch them,
// keeping per-request memory flat regardless of upload size.
//
// Uploads stream through the S3 multipart uploader (never buffered whole),
// the provider receives a short-lived presigned GET, and the staged object
// is deleted in the background once the provider call finishes — success
// or failure. A lifecycle rule on the bucket is the failsafe for any
// delete this process misses.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// DefaultPresignTTL bounds how long a provider can fetch a staged object.
const DefaultPresignTTL = 15 * time.Minute

// Config holds the object storage connection settings. Endpoint is
// optional and supports S3-compatible stores (R2, MinIO).
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PresignTTL      time.Duration
}

// Stager uploads, presigns, and deletes staged audio objects.
type Stager struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
	ttl      time.Duration
}

// New creates a [Stager] from cfg. Credentials fall back to the ambient
// AWS credential chain when not set explicitly.
func New(ctx context.Context, cfg Config) (*Stager, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("stage: bucket must not be empty")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("stage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	return &Stager{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		ttl:      ttl,
	}, nil
}

// Stage streams audio into the bucket and returns the object key plus a
// presigned GET URL valid for the configured TTL.
func (s *Stager) Stage(ctx context.Context, audio io.Reader, contentType string) (key, url string, err error) {
	key = "staged/" + uuid.NewString()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        audio,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", "", fmt.Errorf("stage: upload: %w", err)
	}

	signed, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", "", fmt.Errorf("stage: presign: %w", err)
	}

	return key, signed.URL, nil
}

// Check verifies the bucket is reachable with the configured
// credentials. It backs the gateway's object-storage readiness probe.
func (s *Stager) Check(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("stage: head bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Delete removes a staged object. Best effort: callers run it in the
// background and the bucket lifecycle rule catches anything missed.
func (s *Stager) Delete(ctx context.Context, key string) {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Warn("staged object delete failed, lifecycle rule will expire it", "key", key, "err", err)
	}
}
