package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Store implements Store for S3-compatible storage.
type s3Store struct {
	log    logrus.FieldLogger
	bucket string
	client *s3.Client
}

// Ensure interface compliance.
var _ Store = (*s3Store)(nil)

// NewS3Store creates a store backed by an S3 bucket.
func NewS3Store(
	log logrus.FieldLogger,
	bucket string,
	cfg *config.S3Config,
) Store {
	return &s3Store{
		log:    log.WithField("component", "s3-store"),
		bucket: bucket,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (s *s3Store) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("sweepoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(".sweepoor-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.bucket, err)
	}

	return nil
}

// Put implements Store.
func (s *s3Store) Put(
	ctx context.Context, key string, data []byte, contentType string,
) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Uploaded object")

	return nil
}

// Get implements Store.
func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// URI implements Store.
func (s *s3Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
