package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

type minioStore struct {
	log    logrus.FieldLogger
	bucket string
	region string
	client *minio.Client
}

var _ Store = (*minioStore)(nil)

// NewMinIOStore creates a store backed by a MinIO server.
func NewMinIOStore(
	log logrus.FieldLogger,
	bucket string,
	cfg *config.MinIOConfig,
) (Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	return &minioStore{
		log:    log.WithField("component", "minio-store"),
		bucket: bucket,
		region: cfg.Region,
		client: client,
	}, nil
}

// Preflight creates the bucket when missing.
func (s *minioStore) Preflight(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}

	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}

	s.log.WithField("bucket", s.bucket).Info("Created bucket")

	return nil
}

// Put implements Store.
func (s *minioStore) Put(
	ctx context.Context, key string, data []byte, contentType string,
) error {
	_, err := s.client.PutObject(
		ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	return nil
}

// Get implements Store.
func (s *minioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.getError(key, err)
	}

	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.getError(key, err)
	}

	return data, nil
}

func (s *minioStore) getError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return fmt.Errorf("getting object %q: %w", key, err)
}

// URI implements Store.
func (s *minioStore) URI(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
