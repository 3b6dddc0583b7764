// Package storage provides the object store holding run inputs, outputs and
// sweep reports.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value object store scoped to one bucket.
type Store interface {
	// Put writes data to key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get reads the object at key. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Preflight verifies the store is reachable and writable.
	Preflight(ctx context.Context) error
	// URI returns a URI for key that a batch job can resolve.
	URI(key string) string
}

// New creates the store enabled in cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Store(log, cfg.Bucket, cfg.S3), nil
	case cfg.MinIO != nil && cfg.MinIO.Enabled:
		return NewMinIOStore(log, cfg.Bucket, cfg.MinIO)
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalStore(cfg.Bucket, cfg.Local.BaseDir), nil
	default:
		return nil, fmt.Errorf("%w: no storage backend enabled", sweep.ErrInvalidConfiguration)
	}
}

// Object layout.
const (
	InputDir        = "input"
	OutputDir       = "output"
	ReportDir       = "report"
	RunManifestFile = "run.yaml"
	TimingFile      = "timing.json"
	LegacyTimeFile  = "elapsed_time.txt"
)

// InputPrefix returns the key prefix of a run's staged inputs.
func InputPrefix(key sweep.RunKey) string {
	return path.Join(string(key), InputDir) + "/"
}

// InputKey returns the key of one staged input file.
func InputKey(key sweep.RunKey, file string) string {
	return path.Join(string(key), InputDir, file)
}

// OutputPrefix returns the key prefix a run's job writes its outputs to.
func OutputPrefix(key sweep.RunKey) string {
	return path.Join(string(key), OutputDir) + "/"
}

// OutputKey returns the key of one run output artifact.
func OutputKey(key sweep.RunKey, file string) string {
	return path.Join(string(key), OutputDir, file)
}

// LegacyTimeKey returns the run-root location older job scripts uploaded
// elapsed_time.txt to, outside the output prefix.
func LegacyTimeKey(key sweep.RunKey) string {
	return path.Join(string(key), LegacyTimeFile)
}

// ReportKey returns the key of a sweep report artifact.
func ReportKey(sweepID, file string) string {
	return path.Join(sweepID, ReportDir, file)
}
