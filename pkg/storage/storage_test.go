package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	key := sweep.RunKey("2x2x6-pbe-cpu-n1")

	assert.Equal(t, "2x2x6-pbe-cpu-n1/input/", InputPrefix(key))
	assert.Equal(t, "2x2x6-pbe-cpu-n1/input/INCAR", InputKey(key, "INCAR"))
	assert.Equal(t, "2x2x6-pbe-cpu-n1/output/", OutputPrefix(key))
	assert.Equal(t, "2x2x6-pbe-cpu-n1/output/timing.json", OutputKey(key, TimingFile))
	assert.Equal(t, "sweep-1/report/figure_a.png", ReportKey("sweep-1", "figure_a.png"))
}

func TestLocalStore_PutGet(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s := NewLocalStore("bucket", base)

	require.NoError(t, s.Preflight(ctx))

	require.NoError(t, s.Put(ctx, "run/input/INCAR", []byte("NSW = 50\n"), "text/plain"))

	data, err := s.Get(ctx, "run/input/INCAR")
	require.NoError(t, err)
	assert.Equal(t, "NSW = 50\n", string(data))

	onDisk, err := os.ReadFile(filepath.Join(base, "bucket", "run", "input", "INCAR"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	// Overwrite is idempotent.
	require.NoError(t, s.Put(ctx, "run/input/INCAR", []byte("NSW = 60\n"), "text/plain"))

	data, err = s.Get(ctx, "run/input/INCAR")
	require.NoError(t, err)
	assert.Equal(t, "NSW = 60\n", string(data))

	assert.Equal(t,
		"file://"+filepath.ToSlash(filepath.Join(base, "bucket", "run", "input", "INCAR")),
		s.URI("run/input/INCAR"),
	)
}

func TestStore_PrefixURIs(t *testing.T) {
	key := sweep.RunKey("3x3x9-pbe-cpu-n2")
	base := t.TempDir()

	local := NewLocalStore("bucket", base)
	root := "file://" + filepath.ToSlash(filepath.Join(base, "bucket"))

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"output prefix", OutputPrefix(key), root + "/3x3x9-pbe-cpu-n2/output/"},
		{"input prefix", InputPrefix(key), root + "/3x3x9-pbe-cpu-n2/input/"},
		{"object", OutputKey(key, TimingFile), root + "/3x3x9-pbe-cpu-n2/output/timing.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, local.URI(tt.key))
		})
	}

	remote := NewS3Store(logrus.New(), "bucket", &config.S3Config{Enabled: true, Region: "eu-west-1"})
	assert.Equal(t, "s3://bucket/3x3x9-pbe-cpu-n2/output/", remote.URI(OutputPrefix(key)))

	// A job appending the timing file name to either URI lands on OutputKey.
	assert.Equal(t, local.URI(OutputKey(key, TimingFile)), local.URI(OutputPrefix(key))+TimingFile)
	assert.Equal(t, remote.URI(OutputKey(key, TimingFile)), remote.URI(OutputPrefix(key))+TimingFile)
}

func TestLocalStore_NotFound(t *testing.T) {
	s := NewLocalStore("bucket", t.TempDir())

	_, err := s.Get(context.Background(), "missing/output/timing.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s := NewLocalStore("bucket", t.TempDir())

	err := s.Put(context.Background(), "../outside", []byte("x"), "text/plain")
	require.Error(t, err)
}

func TestLocalStore_ConcurrentPut(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore("bucket", t.TempDir())

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, s.Put(ctx, "shared/key", []byte("same"), "text/plain"))
		}()
	}

	wg.Wait()

	data, err := s.Get(ctx, "shared/key")
	require.NoError(t, err)
	assert.Equal(t, "same", string(data))
}

func TestNew(t *testing.T) {
	log := logrus.New()

	_, err := New(log, &config.StorageConfig{Bucket: "b"})
	require.ErrorIs(t, err, sweep.ErrInvalidConfiguration)

	s, err := New(log, &config.StorageConfig{
		Bucket: "b",
		Local:  &config.LocalStorageConfig{Enabled: true, BaseDir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.IsType(t, &localStore{}, s)

	s, err = New(log, &config.StorageConfig{
		Bucket: "b",
		S3:     &config.S3Config{Enabled: true, Region: "eu-west-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://b/k", s.URI("k"))

	s, err = New(log, &config.StorageConfig{
		Bucket: "b",
		MinIO:  &config.MinIOConfig{Enabled: true, Endpoint: "localhost:9000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://b/k", s.URI("k"))
}

func TestIsS3NotFound(t *testing.T) {
	assert.False(t, isS3NotFound(assert.AnError))
	assert.True(t, isS3NotFound(fmt.Errorf("operation error S3: GetObject: %w", &s3types.NoSuchKey{})))
	assert.True(t, isS3NotFound(errors.New("api error NoSuchKey: The specified key does not exist.")))
}
