package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	// root is {baseDir}/{bucket}.
	root string
}

// NewLocalStore creates a store below baseDir. The bucket becomes the
// first directory level.
func NewLocalStore(bucket, baseDir string) Store {
	return &localStore{root: filepath.Join(baseDir, bucket)}
}

func (s *localStore) path(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the store root", key)
	}

	return p, nil
}

// Preflight ensures the root directory exists and is writable.
func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating store root: %w", err)
	}

	probe := filepath.Join(s.root, ".sweepoor-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("writing test object to %s: %w", s.root, err)
	}

	return os.Remove(probe)
}

// Put implements Store. Writes go through a temp file and a rename so that
// readers never observe a partial object.
func (s *localStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", key, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("writing %q: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("closing %q: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("renaming %q: %w", key, err)
	}

	return nil
}

// Get implements Store.
func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // keys are built by this program
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("reading %q: %w", key, err)
	}

	return data, nil
}

// URI implements Store. Prefix keys keep their trailing slash, matching
// the s3:// form.
func (s *localStore) URI(key string) string {
	uri := "file://" + filepath.ToSlash(filepath.Join(s.root, filepath.FromSlash(key)))
	if strings.HasSuffix(key, "/") && !strings.HasSuffix(uri, "/") {
		uri += "/"
	}

	return uri
}
