package jarcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pyropy/remoting/lib/checksum"
)

// FileStore keeps one file per archive, named by its fingerprint, directly
// under a directory. Files appear atomically and are never modified.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &FileStore{dir: dir}, nil
}

// NewFileCache is a Cache over a FileStore rooted at dir.
func NewFileCache(dir string, quiet bool) (*Cache, error) {
	store, err := NewFileStore(dir)
	if err != nil {
		return nil, err
	}

	log.Infow("open", "dir", store.Dir(), "quiet", quiet)
	return NewCache(store, quiet), nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Path(fp checksum.Fingerprint) string {
	return filepath.Join(s.dir, fp.String())
}

func (s *FileStore) Lookup(fp checksum.Fingerprint) (string, bool) {
	p := s.Path(fp)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}

	return p, true
}

// Retrieve writes the fetched archive to a temporary file next to its final
// location and renames it into place once the content has been verified.
func (s *FileStore) Retrieve(ctx context.Context, f Fetcher, fp checksum.Fingerprint) (string, error) {
	if f == nil {
		return "", ErrNoFetcher
	}

	tmp, err := os.CreateTemp(s.dir, "."+fp.String()+".*.tmp")
	if err != nil {
		return "", err
	}

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	h := checksum.NewHasher()
	if err := f.FetchArchive(ctx, fp, io.MultiWriter(tmp, h)); err != nil {
		cleanup()
		return "", err
	}

	if got := h.Fingerprint(); got != fp {
		cleanup()
		return "", fmt.Errorf("%w: want %s, got %s", ErrFingerprintMismatch, fp, got)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}

	p := s.Path(fp)
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}

	return p, nil
}
