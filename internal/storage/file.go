// Package storage implements internal/domain.Storage. FileStore is the
// default, file-backed implementation; BunKVStore is the optional
// Postgres-backed one.
package storage

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rojkov/bureaucrat/internal/domain"
)

// FileStore lays each bucket out as a directory under root and each key
// as a file within it: definition/<pid>, process/<pid>,
// schedule/<epoch>, subscriptions/<event>. Lock takes a single lock file
// under root; Put, Get, Delete and Keys do not take it themselves, so
// callers wrap read-then-write sequences in Lock.
type FileStore struct {
	root     string
	mu       sync.Mutex
	lockPath string
}

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to create storage root", err)
	}
	return &FileStore{root: dir, lockPath: filepath.Join(dir, ".bureaucrat.lock")}, nil
}

func (s *FileStore) bucketDir(bucket string) string {
	return filepath.Join(s.root, bucket)
}

// encodeKey maps an arbitrary key to a single filename: composite keys
// such as "order.paid/wf1_2" contain separators a path must not.
func encodeKey(key string) string {
	return url.PathEscape(key)
}

func (s *FileStore) Put(bucket, key string, value []byte) error {
	dir := s.bucketDir(bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to create bucket directory", err)
	}
	name := encodeKey(key)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to write storage value", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to commit storage value", err)
	}
	return nil
}

func (s *FileStore) Get(bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.bucketDir(bucket), encodeKey(key)))
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFoundKey
	}
	if err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to read storage value", err)
	}
	return data, nil
}

func (s *FileStore) Delete(bucket, key string) error {
	err := os.Remove(filepath.Join(s.bucketDir(bucket), encodeKey(key)))
	if err != nil && !os.IsNotExist(err) {
		return domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to delete storage value", err)
	}
	return nil
}

func (s *FileStore) Keys(bucket string) ([]string, error) {
	entries, err := os.ReadDir(s.bucketDir(bucket))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "failed to list bucket", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Lock acquires the process-wide in-memory mutex and then creates an
// on-disk lock file exclusively; if that file cannot be created, Lock
// fails. Enough for the single-process daemon case this engine runs
// under; a second daemon on the same root fails fast instead of
// corrupting it.
func (s *FileStore) Lock() (func(), error) {
	s.mu.Lock()
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		s.mu.Unlock()
		return nil, domain.NewBureaucratError(domain.ErrCodeStorageIO, "storage is already locked", err)
	}
	return func() {
		f.Close()
		os.Remove(s.lockPath)
		s.mu.Unlock()
	}, nil
}

var _ domain.Storage = (*FileStore)(nil)
