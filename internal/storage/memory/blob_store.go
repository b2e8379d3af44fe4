// Package memory stores media in-memory for tests and dry runs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/zpx01/video-scraper/internal/storage"
)

// BlobStore keeps committed and in-progress objects in maps.
type BlobStore struct {
	mu        sync.RWMutex
	committed map[string][]byte
	partial   map[string][]byte
}

var _ storage.Storage = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		committed: make(map[string][]byte),
		partial:   make(map[string][]byte),
	}
}

// OpenSink implements storage.Storage.
func (s *BlobStore) OpenSink(_ context.Context, key string) (storage.Sink, error) {
	key = storage.CleanKey(key)
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partial[key]; !ok {
		s.partial[key] = nil
	}
	return &sink{store: s, key: key}, nil
}

// Exists implements storage.Storage.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.committed[storage.CleanKey(key)]
	return ok, nil
}

// Size implements storage.Storage.
func (s *BlobStore) Size(_ context.Context, key string) (int64, error) {
	key = storage.CleanKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.committed[key]; ok {
		return int64(len(data)), nil
	}
	return int64(len(s.partial[key])), nil
}

// Open implements storage.Storage.
func (s *BlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	key = storage.CleanKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.committed[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, storage.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements storage.Storage.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	key = storage.CleanKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.committed, key)
	delete(s.partial, key)
	return nil
}

// Bytes returns a copy of a committed object, for assertions.
func (s *BlobStore) Bytes(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.committed[storage.CleanKey(key)]
	return bytes.Clone(data), ok
}

// Partial returns a copy of in-progress data, for assertions and crash simulation.
func (s *BlobStore) Partial(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Clone(s.partial[storage.CleanKey(key)])
}

// SetPartial replaces in-progress data, simulating a previous interrupted run.
func (s *BlobStore) SetPartial(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial[storage.CleanKey(key)] = bytes.Clone(data)
}

type sink struct {
	store  *BlobStore
	key    string
	closed bool
}

func (k *sink) Size() int64 {
	k.store.mu.RLock()
	defer k.store.mu.RUnlock()
	return int64(len(k.store.partial[k.key]))
}

func (k *sink) WriteAt(_ context.Context, p []byte, off int64) error {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	if k.closed {
		return fmt.Errorf("write %s: sink closed", k.key)
	}
	cur := k.store.partial[k.key]
	if off != int64(len(cur)) {
		return fmt.Errorf("write %s at %d (size %d): %w", k.key, off, len(cur), storage.ErrOffsetMismatch)
	}
	k.store.partial[k.key] = append(cur, p...)
	return nil
}

func (k *sink) Truncate(_ context.Context, size int64) error {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	cur := k.store.partial[k.key]
	if size < 0 {
		size = 0
	}
	if size < int64(len(cur)) {
		k.store.partial[k.key] = cur[:size:size]
	}
	return nil
}

func (k *sink) Commit(_ context.Context) (string, error) {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	if k.closed {
		return "", fmt.Errorf("commit %s: sink closed", k.key)
	}
	k.store.committed[k.key] = k.store.partial[k.key]
	delete(k.store.partial, k.key)
	k.closed = true
	return "memory://" + k.key, nil
}

func (k *sink) Close() error {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	k.closed = true
	return nil
}
