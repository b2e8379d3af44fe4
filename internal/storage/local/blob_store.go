// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zpx01/video-scraper/internal/storage"
)

// partialSuffix marks in-progress files next to their final path.
const partialSuffix = ".part"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where media will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes media to the local filesystem.
type BlobStore struct {
	baseDir string
}

var _ storage.Storage = (*BlobStore)(nil)

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &BlobStore{baseDir: abs}, nil
}

// resolve maps key to an absolute path inside baseDir.
func (s *BlobStore) resolve(key string) (string, error) {
	key = storage.CleanKey(key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(fullPath, filepath.Clean(s.baseDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// OpenSink implements storage.Storage. In-progress bytes live in "<path>.part".
func (s *BlobStore) OpenSink(_ context.Context, key string) (storage.Sink, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	f, err := os.OpenFile(fullPath+partialSuffix, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat partial file: %w", err)
	}
	return &fileSink{file: f, path: fullPath, size: info.Size()}, nil
}

// Exists implements storage.Storage.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
}

// Size implements storage.Storage.
func (s *BlobStore) Size(_ context.Context, key string) (int64, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	for _, candidate := range []string{fullPath, fullPath + partialSuffix} {
		info, statErr := os.Stat(candidate)
		if statErr == nil {
			return info.Size(), nil
		}
		if !errors.Is(statErr, fs.ErrNotExist) {
			return 0, fmt.Errorf("stat %s: %w", key, statErr)
		}
	}
	return 0, nil
}

// Open implements storage.Storage.
func (s *BlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", key, storage.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Delete implements storage.Storage.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, candidate := range []string{fullPath, fullPath + partialSuffix} {
		if rmErr := os.Remove(candidate); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", candidate, rmErr)
		}
	}
	return nil
}

type fileSink struct {
	file *os.File
	path string
	size int64
}

func (f *fileSink) Size() int64 {
	return f.size
}

// WriteAt writes and fsyncs so the new size survives a crash.
func (f *fileSink) WriteAt(_ context.Context, p []byte, off int64) error {
	if f.file == nil {
		return fmt.Errorf("write %s: sink closed", f.path)
	}
	if off != f.size {
		return fmt.Errorf("write %s at %d (size %d): %w", f.path, off, f.size, storage.ErrOffsetMismatch)
	}
	n, err := f.file.WriteAt(p, off)
	f.size += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.path, err)
	}
	return nil
}

func (f *fileSink) Truncate(_ context.Context, size int64) error {
	if f.file == nil {
		return fmt.Errorf("truncate %s: sink closed", f.path)
	}
	if size < 0 {
		size = 0
	}
	if size >= f.size {
		return nil
	}
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", f.path, err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.path, err)
	}
	f.size = size
	return nil
}

// Commit renames the partial file over the final path and returns a file:// URI.
func (f *fileSink) Commit(_ context.Context) (string, error) {
	if f.file == nil {
		return "", fmt.Errorf("commit %s: sink closed", f.path)
	}
	if err := f.file.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", f.path, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(f.path+partialSuffix, f.path); err != nil {
		return "", fmt.Errorf("rename %s: %w", f.path, err)
	}
	return "file://" + f.path, nil
}

func (f *fileSink) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	return nil
}
