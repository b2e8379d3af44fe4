// Package storage defines the durable byte sink/source the transfer engine
// writes media into. Backends live in subpackages (local, memory, gcs).
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrOffsetMismatch is returned when a write does not start at the sink's current size.
var ErrOffsetMismatch = errors.New("write offset does not match stored size")

// ErrNotExist is returned when reading an object that was never committed.
var ErrNotExist = errors.New("object does not exist")

// Storage is a pluggable output backend addressed by object key.
type Storage interface {
	// OpenSink opens (or creates) the in-progress object for key. Bytes written by
	// an earlier sink for the same key are kept so the transfer can resume.
	OpenSink(ctx context.Context, key string) (Sink, error)
	// Exists reports whether key has been committed.
	Exists(ctx context.Context, key string) (bool, error)
	// Size returns the committed size of key, or the in-progress size when it has
	// not been committed yet. Unknown keys report 0.
	Size(ctx context.Context, key string) (int64, error)
	// Open reads a committed object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the committed object and any in-progress data.
	Delete(ctx context.Context, key string) error
}

// Sink is a writable handle supporting append-at-offset.
type Sink interface {
	// Size returns the number of bytes durably stored.
	Size() int64
	// WriteAt durably appends p at off. off must equal Size().
	WriteAt(ctx context.Context, p []byte, off int64) error
	// Truncate discards everything past size.
	Truncate(ctx context.Context, size int64) error
	// Commit finalizes the object and returns its location URI.
	Commit(ctx context.Context) (string, error)
	// Close releases the handle without committing.
	Close() error
}

// CleanKey normalizes a key to forward slashes without a leading slash.
func CleanKey(key string) string {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	return strings.TrimLeft(key, "/")
}
