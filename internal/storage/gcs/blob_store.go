// Package gcs provides a resumable Storage backed by Google Cloud Storage.
//
// Each durably written chunk becomes its own part object named
// "<key>.parts/<zero-padded offset>". The stored size of an in-progress object
// is the length of the contiguous run of parts starting at offset zero, so a
// restarted transfer appends after the last confirmed part. Commit composes the
// parts into the final object and removes them.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/storage"
)

// maxComposeSources is the GCS limit on sources per compose request.
const maxComposeSources = 32

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes media to a configured GCS bucket.
type BlobStore struct {
	client *cloudstorage.Client
	bucket string
	logger *zap.Logger
}

var _ storage.Storage = (*BlobStore)(nil)

// New creates a GCS-backed blob store.
func New(client *cloudstorage.Client, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logging.OrNop(logger).Named("gcs"),
	}, nil
}

type part struct {
	name   string
	offset int64
	size   int64
}

func partPrefix(key string) string {
	return key + ".parts/"
}

func partName(key string, offset int64) string {
	return fmt.Sprintf("%s%020d", partPrefix(key), offset)
}

func (s *BlobStore) object(name string) *cloudstorage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(name)
}

// listParts returns the contiguous parts from offset zero and any stragglers
// past the first gap.
func (s *BlobStore) listParts(ctx context.Context, key string) (contiguous, stray []part, err error) {
	prefix := partPrefix(key)
	it := s.client.Bucket(s.bucket).Objects(ctx, &cloudstorage.Query{Prefix: prefix})
	var all []part
	for {
		attrs, nextErr := it.Next()
		if errors.Is(nextErr, iterator.Done) {
			break
		}
		if nextErr != nil {
			return nil, nil, fmt.Errorf("list parts of %s: %w", key, nextErr)
		}
		offset, parseErr := strconv.ParseInt(strings.TrimPrefix(attrs.Name, prefix), 10, 64)
		if parseErr != nil {
			continue
		}
		all = append(all, part{name: attrs.Name, offset: offset, size: attrs.Size})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].offset < all[j].offset })

	var expected int64
	for i, p := range all {
		if p.offset != expected {
			return all[:i], all[i:], nil
		}
		expected += p.size
	}
	return all, nil, nil
}

func (s *BlobStore) deleteQuietly(ctx context.Context, names ...string) {
	for _, name := range names {
		if err := s.object(name).Delete(ctx); err != nil && !errors.Is(err, cloudstorage.ErrObjectNotExist) {
			s.logger.Warn("failed to delete part object", zap.String("object", name), zap.Error(err))
		}
	}
}

// OpenSink implements storage.Storage.
func (s *BlobStore) OpenSink(ctx context.Context, key string) (storage.Sink, error) {
	key = storage.CleanKey(key)
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	parts, stray, err := s.listParts(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, p := range stray {
		s.deleteQuietly(ctx, p.name)
	}
	var size int64
	for _, p := range parts {
		size += p.size
	}
	return &sink{store: s, key: key, parts: parts, size: size}, nil
}

// Exists implements storage.Storage.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(storage.CleanKey(key)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, cloudstorage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
}

// Size implements storage.Storage.
func (s *BlobStore) Size(ctx context.Context, key string) (int64, error) {
	key = storage.CleanKey(key)
	attrs, err := s.object(key).Attrs(ctx)
	if err == nil {
		return attrs.Size, nil
	}
	if !errors.Is(err, cloudstorage.ErrObjectNotExist) {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	parts, _, err := s.listParts(ctx, key)
	if err != nil {
		return 0, err
	}
	var size int64
	for _, p := range parts {
		size += p.size
	}
	return size, nil
}

// Open implements storage.Storage.
func (s *BlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key = storage.CleanKey(key)
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, cloudstorage.ErrObjectNotExist) {
			return nil, fmt.Errorf("open %s: %w", key, storage.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return r, nil
}

// Delete implements storage.Storage.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	key = storage.CleanKey(key)
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, cloudstorage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	parts, stray, err := s.listParts(ctx, key)
	if err != nil {
		return err
	}
	for _, p := range append(parts, stray...) {
		s.deleteQuietly(ctx, p.name)
	}
	return nil
}

func (s *BlobStore) upload(ctx context.Context, name string, p []byte) error {
	writer := s.object(name).NewWriter(ctx)
	writer.ChunkSize = 0
	writer.ContentType = "application/octet-stream"
	if _, err := writer.Write(p); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", name, err)
	}
	return nil
}

type sink struct {
	store *BlobStore
	key   string
	parts []part
	size  int64
}

func (k *sink) Size() int64 {
	return k.size
}

// WriteAt uploads p as one part object; the write is durable once Close returns.
func (k *sink) WriteAt(ctx context.Context, p []byte, off int64) error {
	if off != k.size {
		return fmt.Errorf("write %s at %d (size %d): %w", k.key, off, k.size, storage.ErrOffsetMismatch)
	}
	if len(p) == 0 {
		return nil
	}
	name := partName(k.key, off)
	if err := k.store.upload(ctx, name, p); err != nil {
		return err
	}
	k.parts = append(k.parts, part{name: name, offset: off, size: int64(len(p))})
	k.size += int64(len(p))
	return nil
}

// Truncate deletes parts past size and rewrites a part that straddles it.
func (k *sink) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		size = 0
	}
	for len(k.parts) > 0 {
		last := k.parts[len(k.parts)-1]
		if last.offset+last.size <= size {
			break
		}
		if last.offset >= size {
			if err := k.store.object(last.name).Delete(ctx); err != nil && !errors.Is(err, cloudstorage.ErrObjectNotExist) {
				return fmt.Errorf("truncate %s: %w", k.key, err)
			}
			k.parts = k.parts[:len(k.parts)-1]
			continue
		}
		keep := size - last.offset
		r, err := k.store.object(last.name).NewRangeReader(ctx, 0, keep)
		if err != nil {
			return fmt.Errorf("truncate %s: read part: %w", k.key, err)
		}
		head, err := io.ReadAll(r)
		closeErr := r.Close()
		if err != nil {
			return fmt.Errorf("truncate %s: read part: %w", k.key, err)
		}
		if closeErr != nil {
			return fmt.Errorf("truncate %s: close part: %w", k.key, closeErr)
		}
		if err := k.store.upload(ctx, last.name, head); err != nil {
			return fmt.Errorf("truncate %s: %w", k.key, err)
		}
		k.parts[len(k.parts)-1].size = keep
		break
	}
	k.size = 0
	for _, p := range k.parts {
		k.size += p.size
	}
	return nil
}

// Commit composes the parts into the final object, 32 sources at a time.
func (k *sink) Commit(ctx context.Context) (string, error) {
	final := k.store.object(k.key)
	uri := fmt.Sprintf("gs://%s/%s", k.store.bucket, k.key)
	if len(k.parts) == 0 {
		if err := k.store.upload(ctx, k.key, nil); err != nil {
			return "", err
		}
		return uri, nil
	}

	sources := make([]*cloudstorage.ObjectHandle, 0, len(k.parts))
	cleanup := make([]string, 0, len(k.parts)+1)
	for _, p := range k.parts {
		sources = append(sources, k.store.object(p.name))
		cleanup = append(cleanup, p.name)
	}
	for round := 0; len(sources) > maxComposeSources; round++ {
		name := fmt.Sprintf("%s.compose/%06d", k.key, round)
		if _, err := k.store.object(name).ComposerFrom(sources[:maxComposeSources]...).Run(ctx); err != nil {
			return "", fmt.Errorf("compose %s: %w", k.key, err)
		}
		cleanup = append(cleanup, name)
		sources = append([]*cloudstorage.ObjectHandle{k.store.object(name)}, sources[maxComposeSources:]...)
	}
	composer := final.ComposerFrom(sources...)
	composer.ContentType = "application/octet-stream"
	if _, err := composer.Run(ctx); err != nil {
		return "", fmt.Errorf("compose %s: %w", k.key, err)
	}
	k.store.deleteQuietly(ctx, cleanup...)
	k.parts = nil
	return uri, nil
}

func (k *sink) Close() error {
	return nil
}
