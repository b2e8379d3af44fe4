// Package file stores checkpoints as JSON files swapped in atomically.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
)

// ErrLocked reports a checkpoint already owned by another process.
var ErrLocked = errors.New("checkpoint is locked by another process")

// Owner is written into the lock directory.
type Owner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps one record at Path. Saves write Path+".tmp", fsync it, then
// rename over Path, so readers see either the old or the new record.
type Store struct {
	path   string
	lock   string
	logger *zap.Logger
	now    func() time.Time
}

var _ checkpoint.Store = (*Store)(nil)

// Open creates the parent directory and takes the lock at path+".lock".
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve checkpoint path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	s := &Store{
		path:   abs,
		lock:   abs + ".lock",
		logger: logging.OrNop(logger).Named("checkpoint"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) acquire() error {
	if err := os.Mkdir(s.lock, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			owner, readErr := ReadOwner(s.path)
			if readErr != nil {
				return fmt.Errorf("%w: %s", ErrLocked, s.lock)
			}
			return fmt.Errorf("%w: pid %d on %s since %s", ErrLocked, owner.PID, owner.Hostname, owner.CreatedAt.Format(time.RFC3339))
		}
		return fmt.Errorf("create checkpoint lock: %w", err)
	}
	host, _ := os.Hostname()
	data, err := json.Marshal(Owner{PID: os.Getpid(), Hostname: host, CreatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("encode lock owner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.lock, "owner.json"), data, 0o644); err != nil {
		_ = os.RemoveAll(s.lock)
		return fmt.Errorf("write lock owner: %w", err)
	}
	return nil
}

// ReadOwner reports who holds the lock for the checkpoint at path.
func ReadOwner(path string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(filepath.Join(path+".lock", "owner.json"))
	if err != nil {
		return owner, fmt.Errorf("read lock owner: %w", err)
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("decode lock owner: %w", err)
	}
	return owner, nil
}

// Load implements checkpoint.Store. A missing file is not an error; an
// unreadable or undecodable one is fatal.
func (s *Store) Load(_ context.Context) (*checkpoint.Record, error) {
	return ReadFile(s.path)
}

// ReadFile loads a checkpoint without taking the lock, for read-only use.
func ReadFile(path string) (*checkpoint.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, media.Fatal("load checkpoint", err)
	}
	return checkpoint.Decode(data)
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, rec *checkpoint.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now()
	}
	data, err := checkpoint.Encode(rec)
	if err != nil {
		return media.Fatal("save checkpoint", err)
	}
	tmp := s.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return media.Fatal("save checkpoint", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return media.Fatal("save checkpoint", fmt.Errorf("swap checkpoint: %w", err))
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("failed to sync checkpoint dir", zap.Error(err))
	}
	s.logger.Debug("checkpoint saved", zap.Uint64("seq", rec.Seq), zap.Int("jobs", len(rec.Jobs)))
	return nil
}

// Close releases the lock. The checkpoint file itself is kept.
func (s *Store) Close() error {
	if err := os.RemoveAll(s.lock); err != nil {
		return fmt.Errorf("release checkpoint lock: %w", err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
