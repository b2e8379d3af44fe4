// Package checkpoint defines the durable snapshot that lets an interrupted
// run resume without re-fetching completed work or re-visiting crawled nodes.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zpx01/video-scraper/internal/media"
)

// Version is written into every record; Decode rejects records from a newer layout.
const Version = 1

// ErrCorrupt reports a checkpoint that exists but cannot be decoded.
// Callers must surface it and never discard the record silently.
var ErrCorrupt = errors.New("checkpoint is corrupt")

// Store persists records. Load returns (nil, nil) when nothing was saved yet.
// Save must be atomic: a crash mid-save leaves the previous record intact.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Close() error
}

// Record is a snapshot of pipeline and crawler progress. Jobs are kept in
// submission order so a restore re-enqueues them in the same order.
type Record struct {
	Version int         `json:"version"`
	Seq     uint64      `json:"seq"`
	SavedAt time.Time   `json:"saved_at"`
	Jobs    []media.Job `json:"jobs"`
	Crawl   *CrawlState `json:"crawl,omitempty"`
}

// CrawlState is the crawler part of a record.
type CrawlState struct {
	Visited  []string              `json:"visited"`
	Frontier []FrontierEntry       `json:"frontier"`
	Nodes    []media.DiscoveryNode `json:"nodes"`
	Errors   int                   `json:"errors"`
}

// FrontierEntry is a discovered node that has not been expanded yet.
type FrontierEntry struct {
	ID       string `json:"id"`
	Depth    int    `json:"depth"`
	ParentID string `json:"parent_id,omitempty"`
	Edges    int    `json:"edges"`
}

// Pending returns ids that a resumed run must schedule again. Running and
// cancelled jobs count as pending.
func (r *Record) Pending() []string {
	return r.ids(func(j media.Job) bool {
		switch j.Status {
		case media.JobStatusPending, media.JobStatusRunning, media.JobStatusCancelled:
			return true
		default:
			return false
		}
	})
}

// Completed returns ids of jobs that must never run again.
func (r *Record) Completed() []string {
	return r.ids(func(j media.Job) bool { return j.Status == media.JobStatusCompleted })
}

// Failed maps failed job ids to their attempt counts.
func (r *Record) Failed() map[string]int {
	out := make(map[string]int)
	if r == nil {
		return out
	}
	for _, j := range r.Jobs {
		if j.Status == media.JobStatusFailed {
			out[j.ID] = j.Attempts
		}
	}
	return out
}

// Watermarks maps job ids to the durably written byte offset.
func (r *Record) Watermarks() map[string]int64 {
	out := make(map[string]int64)
	if r == nil {
		return out
	}
	for _, j := range r.Jobs {
		if j.Watermark > 0 {
			out[j.ID] = j.Watermark
		}
	}
	return out
}

func (r *Record) ids(keep func(media.Job) bool) []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, j := range r.Jobs {
		if keep(j) {
			out = append(out, j.ID)
		}
	}
	return out
}

// Clone returns a deep copy so the caller can keep mutating its own state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Jobs = slices.Clone(r.Jobs)
	if r.Crawl != nil {
		crawl := *r.Crawl
		crawl.Visited = slices.Clone(r.Crawl.Visited)
		crawl.Frontier = slices.Clone(r.Crawl.Frontier)
		crawl.Nodes = slices.Clone(r.Crawl.Nodes)
		out.Crawl = &crawl
	}
	return &out
}

// Encode serializes rec as indented JSON.
func Encode(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("encode checkpoint: record is nil")
	}
	if rec.Version == 0 {
		rec.Version = Version
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses data. Any failure is a fatal ErrCorrupt.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, media.Fatal("decode checkpoint", fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if rec.Version > Version {
		return nil, media.Fatal("decode checkpoint", fmt.Errorf("%w: version %d is newer than %d", ErrCorrupt, rec.Version, Version))
	}
	seen := make(map[string]struct{}, len(rec.Jobs))
	for _, j := range rec.Jobs {
		if j.ID == "" {
			return nil, media.Fatal("decode checkpoint", fmt.Errorf("%w: job without id", ErrCorrupt))
		}
		if _, dup := seen[j.ID]; dup {
			return nil, media.Fatal("decode checkpoint", fmt.Errorf("%w: duplicate job %s", ErrCorrupt, j.ID))
		}
		seen[j.ID] = struct{}{}
	}
	return &rec, nil
}

// Nop is a Store that keeps nothing.
type Nop struct{}

// Load implements Store.
func (Nop) Load(context.Context) (*Record, error) { return nil, nil }

// Save implements Store.
func (Nop) Save(context.Context, *Record) error { return nil }

// Close implements Store.
func (Nop) Close() error { return nil }
