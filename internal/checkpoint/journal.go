package checkpoint

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zpx01/video-scraper/internal/media"
)

// Journal is the single writer of a Store. The pipeline and the crawler each
// hand it their part of the state; every save writes the merged record with
// a strictly increasing sequence number.
type Journal struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	seq   uint64
	jobs  []media.Job
	crawl *CrawlState
	saves int
}

// NewJournal wraps store. base is the record loaded at startup, if any; its
// parts are carried forward until their owner saves a newer snapshot.
func NewJournal(store Store, base *Record) *Journal {
	if store == nil {
		store = Nop{}
	}
	j := &Journal{store: store, now: func() time.Time { return time.Now().UTC() }}
	if base != nil {
		b := base.Clone()
		j.seq = b.Seq
		j.jobs = b.Jobs
		j.crawl = b.Crawl
	}
	return j
}

// SaveJobs replaces the pipeline part and persists the record.
func (j *Journal) SaveJobs(ctx context.Context, jobs []media.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = slices.Clone(jobs)
	return j.flush(ctx)
}

// SaveCrawl replaces the crawler part and persists the record.
func (j *Journal) SaveCrawl(ctx context.Context, crawl *CrawlState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.crawl = (&Record{Crawl: crawl}).Clone().Crawl
	return j.flush(ctx)
}

// Snapshot returns a copy of the last merged record.
func (j *Journal) Snapshot() *Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record().Clone()
}

// Saves reports how many records were written.
func (j *Journal) Saves() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saves
}

func (j *Journal) record() *Record {
	return &Record{Version: Version, Seq: j.seq, SavedAt: j.now(), Jobs: j.jobs, Crawl: j.crawl}
}

func (j *Journal) flush(ctx context.Context) error {
	j.seq++
	if err := j.store.Save(ctx, j.record()); err != nil {
		return fmt.Errorf("save checkpoint %d: %w", j.seq, err)
	}
	j.saves++
	return nil
}
