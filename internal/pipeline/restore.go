package pipeline

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/media"
)

// Restore loads the jobs of a previous run. Completed and permanently failed
// jobs are kept as history. Pending, running and cancelled jobs are queued
// again with their watermarks, as are transient failures that still have
// retry budget. It must be called before Run.
func (p *Pipeline) Restore(ctx context.Context, rec *checkpoint.Record) (int, error) {
	if rec == nil {
		return 0, nil
	}
	var tickets []ticket
	p.mu.Lock()
	for _, saved := range rec.Jobs {
		if _, exists := p.jobs[saved.ID]; exists {
			continue
		}
		job := saved
		switch {
		case job.Status == media.JobStatusRunning, job.Status == media.JobStatusCancelled:
			job.Status = media.JobStatusPending
		case job.Status == media.JobStatusFailed &&
			job.FailureKind == media.KindTransient.String() &&
			job.Attempts <= p.cfg.MaxRetries:
			job.Status = media.JobStatusPending
			job.CompletedAt = nil
		}
		if job.Status == media.JobStatusPending {
			job.NextEligibleAt = time.Time{}
			p.outstanding++
			tickets = append(tickets, ticket{id: job.ID, job: job})
		}
		p.jobs[job.ID] = &job
		p.order = append(p.order, job.ID)
	}
	queue := p.queue
	p.mu.Unlock()

	for _, t := range tickets {
		if err := queue.Requeue(t, time.Time{}); err != nil {
			return 0, fmt.Errorf("restore %s: %w", t.id, err)
		}
	}
	p.logger.Info("restored checkpoint",
		zap.Uint64("seq", rec.Seq),
		zap.Int("jobs", len(rec.Jobs)),
		zap.Int("resumable", len(tickets)),
	)
	return len(tickets), nil
}

// Jobs yields a snapshot of every job in submission order. Each call to the
// returned sequence takes a fresh snapshot.
func (p *Pipeline) Jobs() iter.Seq[media.Job] {
	return func(yield func(media.Job) bool) {
		for _, job := range p.snapshot() {
			if !yield(job) {
				return
			}
		}
	}
}

func (p *Pipeline) snapshot() []media.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := make([]media.Job, 0, len(p.order))
	for _, id := range p.order {
		jobs = append(jobs, *p.jobs[id])
	}
	return jobs
}
