// Package pipeline schedules download jobs onto a bounded worker pool,
// tracks their state machine and statistics, and checkpoints progress so an
// interrupted run resumes without repeating finished work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/clock"
	"github.com/zpx01/video-scraper/internal/dispatcher"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/progress"
	"github.com/zpx01/video-scraper/internal/publisher"
	"github.com/zpx01/video-scraper/internal/queue/memory"
	"github.com/zpx01/video-scraper/internal/telemetry"
	"github.com/zpx01/video-scraper/internal/transfer"
	"github.com/zpx01/video-scraper/internal/worker"
)

var (
	// ErrDuplicate is returned when a submission reuses a known job id.
	ErrDuplicate = errors.New("job already submitted")
	// ErrSealed is returned by submissions after Seal.
	ErrSealed = errors.New("pipeline is sealed")
	// ErrRunning is returned when Run is called twice concurrently.
	ErrRunning = errors.New("pipeline is already running")
	// ErrInterrupted is returned by submissions after Stop, MaxRuntime or a
	// fatal error ended Run. The job is kept pending for the next Run.
	ErrInterrupted = errors.New("pipeline interrupted")

	errStopped    = errors.New("pipeline stopped")
	errMaxRuntime = errors.New("max runtime elapsed")
)

// Executor runs one attempt of a job.
type Executor interface {
	Execute(ctx context.Context, job media.Job, onChunk worker.ChunkFunc) (worker.Outcome, error)
}

// IDGenerator mints job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes the pool and the retry policy.
type Config struct {
	Workers    int
	QueueDepth int
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	// MaxRuntime cancels in-flight jobs once elapsed. Zero disables it.
	MaxRuntime time.Duration
	// WatermarkInterval batches in-progress checkpoints. Zero saves after every chunk.
	WatermarkInterval time.Duration
	// Priority orders the queue. Nil is FIFO.
	Priority  memory.Less[media.Job]
	Blocklist *media.Blocklist
	// Topic receives a publisher.JobOutcome per terminal job when set.
	Topic string
}

// Deps are the pipeline's collaborators. Only Executor is required.
type Deps struct {
	Executor  Executor
	Journal   *checkpoint.Journal
	Publisher publisher.Publisher
	Progress  progress.Emitter
	IDs       IDGenerator
	Clock     clock.Clock
}

// Submission describes a job to create. An empty ID is generated.
type Submission struct {
	ID    string
	URL   string
	Depth int
	Edges int
}

// Stats is a point-in-time aggregate.
type Stats struct {
	Submitted       int           `json:"submitted"`
	Pending         int           `json:"pending"`
	Running         int           `json:"running"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	Retries         int64         `json:"retries"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	Elapsed         time.Duration `json:"elapsed"`
	// Throughput is bytes downloaded per second of elapsed time.
	Throughput float64 `json:"throughput_bytes_per_sec"`
}

// ticket is the queued form of a job. The job copy only feeds Priority.
type ticket struct {
	id  string
	job media.Job
}

// Pipeline owns every Job it was given. A job is mutated only by the worker
// holding its ticket, under mu.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	queue  *memory.Queue[ticket]

	mu          sync.Mutex
	jobs        map[string]*media.Job
	order       []string
	outstanding int
	sealed      bool
	running     bool
	interrupted bool
	stop        context.CancelCauseFunc
	fatal       error
	retries     int64
	bytes       int64
	startedAt   time.Time
	dirty       bool

	saveMu sync.Mutex
}

// New builds a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Executor == nil {
		return nil, errors.New("pipeline: executor is required")
	}
	cfg.Workers = max(cfg.Workers, 1)
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	if deps.Journal == nil {
		deps.Journal = checkpoint.NewJournal(checkpoint.Nop{}, nil)
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Nop{}
	}
	if deps.Progress == nil {
		deps.Progress = nopEmitter{}
	}
	if deps.IDs == nil {
		deps.IDs = &sequence{}
	}
	deps.Clock = clock.OrSystem(deps.Clock)
	var less memory.Less[ticket]
	if cfg.Priority != nil {
		less = func(a, b ticket) bool { return cfg.Priority(a.job, b.job) }
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrNop(logger).Named("pipeline"),
		queue:  memory.NewPriorityQueue(cfg.QueueDepth, less),
		jobs:   make(map[string]*media.Job),
	}, nil
}

// ByDepthThenEdges prefers shallower jobs, then jobs with more related items.
func ByDepthThenEdges(a, b media.Job) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Edges > b.Edges
}

// Submit creates a job for rawURL and queues it.
func (p *Pipeline) Submit(ctx context.Context, rawURL string) (string, error) {
	return p.SubmitJob(ctx, Submission{URL: rawURL})
}

// SubmitJob creates and queues a job. Blocked domains produce a job that is
// failed at once and never queued. It blocks while the queue is full.
func (p *Pipeline) SubmitJob(ctx context.Context, s Submission) (string, error) {
	id, err := p.submit(ctx, s)
	if err != nil && !errors.Is(err, ErrInterrupted) {
		return id, err
	}
	if serr := p.save(ctx); serr != nil {
		return id, serr
	}
	return id, err
}

// SubmitMany submits urls in order and checkpoints once. Duplicate ids are
// skipped; the first other error stops the batch. A job interrupted while
// waiting for queue space is kept and its id returned.
func (p *Pipeline) SubmitMany(ctx context.Context, urls []string) ([]string, error) {
	ids := make([]string, 0, len(urls))
	var firstErr error
	for _, u := range urls {
		id, err := p.submit(ctx, Submission{URL: u})
		if err != nil && !errors.Is(err, ErrDuplicate) {
			firstErr = err
		}
		if err == nil || errors.Is(err, ErrInterrupted) {
			ids = append(ids, id)
		}
		if firstErr != nil {
			break
		}
	}
	if err := p.save(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return ids, firstErr
}

func (p *Pipeline) submit(ctx context.Context, s Submission) (string, error) {
	rawURL := strings.TrimSpace(s.URL)
	if _, err := media.Domain(rawURL); err != nil {
		return "", media.Permanent("submit", err)
	}
	id := s.ID
	if id == "" {
		var err error
		if id, err = p.deps.IDs.NewID(); err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
	}
	now := p.deps.Clock.Now()
	job := &media.Job{
		ID:         id,
		URL:        rawURL,
		Status:     media.JobStatusPending,
		BytesTotal: media.UnknownSize,
		Depth:      s.Depth,
		Edges:      s.Edges,
		CreatedAt:  now,
	}
	blocked := p.cfg.Blocklist.Check(rawURL)

	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return "", ErrSealed
	}
	if _, exists := p.jobs[id]; exists {
		p.mu.Unlock()
		return id, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if blocked != nil {
		p.failLocked(job, blocked, now)
	} else {
		p.outstanding++
	}
	p.jobs[id] = job
	p.order = append(p.order, id)
	snapshot := *job
	queue, interrupted := p.queue, p.interrupted
	p.mu.Unlock()

	if blocked != nil {
		p.logger.Info("job rejected", zap.String("job_id", id), zap.String("url", rawURL), zap.Error(blocked))
		p.announce(ctx, snapshot, blocked)
		return id, nil
	}
	if interrupted {
		return id, fmt.Errorf("submit %s: %w", id, ErrInterrupted)
	}
	if err := queue.Enqueue(ctx, ticket{id: id, job: snapshot}); err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if errors.Is(err, memory.ErrClosed) {
			// Run ended while we waited. A reopened queue already holds the
			// job; otherwise the next Run picks it up.
			if p.queue != queue && !p.interrupted {
				return id, nil
			}
			return id, fmt.Errorf("submit %s: %w", id, ErrInterrupted)
		}
		delete(p.jobs, id)
		p.order = slices.DeleteFunc(p.order, func(v string) bool { return v == id })
		p.outstanding--
		return "", fmt.Errorf("submit %s: %w", id, err)
	}
	p.logger.Debug("job submitted", zap.String("job_id", id), zap.String("url", rawURL))
	return id, nil
}

// Seal declares that no more jobs will be submitted. Run returns once every
// submitted job has reached a terminal state.
func (p *Pipeline) Seal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = true
	p.maybeCloseLocked()
}

// Stop cancels in-flight jobs. They are recorded as cancelled with their
// partial output kept. Queued jobs stay pending with no attempt spent, and
// submitters blocked on a full queue return ErrInterrupted.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop(errStopped)
	}
}

// Run drains the queue with the worker pool. It returns nil when the
// pipeline is sealed and drained, or when Stop or MaxRuntime ended it, and
// ctx's error when ctx ended first. A checkpoint or storage failure stops
// every worker and is returned. A Run after an interrupted one requeues
// every pending job.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.cfg.MaxRuntime > 0 {
		var cancelRuntime context.CancelFunc
		runCtx, cancelRuntime = context.WithTimeoutCause(runCtx, p.cfg.MaxRuntime, errMaxRuntime)
		defer cancelRuntime()
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	p.running = true
	p.stop = cancel
	p.fatal = nil
	if p.interrupted {
		p.reopenLocked()
	}
	if p.startedAt.IsZero() {
		p.startedAt = p.deps.Clock.Now()
	}
	p.maybeCloseLocked()
	queue := p.queue
	p.mu.Unlock()

	if p.cfg.WatermarkInterval > 0 {
		go p.flushWatermarks(runCtx, p.cfg.WatermarkInterval)
	}
	p.logger.Info("pipeline started", zap.Int("workers", p.cfg.Workers), zap.Int("queued", queue.Len()))
	runErr := dispatcher.New[ticket](queue, p.cfg.Workers, p.handle, p.logger).Run(runCtx)

	p.mu.Lock()
	p.running = false
	p.stop = nil
	fatal := p.fatal
	var stranded []ticket
	if runErr != nil {
		// Wake blocked submitters. Queued jobs stay pending in p.jobs.
		p.interrupted = true
		p.queue.Close()
		stranded = p.queue.Drain()
	}
	p.mu.Unlock()
	if len(stranded) > 0 {
		p.logger.Info("queued jobs left pending", zap.Int("count", len(stranded)))
	}

	saveErr := p.save(context.WithoutCancel(ctx))
	stats := p.Stats()
	p.logger.Info("pipeline finished",
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("cancelled", stats.Cancelled),
		zap.Int("pending", stats.Pending),
		zap.Int64("bytes", stats.BytesDownloaded),
	)
	cause := context.Cause(runCtx)
	switch {
	case fatal != nil:
		return fatal
	case saveErr != nil:
		return saveErr
	case runErr == nil:
		return nil
	case errors.Is(cause, errStopped), errors.Is(cause, errMaxRuntime):
		p.logger.Info("pipeline interrupted", zap.Error(cause))
		return nil
	default:
		return fmt.Errorf("run pipeline: %w", runErr)
	}
}

// RetryFailed moves every failed job back to pending with fresh attempt
// bookkeeping. Written output is kept. It returns the number requeued; a job
// that cannot be requeued stays failed.
func (p *Pipeline) RetryFailed(ctx context.Context) (int, error) {
	p.mu.Lock()
	switch {
	case p.running:
	case p.interrupted:
		p.reopenLocked()
	case p.sealed && p.outstanding == 0:
		// A drained, sealed pipeline reopens so the retried jobs can run.
		p.sealed = false
		p.reopenLocked()
	}
	var (
		n   int
		err error
	)
	for _, id := range p.order {
		job := p.jobs[id]
		if job.Status != media.JobStatusFailed {
			continue
		}
		prev := *job
		job.Status = media.JobStatusPending
		job.Attempts = 0
		job.LastError = ""
		job.FailureKind = ""
		job.CompletedAt = nil
		job.NextEligibleAt = time.Time{}
		// Requeue ignores capacity; retried jobs were already admitted once.
		if qerr := p.queue.Requeue(ticket{id: id, job: *job}, time.Time{}); qerr != nil {
			*job = prev
			err = fmt.Errorf("retry %s: %w", id, qerr)
			break
		}
		p.outstanding++
		n++
	}
	p.mu.Unlock()

	if n > 0 {
		p.logger.Info("retrying failed jobs", zap.Int("count", n))
	}
	if serr := p.save(ctx); err == nil {
		err = serr
	}
	return n, err
}

// reopenLocked replaces the queue with a fresh one holding every pending job.
func (p *Pipeline) reopenLocked() {
	p.queue = memory.NewPriorityQueue(p.cfg.QueueDepth, p.queueLess())
	p.interrupted = false
	for _, id := range p.order {
		job := p.jobs[id]
		if job.Status != media.JobStatusPending {
			continue
		}
		// A fresh queue is open, so Requeue cannot fail.
		_ = p.queue.Requeue(ticket{id: id, job: *job}, job.NextEligibleAt)
	}
}

func (p *Pipeline) queueLess() memory.Less[ticket] {
	if p.cfg.Priority == nil {
		return nil
	}
	return func(a, b ticket) bool { return p.cfg.Priority(a.job, b.job) }
}

// handle runs one attempt of the ticket's job.
func (p *Pipeline) handle(ctx context.Context, t ticket) {
	job, ok := p.begin(t.id)
	if !ok {
		return
	}
	domain, _ := media.Domain(job.URL)
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "download",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.domain", domain),
			attribute.Int("job.attempt", job.Attempts),
		))
	defer span.End()

	p.deps.Progress.Emit(progress.Event{
		JobID: job.ID, Stage: progress.StageJobStart, Domain: domain, URL: job.URL, Attempt: job.Attempts,
	})
	started := p.deps.Clock.Now()
	out, err := p.deps.Executor.Execute(ctx, job, p.onChunk(job.ID, domain))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, media.KindOf(err).String())
	}
	span.SetAttributes(attribute.Int64("job.bytes", out.Result.Bytes))
	p.finish(ctx, job.ID, out, err, p.deps.Clock.Now().Sub(started))
}

// begin moves a pending job to running and returns a copy for the executor.
func (p *Pipeline) begin(id string) (media.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok || job.Status != media.JobStatusPending {
		return media.Job{}, false
	}
	now := p.deps.Clock.Now()
	job.Status = media.JobStatusRunning
	job.Attempts++
	job.StartedAt = &now
	job.NextEligibleAt = time.Time{}
	return *job, true
}

func (p *Pipeline) onChunk(id, domain string) worker.ChunkFunc {
	return func(ctx context.Context, chunk media.ChunkRange, total int64) error {
		p.mu.Lock()
		job := p.jobs[id]
		job.Watermark = chunk.End()
		job.BytesTransferred = chunk.End()
		job.BytesTotal = total
		job.Chunks++
		p.bytes += chunk.Length
		p.dirty = true
		p.mu.Unlock()

		p.deps.Progress.Emit(progress.Event{
			JobID: id, Stage: progress.StageChunkDone, Domain: domain,
			Bytes: chunk.Length, Watermark: chunk.End(), Total: total,
		})
		if p.cfg.WatermarkInterval > 0 {
			return nil
		}
		return p.save(ctx)
	}
}

// finish applies the state transition for one attempt.
func (p *Pipeline) finish(ctx context.Context, id string, out worker.Outcome, err error, elapsed time.Duration) {
	now := p.deps.Clock.Now()
	p.mu.Lock()
	job := p.jobs[id]
	if out.MediaURL != "" {
		job.MediaURL = out.MediaURL
	}
	if out.Key != "" {
		job.Output = out.Key
	}
	job.Elapsed += elapsed.Seconds()

	var (
		retryAt time.Time
		stage   progress.Stage
	)
	switch {
	case err == nil:
		res := out.Result
		job.Status = media.JobStatusCompleted
		job.Location = res.Location
		job.BytesTransferred = res.Bytes
		job.BytesTotal = res.Bytes
		job.Watermark = res.Bytes
		job.SHA256 = res.SHA256
		job.Resumed = job.Resumed || res.Resumed
		job.LastError, job.FailureKind = "", ""
		job.CompletedAt = &now
		p.outstanding--
		stage = progress.StageJobDone
	case ctx.Err() != nil && media.IsCancellation(err):
		job.Status = media.JobStatusCancelled
		job.LastError = err.Error()
		p.outstanding--
		stage = progress.StageJobCancelled
	case media.KindOf(err) == media.KindFatal:
		// Not the job's fault: it stays resumable and the run stops.
		job.Status = media.JobStatusPending
		job.LastError = err.Error()
		if p.fatal == nil {
			p.fatal = err
		}
		if p.stop != nil {
			p.stop(err)
		}
		stage = progress.StageJobError
	case media.IsRetryable(err) && job.Attempts <= p.cfg.MaxRetries:
		delay := max(transfer.Backoff(p.cfg.RetryDelay, p.cfg.RetryMaxDelay, job.Attempts-1), media.RetryAfterOf(err))
		retryAt = now.Add(delay)
		job.Status = media.JobStatusPending
		job.LastError = err.Error()
		job.FailureKind = media.KindOf(err).String()
		job.NextEligibleAt = retryAt
		p.retries++
		stage = progress.StageJobRetry
	default:
		p.failLocked(job, err, now)
		p.outstanding--
		stage = progress.StageJobError
	}
	snapshot := *job
	queue := p.queue
	p.maybeCloseLocked()
	p.mu.Unlock()

	logger := p.logger.With(zap.String("job_id", id), zap.String("url", snapshot.URL), zap.Int("attempt", snapshot.Attempts))
	switch stage {
	case progress.StageJobRetry:
		logger.Warn("job failed; retrying", zap.Time("next_eligible_at", retryAt), zap.Error(err))
		if qerr := queue.Requeue(ticket{id: id, job: snapshot}, retryAt); qerr != nil {
			logger.Error("requeue failed", zap.Error(qerr))
		}
		p.deps.Progress.Emit(progress.Event{
			JobID: id, Stage: stage, URL: snapshot.URL, Attempt: snapshot.Attempts,
			Kind: snapshot.FailureKind, Note: snapshot.LastError,
		})
	case progress.StageJobDone:
		logger.Info("job completed", zap.Int64("bytes", snapshot.BytesTransferred), zap.Bool("resumed", snapshot.Resumed))
		p.announce(ctx, snapshot, nil)
	case progress.StageJobCancelled:
		logger.Info("job cancelled", zap.Int64("watermark", snapshot.Watermark))
		p.announce(ctx, snapshot, err)
	default:
		logger.Error("job failed", zap.String("kind", media.KindOf(err).String()), zap.Error(err))
		if snapshot.Status == media.JobStatusFailed {
			p.announce(ctx, snapshot, err)
		}
	}
	if stage != progress.StageJobRetry || p.cfg.WatermarkInterval == 0 {
		if serr := p.save(context.WithoutCancel(ctx)); serr != nil {
			p.escalate(serr)
		}
	}
}

func (p *Pipeline) failLocked(job *media.Job, err error, now time.Time) {
	job.Status = media.JobStatusFailed
	job.LastError = err.Error()
	job.FailureKind = media.KindOf(err).String()
	job.CompletedAt = &now
}

// announce emits the terminal event, records metrics and publishes the outcome.
func (p *Pipeline) announce(ctx context.Context, job media.Job, err error) {
	stage := progress.StageJobDone
	switch job.Status {
	case media.JobStatusFailed:
		stage = progress.StageJobError
	case media.JobStatusCancelled:
		stage = progress.StageJobCancelled
	}
	evt := progress.Event{
		JobID: job.ID, Stage: stage, URL: job.URL, Attempt: job.Attempts,
		Bytes: job.BytesTransferred, Total: job.BytesTotal,
		Dur: time.Duration(job.Elapsed * float64(time.Second)),
	}
	if err != nil {
		evt.Kind = media.KindOf(err).String()
		evt.Note = err.Error()
	}
	p.deps.Progress.Emit(evt)
	metrics.ObserveJob(string(job.Status))

	if p.cfg.Topic == "" || job.Status == media.JobStatusCancelled {
		return
	}
	msgID, perr := p.deps.Publisher.Publish(context.WithoutCancel(ctx), p.cfg.Topic, publisher.OutcomeOf(job, p.deps.Clock.Now()))
	if perr != nil {
		p.logger.Warn("publish outcome failed", zap.String("job_id", job.ID), zap.Error(perr))
		return
	}
	p.logger.Debug("published outcome", zap.String("job_id", job.ID), zap.String("message_id", msgID))
}

// maybeCloseLocked closes the queue once a sealed pipeline has no job left to run.
func (p *Pipeline) maybeCloseLocked() {
	if p.sealed && p.outstanding == 0 {
		p.queue.Close()
	}
}

func (p *Pipeline) escalate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal == nil {
		p.fatal = err
	}
	if p.stop != nil {
		p.stop(err)
	}
}

// flushWatermarks saves in-progress watermarks on a fixed cadence.
func (p *Pipeline) flushWatermarks(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			dirty := p.dirty
			p.mu.Unlock()
			if !dirty {
				continue
			}
			if err := p.save(ctx); err != nil && ctx.Err() == nil {
				p.escalate(err)
				return
			}
		}
	}
}

// save writes the pipeline's part of the checkpoint. Running jobs are
// recorded as pending so a persisted record never holds a running job.
func (p *Pipeline) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	p.mu.Lock()
	jobs := make([]media.Job, 0, len(p.order))
	for _, id := range p.order {
		job := *p.jobs[id]
		if job.Status == media.JobStatusRunning {
			job.Status = media.JobStatusPending
		}
		jobs = append(jobs, job)
	}
	p.dirty = false
	p.mu.Unlock()
	if err := p.deps.Journal.SaveJobs(ctx, jobs); err != nil {
		return media.Fatal("checkpoint jobs", err)
	}
	return nil
}

// Job returns a copy of the job with id.
func (p *Pipeline) Job(id string) (media.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return media.Job{}, false
	}
	return *job, true
}

// Stats returns a point-in-time aggregate.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Submitted:       len(p.order),
		Retries:         p.retries,
		BytesDownloaded: p.bytes,
		StartedAt:       p.startedAt,
	}
	for _, job := range p.jobs {
		switch job.Status {
		case media.JobStatusPending:
			s.Pending++
		case media.JobStatusRunning:
			s.Running++
		case media.JobStatusCompleted:
			s.Completed++
		case media.JobStatusFailed:
			s.Failed++
		case media.JobStatusCancelled:
			s.Cancelled++
		}
	}
	if !p.startedAt.IsZero() {
		s.Elapsed = p.deps.Clock.Now().Sub(p.startedAt)
		if secs := s.Elapsed.Seconds(); secs > 0 {
			s.Throughput = float64(s.BytesDownloaded) / secs
		}
	}
	return s
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

// sequence numbers jobs when no generator is configured.
type sequence struct {
	mu sync.Mutex
	n  int
}

func (s *sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}
