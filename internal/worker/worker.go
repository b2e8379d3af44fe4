// Package worker runs one attempt of a download job: extraction under the
// page domain's admission, filtering and the chunked transfer into storage.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/clock"
	"github.com/zpx01/video-scraper/internal/extract"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/policy/ratelimit"
	"github.com/zpx01/video-scraper/internal/policy/robots"
	"github.com/zpx01/video-scraper/internal/storage"
	"github.com/zpx01/video-scraper/internal/transfer"
)

// Extractor resolves a page URL into media references.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) ([]media.MediaReference, error)
}

// Limiter grants per-domain admission for extraction requests.
type Limiter interface {
	Admit(ctx context.Context, domain string) (*ratelimit.Permit, error)
	Penalize(domain string, until time.Time)
}

// Transferer performs the chunked download.
type Transferer interface {
	Fetch(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	KeyPrefix    string
	Filter       media.VideoFilter
	EnableResume bool
	// JobTimeout bounds one attempt. Zero disables it.
	JobTimeout time.Duration
}

// Deps are the collaborators of a Worker. Robots and Blocklist are optional.
type Deps struct {
	Extractor Extractor
	Limiter   Limiter
	Robots    robots.Policy
	Blocklist *media.Blocklist
	Engine    Transferer
	Storage   storage.Storage
	Clock     clock.Clock
}

// Outcome describes one attempt. MediaURL and Key are set as soon as they are
// known, even when the attempt fails, so a retry resumes into the same object.
type Outcome struct {
	MediaURL string
	Key      string
	Result   transfer.Result
}

// ChunkFunc receives each durably written chunk; chunk.End() is the new watermark.
type ChunkFunc func(ctx context.Context, chunk media.ChunkRange, total int64) error

// Worker executes job attempts. It is safe for concurrent use.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("worker: extractor is required")
	case deps.Limiter == nil:
		return nil, errors.New("worker: limiter is required")
	case deps.Engine == nil:
		return nil, errors.New("worker: transfer engine is required")
	case deps.Storage == nil:
		return nil, errors.New("worker: storage is required")
	}
	if deps.Robots == nil {
		deps.Robots = robots.AllowAll{}
	}
	deps.Clock = clock.OrSystem(deps.Clock)
	return &Worker{cfg: cfg, deps: deps, logger: logging.OrNop(logger).Named("worker")}, nil
}

// Execute runs one attempt of job. Extraction runs under a permit for the
// page's domain, released before the transfer starts; the engine admits
// each transfer request against the media host itself.
func (w *Worker) Execute(ctx context.Context, job media.Job, onChunk ChunkFunc) (Outcome, error) {
	out := Outcome{}
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, w.cfg.JobTimeout, errJobTimeout)
		defer cancel()
	}
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Int("attempt", job.Attempts))

	if err := w.deps.Blocklist.Check(job.URL); err != nil {
		return out, err
	}
	domain, err := media.Domain(job.URL)
	if err != nil {
		return out, media.Permanent("run job", err)
	}
	if err := robots.Check(ctx, w.deps.Robots, job.URL); err != nil {
		return out, err
	}

	ref, err := w.resolve(ctx, job, domain)
	if err != nil {
		return out, w.timeout(ctx, err)
	}
	out.MediaURL = ref.URL
	out.Key = w.keyFor(job, ref)
	resume := w.cfg.EnableResume && job.Watermark > 0 && job.MediaURL == ref.URL && job.Output == out.Key

	sink, err := w.deps.Storage.OpenSink(ctx, out.Key)
	if err != nil {
		return out, media.Fatal("open sink", err)
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logger.Debug("failed to close sink", zap.Error(cerr))
		}
	}()

	logger.Debug("starting transfer", zap.String("media_url", ref.URL), zap.String("key", out.Key), zap.Bool("resume", resume))
	out.Result, err = w.deps.Engine.Fetch(ctx, transfer.Request{
		JobID:     job.ID,
		URL:       ref.URL,
		Sink:      sink,
		Resume:    resume,
		Watermark: job.Watermark,
		Storage:   w.deps.Storage,
		Key:       out.Key,
		OnChunk:   onChunk,
	})
	if err != nil {
		return out, w.timeout(ctx, err)
	}
	return out, nil
}

// penalize pauses domain when extraction failed with a Retry-After.
func (w *Worker) penalize(domain string, err error) {
	if after := media.RetryAfterOf(err); after > 0 {
		w.deps.Limiter.Penalize(domain, w.deps.Clock.Now().Add(after))
	}
}

// resolve reuses the recorded media URL of a partly transferred job and
// extracts afresh otherwise. Direct media links send no extraction request
// and are not admitted.
func (w *Worker) resolve(ctx context.Context, job media.Job, domain string) (media.MediaReference, error) {
	if job.MediaURL != "" && job.Watermark > 0 {
		return media.MediaReference{URL: job.MediaURL, Format: media.Extension(job.Output)}, nil
	}
	if extract.Classify(job.URL) != extract.SiteDirect {
		permit, err := w.deps.Limiter.Admit(ctx, domain)
		if err != nil {
			return media.MediaReference{}, err
		}
		defer permit.Release()
	}
	refs, err := w.deps.Extractor.Extract(ctx, job.URL)
	if err != nil {
		w.penalize(domain, err)
		return media.MediaReference{}, err
	}
	return w.cfg.Filter.Best(refs)
}

func (w *Worker) keyFor(job media.Job, ref media.MediaReference) string {
	if job.Output != "" && job.Watermark > 0 {
		return job.Output
	}
	ext := ref.Format
	if ext == "" || strings.ContainsAny(ext, "/;") {
		ext = media.Extension(ref.URL)
	}
	if ext == "" {
		ext = "bin"
	}
	return storage.CleanKey(path.Join(w.cfg.KeyPrefix, job.ID+"."+ext))
}

var errJobTimeout = errors.New("job timeout elapsed")

// timeout turns the per-job deadline into a transient failure. Caller
// cancellation passes through untouched.
func (w *Worker) timeout(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errJobTimeout) && media.IsCancellation(err) {
		return media.Transient("run job", fmt.Errorf("%w after %s", errJobTimeout, w.cfg.JobTimeout))
	}
	return err
}
