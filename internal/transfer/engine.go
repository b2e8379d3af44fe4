// Package transfer performs single resumable, chunked downloads into a storage.Sink.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/hash/sha256"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/policy/ratelimit"
	"github.com/zpx01/video-scraper/internal/storage"
)

// DefaultChunkSize is used when Config.ChunkSize is not positive.
const DefaultChunkSize int64 = 8 * 1024 * 1024

// Config tunes the engine. Zero values fall back to safe defaults.
type Config struct {
	ChunkSize      int64
	MaxRetries     int
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	RequestTimeout time.Duration
	// MaxFileSize aborts transfers whose total exceeds it. Zero is unlimited.
	MaxFileSize    int64
	EnableResume   bool
	UserAgent      string
	VerifyChecksum bool
	// Gate admits every request against its host's budget. Nil admits freely.
	Gate Gate
}

// Gate grants per-host admission. *ratelimit.Limiter implements it.
type Gate interface {
	Admit(ctx context.Context, domain string) (*ratelimit.Permit, error)
	Penalize(domain string, until time.Time)
}

// Request describes one transfer.
type Request struct {
	JobID string
	URL   string
	Sink  storage.Sink
	// Resume marks Watermark as a durably recorded high-water mark.
	Resume    bool
	Watermark int64
	// Storage and Key let the engine read the committed object back for hashing.
	Storage storage.Storage
	Key     string
	// OnChunk is called after each chunk is durably written. chunk.End() is
	// the new watermark; total is -1 when unknown. An error aborts the transfer.
	OnChunk func(ctx context.Context, chunk media.ChunkRange, total int64) error
}

// Result summarizes a completed transfer.
type Result struct {
	URL         string        `json:"url"`
	Location    string        `json:"location"`
	Bytes       int64         `json:"bytes"`
	StartOffset int64         `json:"start_offset"`
	Chunks      int           `json:"chunks"`
	Resumed     bool          `json:"resumed"`
	SHA256      string        `json:"sha256,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	// AvgSpeed is bytes fetched in this run per second.
	AvgSpeed float64 `json:"avg_speed_bytes_per_sec"`
}

// Engine downloads resources chunk by chunk. Each HTTP request it sends,
// size discovery included, holds its own permit from Config.Gate for the
// request's host until the response body is consumed.
type Engine struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds an Engine. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		cfg:    cfg,
		client: client,
		logger: logging.OrNop(logger).Named("transfer"),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// classify maps a round-trip error. A deadline hit while ctx is still live is
// the per-request timeout and counts as transient.
func (e *Engine) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil && media.IsCancellation(err) {
		return media.Transient(op, fmt.Errorf("request timed out: %v", err))
	}
	return media.ClassifyTransport(op, err)
}

// admit waits for rawURL's host to accept another request. release must be
// called once the response body is done with.
func (e *Engine) admit(ctx context.Context, rawURL string) (release func(), err error) {
	if e.cfg.Gate == nil {
		return func() {}, nil
	}
	domain, err := media.Domain(rawURL)
	if err != nil {
		return nil, media.Permanent("admit", err)
	}
	permit, err := e.cfg.Gate.Admit(ctx, domain)
	if err != nil {
		return nil, err
	}
	return permit.Release, nil
}

// backOff pauses rawURL's host when err carries a Retry-After.
func (e *Engine) backOff(rawURL string, err error) {
	after := media.RetryAfterOf(err)
	if e.cfg.Gate == nil || after <= 0 {
		return
	}
	if domain, derr := media.Domain(rawURL); derr == nil {
		e.cfg.Gate.Penalize(domain, time.Now().Add(after))
	}
}

func (e *Engine) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	return req, nil
}

// Fetch transfers req.URL into req.Sink, resuming from the recorded watermark
// when the server supports ranges. Bytes already written are preserved on
// failure so a later Fetch restarts at the failed chunk.
func (e *Engine) Fetch(ctx context.Context, req Request) (Result, error) {
	if req.Sink == nil {
		return Result{}, media.Permanent("fetch", errors.New("sink is required"))
	}
	started := time.Now()
	logger := e.logger.With(zap.String("job_id", req.JobID), zap.String("url", req.URL))

	probe, err := e.Probe(ctx, req.URL)
	if err != nil {
		return Result{}, err
	}
	if e.cfg.MaxFileSize > 0 && probe.Size > e.cfg.MaxFileSize {
		return Result{}, media.Resource("fetch", fmt.Errorf("%w: %d > %d bytes", media.ErrTooLarge, probe.Size, e.cfg.MaxFileSize))
	}

	run := &run{engine: e, req: req, logger: logger, buf: make([]byte, e.cfg.ChunkSize)}
	if probe.AcceptsRanges && probe.Size >= 0 {
		err = run.ranged(ctx, probe.Size)
	} else {
		logger.Info("server does not support ranges; streaming from offset 0")
		err = run.streamed(ctx, probe.Size)
	}
	if err != nil {
		return Result{}, err
	}

	location, err := req.Sink.Commit(ctx)
	if err != nil {
		return Result{}, sinkError("commit", err)
	}

	result := Result{
		URL:         req.URL,
		Location:    location,
		Bytes:       run.written,
		StartOffset: run.start,
		Chunks:      run.chunks,
		Resumed:     run.start > 0,
		Elapsed:     time.Since(started),
	}
	if secs := result.Elapsed.Seconds(); secs > 0 {
		result.AvgSpeed = float64(run.written-run.start) / secs
	}
	if e.cfg.VerifyChecksum && req.Storage != nil && req.Key != "" {
		digest, err := e.checksum(ctx, req.Storage, req.Key, run.written)
		if err != nil {
			return Result{}, err
		}
		result.SHA256 = digest
	}
	logger.Info("transfer complete",
		zap.Int64("bytes", result.Bytes),
		zap.Int("chunks", result.Chunks),
		zap.Bool("resumed", result.Resumed),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (e *Engine) checksum(ctx context.Context, store storage.Storage, key string, want int64) (string, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return "", sinkError("verify", err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			e.logger.Debug("failed to close stored object", zap.Error(cerr))
		}
	}()
	sum, err := sha256.Sum(rc)
	if err != nil {
		return "", sinkError("verify", err)
	}
	if sum.Size != want {
		return "", media.Permanent("verify", fmt.Errorf("%w: stored %d bytes, expected %d", media.ErrChunkVerification, sum.Size, want))
	}
	return sum.Hex, nil
}

// sinkError escalates storage failures. A full disk fails only the job.
func sinkError(op string, err error) error {
	if media.IsCancellation(err) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return media.Resource(op, err)
	}
	return media.Fatal(op, err)
}

// run carries the state of one Fetch.
type run struct {
	engine  *Engine
	req     Request
	logger  *zap.Logger
	buf     []byte
	start   int64
	written int64
	chunks  int
}

// resumeOffset decides where a ranged transfer restarts and trims the sink to it.
func (r *run) resumeOffset(ctx context.Context, total int64) (int64, error) {
	sink := r.req.Sink
	start := int64(0)
	if r.engine.cfg.EnableResume && r.req.Resume {
		start = min(r.req.Watermark, sink.Size())
		if start < 0 || start > total {
			start = 0
		}
	}
	if err := sink.Truncate(ctx, start); err != nil {
		return 0, sinkError("truncate", err)
	}
	return start, nil
}

func (r *run) ranged(ctx context.Context, total int64) error {
	start, err := r.resumeOffset(ctx, total)
	if err != nil {
		return err
	}
	r.start, r.written = start, start
	if start > 0 {
		r.logger.Info("resuming transfer", zap.Int64("offset", start), zap.Int64("total", total))
	}

	for _, chunk := range media.Partition(start, total, r.engine.cfg.ChunkSize) {
		data, err := r.fetchChunk(ctx, chunk)
		if err != nil {
			return err
		}
		if err := r.commitChunk(ctx, data, total); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) commitChunk(ctx context.Context, data []byte, total int64) error {
	if err := r.req.Sink.WriteAt(ctx, data, r.written); err != nil {
		return sinkError("write", err)
	}
	chunk := media.ChunkRange{Offset: r.written, Length: int64(len(data))}
	r.written = chunk.End()
	r.chunks++
	metrics.ObserveChunk(r.req.URL, true, chunk.Length)
	if r.req.OnChunk != nil {
		if err := r.req.OnChunk(ctx, chunk, total); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk retries transient failures with exponential backoff; permanent
// failures return at once without spending retry budget.
func (r *run) fetchChunk(ctx context.Context, chunk media.ChunkRange) ([]byte, error) {
	cfg := r.engine.cfg
	for attempt := 0; ; attempt++ {
		data, err := r.getRange(ctx, chunk)
		if err == nil {
			return data, nil
		}
		r.engine.backOff(r.req.URL, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !media.IsRetryable(err) || attempt >= cfg.MaxRetries {
			return nil, err
		}
		metrics.ObserveChunk(r.req.URL, false, 0)
		delay := Backoff(cfg.RetryDelay, cfg.RetryMaxDelay, attempt)
		if after := media.RetryAfterOf(err); after > 0 {
			delay = max(delay, after)
		}
		r.logger.Warn("chunk failed; retrying",
			zap.Int64("offset", chunk.Offset),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.engine.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (r *run) getRange(ctx context.Context, chunk media.ChunkRange) ([]byte, error) {
	release, err := r.engine.admit(ctx, r.req.URL)
	if err != nil {
		return nil, err
	}
	defer release()
	reqCtx, cancel := r.engine.requestContext(ctx)
	defer cancel()
	req, err := r.engine.newRequest(reqCtx, http.MethodGet, r.req.URL)
	if err != nil {
		return nil, media.Permanent("get range", err)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(chunk.Offset, 10)+"-"+strconv.FormatInt(chunk.Last(), 10))
	resp, err := r.engine.client.Do(req)
	if err != nil {
		return nil, r.engine.classify(ctx, "get range", err)
	}
	defer r.engine.discard(resp)

	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return nil, media.Permanent("get range", fmt.Errorf("%w: server ignored range %d-%d", media.ErrMalformedRange, chunk.Offset, chunk.Last()))
		}
		return nil, media.ClassifyStatus("get range", resp)
	}
	first, last, _, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, media.Permanent("get range", err)
	}
	if first != chunk.Offset || last != chunk.Last() {
		return nil, media.Permanent("get range", fmt.Errorf("%w: got %d-%d, want %d-%d", media.ErrMalformedRange, first, last, chunk.Offset, chunk.Last()))
	}

	buf := r.buf[:chunk.Length]
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, media.Transient("get range", fmt.Errorf("%w: read %d of %d bytes: %v", media.ErrChunkVerification, n, chunk.Length, err))
	}
	var extra [1]byte
	if m, _ := resp.Body.Read(extra[:]); m > 0 {
		return nil, media.Permanent("get range", fmt.Errorf("%w: body longer than %d bytes", media.ErrChunkVerification, chunk.Length))
	}
	return buf, nil
}

// streamed handles servers without range support: any partial data is
// discarded and the body is written from offset 0 in chunk-sized pieces.
func (r *run) streamed(ctx context.Context, total int64) error {
	cfg := r.engine.cfg
	for attempt := 0; ; attempt++ {
		if err := r.req.Sink.Truncate(ctx, 0); err != nil {
			return sinkError("truncate", err)
		}
		r.start, r.written, r.chunks = 0, 0, 0
		err := r.streamOnce(ctx, total)
		if err == nil {
			return nil
		}
		r.engine.backOff(r.req.URL, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !media.IsRetryable(err) || attempt >= cfg.MaxRetries {
			return err
		}
		delay := max(Backoff(cfg.RetryDelay, cfg.RetryMaxDelay, attempt), media.RetryAfterOf(err))
		r.logger.Warn("stream failed; restarting", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if err := r.engine.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *run) streamOnce(ctx context.Context, total int64) error {
	release, err := r.engine.admit(ctx, r.req.URL)
	if err != nil {
		return err
	}
	defer release()
	req, err := r.engine.newRequest(ctx, http.MethodGet, r.req.URL)
	if err != nil {
		return media.Permanent("stream", err)
	}
	resp, err := r.engine.client.Do(req)
	if err != nil {
		return media.ClassifyTransport("stream", err)
	}
	defer r.engine.discard(resp)
	if resp.StatusCode != http.StatusOK {
		return media.ClassifyStatus("stream", resp)
	}
	limit := r.engine.cfg.MaxFileSize
	for {
		n, readErr := io.ReadFull(resp.Body, r.buf)
		if n > 0 {
			if limit > 0 && r.written+int64(n) > limit {
				return media.Resource("stream", fmt.Errorf("%w: exceeded %d bytes", media.ErrTooLarge, limit))
			}
			if err := r.commitChunk(ctx, r.buf[:n], total); err != nil {
				return err
			}
		}
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			if total >= 0 && r.written != total {
				return media.Transient("stream", fmt.Errorf("%w: got %d of %d bytes", media.ErrChunkVerification, r.written, total))
			}
			return nil
		default:
			return media.ClassifyTransport("stream", readErr)
		}
	}
}
