package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/pipeline"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	submitTimeout   = 5 * time.Second
	requestTimeout  = 60 * time.Second
)

// Service is the pipeline surface the server drives.
type Service interface {
	Submit(ctx context.Context, rawURL string) (string, error)
	Job(id string) (media.Job, bool)
	Jobs() iter.Seq[media.Job]
	RetryFailed(ctx context.Context) (int, error)
	Stats() pipeline.Stats
	ExportResults(w io.Writer, format string) error
}

// Options tune the server.
type Options struct {
	// APIKey guards /v1 routes when set.
	APIKey string
	// Ready reports whether dependencies are usable. Nil is always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router chi.Router
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logging.OrNop(logger).Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJobs)
			r.Get("/", s.listJobs)
			r.Post("/retry-failed", s.retryFailed)
			r.Get("/{job_id}", s.getJob)
		})
		r.Get("/stats", s.stats)
		r.Get("/results", s.results)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

func (s *Server) submitJobs(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "url or urls required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		id, err := s.svc.Submit(ctx, u)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, pipeline.ErrSealed), errors.Is(err, pipeline.ErrInterrupted), errors.Is(err, context.DeadlineExceeded):
				status = http.StatusServiceUnavailable
			case media.KindOf(err) == media.KindPermanent:
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]any{"error": err.Error(), "job_ids": ids})
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jq, err := parseJobQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs := make([]media.Job, 0, jq.limit)
	total := 0
	for job := range s.svc.Jobs() {
		if !jq.matches(job) {
			continue
		}
		if jq.inPage(total) {
			jobs = append(jobs, job)
		}
		total++
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.svc.Job(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "progress": job.Progress()})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RetryFailed(r.Context())
	if err != nil {
		s.logger.Error("retry failed jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to requeue jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = pipeline.FormatJSON
	}
	switch format {
	case pipeline.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case pipeline.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}
	if err := s.svc.ExportResults(w, format); err != nil {
		s.logger.Error("export results", zap.Error(err))
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
