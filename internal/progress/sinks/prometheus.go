package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/progress"
)

// PrometheusSink derives per-run collectors from progress events. It owns
// its collectors so several pipelines can register against separate registries.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRetries   *prometheus.CounterVec
	jobRuntime   *prometheus.HistogramVec
	chunkBytes   *prometheus.CounterVec
	nodes        *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_progress_jobs_started_total",
			Help: "Job attempts that have started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_progress_jobs_running",
			Help: "Jobs currently held by a worker.",
		}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_job_retries_total",
			Help: "Jobs requeued after a retryable failure, by failure kind.",
		}, []string{"kind"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_progress_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		chunkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_chunk_bytes_total",
			Help: "Bytes durably written per domain.",
		}, []string{"domain"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_progress_nodes_recorded_total",
			Help: "Discovery nodes recorded, by depth bucket.",
		}, []string{"depth"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRetries,
		s.jobRuntime,
		s.chunkBytes,
		s.nodes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobRetry:
		s.jobRetries.WithLabelValues(labelOr(evt.Kind, "unknown")).Inc()
		s.release(evt.JobID)
	case progress.StageJobDone:
		s.finish(evt, "success")
	case progress.StageJobError:
		s.finish(evt, "error")
	case progress.StageJobCancelled:
		s.finish(evt, "cancelled")
	case progress.StageChunkDone:
		s.chunkBytes.WithLabelValues(metrics.SanitizeDomain(evt.Domain)).Add(float64(evt.Bytes))
	case progress.StageNodeRecorded:
		s.nodes.WithLabelValues(depthBucket(evt.Depth)).Inc()
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	s.release(evt.JobID)
}

func (s *PrometheusSink) release(jobID string) {
	if s.tracker.complete(jobID) {
		s.jobsRunning.Dec()
	}
}

func labelOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func depthBucket(depth int) string {
	switch {
	case depth <= 0:
		return "0"
	case depth == 1:
		return "1"
	case depth <= 3:
		return "2-3"
	default:
		return "4+"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
