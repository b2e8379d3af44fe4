package app_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpx01/video-scraper/internal/app"
	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/config"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/publisher"
	"github.com/zpx01/video-scraper/internal/storage/memory"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Scraper.RespectRobots = false
	cfg.Scraper.RateLimitPerSecond = 0
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts app.Options) *app.App {
	t.Helper()
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	a, err := app.New(context.Background(), cfg, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNew_Success(t *testing.T) {
	t.Parallel()

	a := newApp(t, baseConfig(t), app.Options{})
	assert.NotNil(t, a.Logger)
	assert.IsType(t, &memory.BlobStore{}, a.Storage)
	assert.IsType(t, checkpoint.Nop{}, a.Checkpoints)
	assert.IsType(t, publisher.Nop{}, a.Publisher)
	assert.Nil(t, a.Record)
	assert.NotNil(t, a.Pipeline)
	assert.NotNil(t, a.Worker)
	assert.NoError(t, a.Ready(context.Background()))
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "bad proxy", mutate: func(c *config.Config) { c.Scraper.ProxyURL = "::not a url" }, want: "proxy_url"},
		{name: "unknown storage", mutate: func(c *config.Config) { c.Storage.Backend = "s3" }, want: "unknown storage backend"},
		{name: "unknown checkpoint", mutate: func(c *config.Config) { c.Checkpoint.Backend = "redis" }, want: "unknown checkpoint backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t)
			tt.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNew_CorruptCheckpointIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	cfg := baseConfig(t)
	cfg.Checkpoint.Backend = "file"
	cfg.Checkpoint.Path = path
	_, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "{not json", string(data), "a corrupt checkpoint must be left in place")
}

// memoryCheckpoints is a checkpoint.Store that keeps the last record.
type memoryCheckpoints struct {
	rec     *checkpoint.Record
	pingErr error
}

func (m *memoryCheckpoints) Load(context.Context) (*checkpoint.Record, error) { return m.rec.Clone(), nil }
func (m *memoryCheckpoints) Save(_ context.Context, rec *checkpoint.Record) error {
	m.rec = rec.Clone()
	return nil
}
func (m *memoryCheckpoints) Close() error               { return nil }
func (m *memoryCheckpoints) Ping(context.Context) error { return m.pingErr }

func TestNew_RestoresCheckpoint(t *testing.T) {
	t.Parallel()

	store := &memoryCheckpoints{rec: &checkpoint.Record{
		Version: checkpoint.Version,
		Seq:     7,
		Jobs: []media.Job{
			{ID: "done", URL: "https://cdn.example.com/a.mp4", Status: media.JobStatusCompleted},
			{ID: "partial", URL: "https://cdn.example.com/b.mp4", Status: media.JobStatusRunning, Watermark: 2048},
		},
		Crawl: &checkpoint.CrawlState{
			Visited:  []string{"dQw4w9WgXcQ"},
			Nodes:    []media.DiscoveryNode{{VideoID: "dQw4w9WgXcQ", RelatedIDs: []string{"9bZkp7q19f0"}}},
			Frontier: []checkpoint.FrontierEntry{{ID: "9bZkp7q19f0", Depth: 1, ParentID: "dQw4w9WgXcQ"}},
		},
	}}
	a := newApp(t, baseConfig(t), app.Options{Checkpoints: store})

	require.NotNil(t, a.Record)
	assert.Equal(t, uint64(7), a.Record.Seq)
	stats := a.Pipeline.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
	job, ok := a.Pipeline.Job("partial")
	require.True(t, ok)
	assert.Equal(t, media.JobStatusPending, job.Status)
	assert.Equal(t, int64(2048), job.Watermark)

	c, err := a.NewCrawler(a.Config.Crawler)
	require.NoError(t, err)
	cs := c.Stats()
	assert.Equal(t, 1, cs.Recorded)
	assert.Equal(t, 1, cs.Frontier)
	assert.Equal(t, 2, cs.Discovered)
}

func TestReady_ReportsCheckpointBackend(t *testing.T) {
	t.Parallel()

	store := &memoryCheckpoints{pingErr: errors.New("connection refused")}
	a := newApp(t, baseConfig(t), app.Options{Checkpoints: store})
	require.ErrorContains(t, a.Ready(context.Background()), "connection refused")
}

func TestPipeline_DownloadsDirectMedia(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	cfg := baseConfig(t)
	cfg.Scraper.ChunkSizeBytes = 1024
	store := &memoryCheckpoints{}
	a := newApp(t, cfg, app.Options{Checkpoints: store, HTTPClient: srv.Client()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := a.Pipeline.Submit(ctx, srv.URL+"/media/clip.mp4")
	require.NoError(t, err)
	a.Pipeline.Seal()
	require.NoError(t, a.Pipeline.Run(ctx))

	job, ok := a.Pipeline.Job(id)
	require.True(t, ok)
	require.Equal(t, media.JobStatusCompleted, job.Status, job.LastError)
	assert.Equal(t, int64(len(payload)), job.BytesTransferred)

	blobs, ok := a.Storage.(*memory.BlobStore)
	require.True(t, ok)
	got, ok := blobs.Bytes(job.Output)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	require.NotNil(t, store.rec)
	require.Len(t, store.rec.Jobs, 1)
	assert.Equal(t, media.JobStatusCompleted, store.rec.Jobs[0].Status)
}

func TestPipeline_SpacesRequestsAcrossWorkers(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 100)
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	cfg := baseConfig(t)
	cfg.Scraper.ChunkSizeBytes = 1024
	cfg.Scraper.MaxConcurrentDownloads = 3
	cfg.Scraper.MaxRequestsPerDomain = 3
	cfg.Scraper.RateLimitPerSecond = 10
	a := newApp(t, cfg, app.Options{HTTPClient: srv.Client()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ids, err := a.Pipeline.SubmitMany(ctx, []string{
		srv.URL + "/a.mp4",
		srv.URL + "/b.mp4",
		srv.URL + "/c.mp4",
	})
	require.NoError(t, err)
	a.Pipeline.Seal()
	require.NoError(t, a.Pipeline.Run(ctx))
	for _, id := range ids {
		job, ok := a.Pipeline.Job(id)
		require.True(t, ok)
		require.Equal(t, media.JobStatusCompleted, job.Status, job.LastError)
	}

	mu.Lock()
	defer mu.Unlock()
	// A HEAD and one range request per job, all on one host.
	require.Len(t, arrivals, 6)
	slices.SortFunc(arrivals, func(a, b time.Time) int { return a.Compare(b) })
	minInterval := a.Limiter.Config().MinInterval()
	for i := 1; i < len(arrivals); i++ {
		gap := arrivals[i].Sub(arrivals[i-1])
		assert.GreaterOrEqualf(t, gap, minInterval-5*time.Millisecond, "requests %d and %d arrived %s apart", i-1, i, gap)
	}
}
