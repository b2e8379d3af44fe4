// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the commands and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/checkpoint/file"
	"github.com/zpx01/video-scraper/internal/checkpoint/postgres"
	"github.com/zpx01/video-scraper/internal/clock"
	"github.com/zpx01/video-scraper/internal/config"
	"github.com/zpx01/video-scraper/internal/crawler"
	"github.com/zpx01/video-scraper/internal/extract"
	"github.com/zpx01/video-scraper/internal/extract/generic"
	"github.com/zpx01/video-scraper/internal/extract/render"
	"github.com/zpx01/video-scraper/internal/extract/youtube"
	"github.com/zpx01/video-scraper/internal/id/uuid"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/pipeline"
	"github.com/zpx01/video-scraper/internal/policy/ratelimit"
	"github.com/zpx01/video-scraper/internal/policy/robots"
	"github.com/zpx01/video-scraper/internal/progress"
	"github.com/zpx01/video-scraper/internal/progress/sinks"
	"github.com/zpx01/video-scraper/internal/publisher"
	pubsubpub "github.com/zpx01/video-scraper/internal/publisher/pubsub"
	"github.com/zpx01/video-scraper/internal/storage"
	"github.com/zpx01/video-scraper/internal/storage/gcs"
	"github.com/zpx01/video-scraper/internal/storage/local"
	"github.com/zpx01/video-scraper/internal/storage/memory"
	"github.com/zpx01/video-scraper/internal/transfer"
	"github.com/zpx01/video-scraper/internal/worker"
)

const discoveryTimeout = 30 * time.Second

// Options override services that New would otherwise build from config.
// Tests use them to avoid cloud clients and the global Prometheus registry.
type Options struct {
	Storage     storage.Storage
	Checkpoints checkpoint.Store
	Publisher   publisher.Publisher
	Registerer  prometheus.Registerer
	HTTPClient  *http.Client
}

// App holds the shared, long-lived services. It is built once per command
// and closed when the command returns.
type App struct {
	Config      config.Config
	Logger      *zap.Logger
	HTTP        *http.Client
	Limiter     *ratelimit.Limiter
	Storage     storage.Storage
	Checkpoints checkpoint.Store
	// Record is the checkpoint loaded at startup; nil on a fresh run.
	Record    *checkpoint.Record
	Journal   *checkpoint.Journal
	Publisher publisher.Publisher
	Progress  *progress.Hub
	YouTube   *youtube.Client
	Extractor *extract.Registry
	Worker    *worker.Worker
	Pipeline  *pipeline.Pipeline

	closers []func(context.Context) error
}

// New wires every service from cfg. It fails fast: a storage backend that
// cannot be opened or a corrupt checkpoint aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	logger = logging.OrNop(logger)
	metrics.Init()
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.HTTP, err = newHTTPClient(cfg.Scraper.ProxyURL, opts.HTTPClient); err != nil {
		return nil, err
	}
	a.Limiter = ratelimit.New(ratelimit.Config{
		MaxConcurrentPerDomain: cfg.Scraper.MaxRequestsPerDomain,
		RequestsPerSecond:      cfg.Scraper.RateLimitPerSecond,
	}, logger)

	if err = a.initStorage(ctx, opts.Storage); err != nil {
		return nil, err
	}
	if err = a.initCheckpoints(ctx, opts.Checkpoints); err != nil {
		return nil, err
	}
	if err = a.initPublisher(ctx, opts.Publisher); err != nil {
		return nil, err
	}
	if err = a.initProgress(opts.Registerer); err != nil {
		return nil, err
	}
	if a.Extractor, err = a.initExtractors(); err != nil {
		return nil, err
	}

	engine := transfer.New(transfer.Config{
		ChunkSize:      cfg.Scraper.ChunkSizeBytes,
		MaxRetries:     cfg.Scraper.MaxRetries,
		RetryDelay:     cfg.RetryDelay(),
		RetryMaxDelay:  cfg.RetryMaxDelay(),
		RequestTimeout: cfg.RequestTimeout(),
		MaxFileSize:    cfg.Scraper.MaxFileSizeBytes,
		EnableResume:   cfg.Scraper.EnableResume,
		UserAgent:      cfg.Scraper.UserAgent,
		VerifyChecksum: cfg.Scraper.VerifyChecksum,
		Gate:           a.Limiter,
	}, a.HTTP, logger)
	blocklist := media.NewBlocklist(cfg.Scraper.DenyDomains)
	a.Worker, err = worker.New(worker.Config{
		KeyPrefix:    cfg.Storage.KeyPrefix,
		Filter:       cfg.Filter,
		EnableResume: cfg.Scraper.EnableResume,
		JobTimeout:   cfg.JobTimeout(),
	}, worker.Deps{
		Extractor: a.Extractor,
		Limiter:   a.Limiter,
		Robots:    robots.New(cfg.Scraper.RespectRobots, cfg.Scraper.UserAgent, a.HTTP, logger),
		Blocklist: blocklist,
		Engine:    engine,
		Storage:   a.Storage,
		Clock:     clock.System{},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}

	pcfg := pipeline.Config{
		Workers:           cfg.Scraper.MaxConcurrentDownloads,
		QueueDepth:        cfg.Scraper.QueueDepth,
		MaxRetries:        cfg.Scraper.MaxRetries,
		RetryDelay:        cfg.RetryDelay(),
		RetryMaxDelay:     cfg.RetryMaxDelay(),
		MaxRuntime:        cfg.MaxRuntime(),
		WatermarkInterval: cfg.WatermarkInterval(),
		Blocklist:         blocklist,
	}
	if crawler.Strategy(cfg.Crawler.Strategy) == crawler.StrategyPriority {
		pcfg.Priority = pipeline.ByDepthThenEdges
	}
	if _, ok := a.Publisher.(publisher.Nop); !ok {
		pcfg.Topic = cfg.PubSub.Topic
	}
	a.Pipeline, err = pipeline.New(pcfg, pipeline.Deps{
		Executor:  a.Worker,
		Journal:   a.Journal,
		Publisher: a.Publisher,
		Progress:  a.Progress,
		IDs:       uuid.New(),
		Clock:     clock.System{},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	resumable, err := a.Pipeline.Restore(ctx, a.Record)
	if err != nil {
		return nil, fmt.Errorf("restore pipeline: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("checkpoint", cfg.Checkpoint.Backend),
		zap.Int("resumable_jobs", resumable),
	)
	return a, nil
}

func newHTTPClient(proxy string, override *http.Client) (*http.Client, error) {
	if override != nil {
		return override, nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid scraper.proxy_url %q", proxy)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}

func (a *App) initStorage(ctx context.Context, override storage.Storage) error {
	if override != nil {
		a.Storage = override
		return nil
	}
	cfg := a.Config.Storage
	switch cfg.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.LocalPath})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.Storage = store
	case "memory":
		a.Storage = memory.NewBlobStore()
	case "gcs":
		client, err := cloudstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket}, a.Logger)
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.Storage = store
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) initCheckpoints(ctx context.Context, override checkpoint.Store) error {
	store := override
	if store == nil {
		cfg := a.Config.Checkpoint
		switch cfg.Backend {
		case "none":
			store = checkpoint.Nop{}
		case "file":
			fs, err := file.Open(cfg.Path, a.Logger)
			if err != nil {
				return fmt.Errorf("open checkpoint file: %w", err)
			}
			store = fs
		case "postgres":
			ps, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Name: cfg.Name})
			if err != nil {
				return fmt.Errorf("connect checkpoint database: %w", err)
			}
			store = ps
		default:
			return fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
		}
	}
	a.Checkpoints = store
	a.onClose(func(context.Context) error { return store.Close() })

	rec, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if rec != nil {
		a.Logger.Info("checkpoint loaded",
			zap.Uint64("seq", rec.Seq),
			zap.Time("saved_at", rec.SavedAt),
			zap.Int("jobs", len(rec.Jobs)),
			zap.Bool("crawl", rec.Crawl != nil),
		)
	}
	a.Record = rec
	a.Journal = checkpoint.NewJournal(store, rec)
	return nil
}

func (a *App) initPublisher(ctx context.Context, override publisher.Publisher) error {
	if override != nil {
		a.Publisher = override
		return nil
	}
	cfg := a.Config.PubSub
	if cfg.ProjectID == "" || cfg.Topic == "" {
		a.Publisher = publisher.Nop{}
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpub.New(client)
	a.onClose(func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	a.Publisher = pub
	a.Logger.Info("publishing job outcomes", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
	return nil
}

func (a *App) initProgress(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	a.Progress = progress.NewHub(progress.Config{Logger: a.Logger}, sinks.NewLogSink(a.Logger), promSink)
	a.onClose(a.Progress.Close)
	return nil
}

func (a *App) initExtractors() (*extract.Registry, error) {
	cfg := a.Config
	discovery := &http.Client{Transport: a.HTTP.Transport, Timeout: discoveryTimeout}
	a.YouTube = youtube.New(youtube.Config{
		BaseURL:   cfg.Crawler.YouTubeBaseURL,
		UserAgent: cfg.Scraper.UserAgent,
	}, discovery, a.Logger)

	var renderer generic.Renderer
	if cfg.Extract.RenderJS {
		r, err := render.New(render.Config{
			MaxParallel: cfg.Extract.RenderMaxParallel,
			UserAgent:   cfg.Scraper.UserAgent,
			Timeout:     time.Duration(cfg.Extract.RenderTimeoutSecs) * time.Second,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init renderer: %w", err)
		}
		a.onClose(func(context.Context) error {
			r.Close()
			return nil
		})
		renderer = r
	}
	return &extract.Registry{
		YouTube: a.YouTube,
		Direct:  extract.Direct{},
		Generic: generic.New(generic.Config{
			UserAgent: cfg.Scraper.UserAgent,
			Timeout:   discoveryTimeout,
		}, a.HTTP.Transport, renderer, a.Logger),
	}, nil
}

// NewCrawler builds a crawler that discovers through the YouTube client,
// shares the download rate limiter and submits to the pipeline. A crawl
// saved in the loaded checkpoint is restored.
func (a *App) NewCrawler(cfg config.CrawlerConfig) (*crawler.Crawler, error) {
	c, err := crawler.New(crawler.Config{
		MaxVideos:     cfg.MaxVideos,
		MaxDepth:      cfg.MaxDepth,
		Workers:       cfg.Workers,
		Strategy:      crawler.Strategy(cfg.Strategy),
		Download:      cfg.Download,
		BloomCapacity: cfg.BloomCapacity,
		BloomFPRate:   cfg.BloomFPRate,
		Blocklist:     media.NewBlocklist(a.Config.Scraper.DenyDomains),
	}, crawler.Deps{
		Discoverer: a.YouTube,
		Limiter:    a.Limiter,
		Submitter:  a.Pipeline,
		Journal:    a.Journal,
		Progress:   a.Progress,
		Clock:      clock.System{},
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build crawler: %w", err)
	}
	if a.Record != nil && a.Record.Crawl != nil {
		c.Restore(a.Record.Crawl)
	}
	return c, nil
}

// Ready reports whether the checkpoint backend is reachable.
func (a *App) Ready(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := a.Checkpoints.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close shuts services down in reverse order of construction. The progress
// hub is flushed before the checkpoint store and clients go away.
func (a *App) Close(ctx context.Context) error {
	a.Logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
