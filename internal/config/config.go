// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
)

// Profile names accepted by scraper.profile.
const (
	ProfileDefault      = ""
	ProfileConservative = "conservative"
	ProfileAggressive   = "aggressive"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Scraper    ScraperConfig     `mapstructure:"scraper"`
	Filter     media.VideoFilter `mapstructure:"filter"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Checkpoint CheckpointConfig  `mapstructure:"checkpoint"`
	Crawler    CrawlerConfig     `mapstructure:"crawler"`
	Extract    ExtractConfig     `mapstructure:"extract"`
	PubSub     PubSubConfig      `mapstructure:"pubsub"`
	Server     ServerConfig      `mapstructure:"server"`
	Logging    logging.Config    `mapstructure:"logging"`
}

// ScraperConfig governs the download pipeline, the transfer engine and the rate limiter.
type ScraperConfig struct {
	Profile                string   `mapstructure:"profile"`
	MaxConcurrentDownloads int      `mapstructure:"max_concurrent_downloads"`
	MaxRequestsPerDomain   int      `mapstructure:"max_requests_per_domain"`
	RateLimitPerSecond     float64  `mapstructure:"rate_limit_per_second"`
	ChunkSizeBytes         int64    `mapstructure:"chunk_size_bytes"`
	EnableResume           bool     `mapstructure:"enable_resume"`
	RequestTimeoutSecs     int      `mapstructure:"request_timeout_secs"`
	JobTimeoutSecs         int      `mapstructure:"job_timeout_secs"`
	MaxRuntimeSecs         int      `mapstructure:"max_runtime_secs"`
	MaxRetries             int      `mapstructure:"max_retries"`
	RetryDelayMs           int      `mapstructure:"retry_delay_ms"`
	RetryMaxDelayMs        int      `mapstructure:"retry_max_delay_ms"`
	MaxFileSizeBytes       int64    `mapstructure:"max_file_size_bytes"`
	UserAgent              string   `mapstructure:"user_agent"`
	RespectRobots          bool     `mapstructure:"respect_robots"`
	ProxyURL               string   `mapstructure:"proxy_url"`
	QueueDepth             int      `mapstructure:"queue_depth"`
	VerifyChecksum         bool     `mapstructure:"verify_checksum"`
	DenyDomains            []string `mapstructure:"deny_domains"`
}

// StorageConfig selects and configures the output backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalPath string `mapstructure:"local_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CheckpointConfig selects where resume state is persisted.
type CheckpointConfig struct {
	Backend             string `mapstructure:"backend"`
	Path                string `mapstructure:"path"`
	DSN                 string `mapstructure:"dsn"`
	Name                string `mapstructure:"name"`
	WatermarkIntervalMs int    `mapstructure:"watermark_interval_ms"`
}

// CrawlerConfig bounds the discovery traversal.
type CrawlerConfig struct {
	MaxVideos      int     `mapstructure:"max_videos"`
	MaxDepth       int     `mapstructure:"max_depth"`
	Workers        int     `mapstructure:"workers"`
	Strategy       string  `mapstructure:"strategy"`
	Download       bool    `mapstructure:"download"`
	BloomCapacity  uint    `mapstructure:"bloom_capacity"`
	BloomFPRate    float64 `mapstructure:"bloom_fp_rate"`
	YouTubeBaseURL string  `mapstructure:"youtube_base_url"`
}

// ExtractConfig toggles JavaScript rendering for generic pages.
type ExtractConfig struct {
	RenderJS          bool `mapstructure:"render_js"`
	RenderTimeoutSecs int  `mapstructure:"render_timeout_secs"`
	RenderMaxParallel int  `mapstructure:"render_max_parallel"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the HTTP service.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// Load builds a Config from disk and environment. Environment variables use
// the SCRAPER_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := applyProfile(v, v.GetString("scraper.profile")); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scraper.profile", ProfileDefault)
	v.SetDefault("scraper.max_concurrent_downloads", 32)
	v.SetDefault("scraper.max_requests_per_domain", 8)
	v.SetDefault("scraper.rate_limit_per_second", 2.0)
	v.SetDefault("scraper.chunk_size_bytes", 8*1024*1024)
	v.SetDefault("scraper.enable_resume", true)
	v.SetDefault("scraper.request_timeout_secs", 300)
	v.SetDefault("scraper.job_timeout_secs", 0)
	v.SetDefault("scraper.max_runtime_secs", 0)
	v.SetDefault("scraper.max_retries", 5)
	v.SetDefault("scraper.retry_delay_ms", 1000)
	v.SetDefault("scraper.retry_max_delay_ms", 60000)
	v.SetDefault("scraper.max_file_size_bytes", 0)
	v.SetDefault("scraper.user_agent", "VideoScraper/0.1.0 (+https://github.com/zpx01/video-scraper)")
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("scraper.queue_depth", 256)
	v.SetDefault("scraper.verify_checksum", true)
	v.SetDefault("scraper.deny_domains", []string{})
	v.SetDefault("filter.allowed_formats", []string{"mp4", "webm", "mkv", "m3u8", "ts"})
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./downloads")
	v.SetDefault("storage.key_prefix", "videos/")
	v.SetDefault("checkpoint.backend", "none")
	v.SetDefault("checkpoint.name", "default")
	v.SetDefault("checkpoint.watermark_interval_ms", 1000)
	v.SetDefault("crawler.max_videos", 1000)
	v.SetDefault("crawler.max_depth", 50)
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.strategy", "bfs")
	v.SetDefault("crawler.download", false)
	v.SetDefault("crawler.bloom_capacity", 0)
	v.SetDefault("crawler.bloom_fp_rate", 0.01)
	v.SetDefault("crawler.youtube_base_url", "https://www.youtube.com")
	v.SetDefault("extract.render_js", false)
	v.SetDefault("extract.render_timeout_secs", 30)
	v.SetDefault("extract.render_max_parallel", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// applyProfile re-seeds defaults from a named preset. Values set explicitly in
// the file or the environment still win because defaults have the lowest priority.
func applyProfile(v *viper.Viper, profile string) error {
	switch profile {
	case ProfileDefault:
		return nil
	case ProfileConservative:
		v.SetDefault("scraper.max_concurrent_downloads", 4)
		v.SetDefault("scraper.max_requests_per_domain", 2)
		v.SetDefault("scraper.rate_limit_per_second", 0.5)
		v.SetDefault("scraper.chunk_size_bytes", 4*1024*1024)
		v.SetDefault("scraper.request_timeout_secs", 120)
		v.SetDefault("scraper.max_retries", 3)
		v.SetDefault("scraper.retry_delay_ms", 2000)
		v.SetDefault("scraper.respect_robots", true)
		v.SetDefault("filter.allowed_formats", []string{"mp4", "webm", "mkv"})
	case ProfileAggressive:
		v.SetDefault("scraper.max_concurrent_downloads", 128)
		v.SetDefault("scraper.max_requests_per_domain", 16)
		v.SetDefault("scraper.rate_limit_per_second", 50.0)
		v.SetDefault("scraper.chunk_size_bytes", 16*1024*1024)
		v.SetDefault("scraper.request_timeout_secs", 600)
		v.SetDefault("scraper.max_retries", 10)
		v.SetDefault("scraper.retry_delay_ms", 500)
		v.SetDefault("scraper.respect_robots", false)
	default:
		return fmt.Errorf("scraper.profile %q is not one of conservative, aggressive", profile)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	s := c.Scraper
	if s.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("scraper.max_concurrent_downloads must be > 0")
	}
	if s.MaxRequestsPerDomain <= 0 {
		return fmt.Errorf("scraper.max_requests_per_domain must be > 0")
	}
	if s.RateLimitPerSecond < 0 {
		return fmt.Errorf("scraper.rate_limit_per_second must be >= 0")
	}
	if s.ChunkSizeBytes <= 0 {
		return fmt.Errorf("scraper.chunk_size_bytes must be > 0")
	}
	if s.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("scraper.request_timeout_secs must be > 0")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must be >= 0")
	}
	if s.MaxFileSizeBytes < 0 {
		return fmt.Errorf("scraper.max_file_size_bytes must be >= 0")
	}
	if s.QueueDepth <= 0 {
		return fmt.Errorf("scraper.queue_depth must be > 0")
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.LocalPath) == "" {
			return fmt.Errorf("storage.local_path is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	if c.Checkpoint.WatermarkIntervalMs < 0 {
		return fmt.Errorf("checkpoint.watermark_interval_ms must be >= 0")
	}
	switch c.Checkpoint.Backend {
	case "none":
	case "file":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the file backend")
		}
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend %q is not one of none, file, postgres", c.Checkpoint.Backend)
	}
	if c.Crawler.MaxVideos <= 0 {
		return fmt.Errorf("crawler.max_videos must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.Strategy != "bfs" && c.Crawler.Strategy != "priority" {
		return fmt.Errorf("crawler.strategy %q is not one of bfs, priority", c.Crawler.Strategy)
	}
	if c.Crawler.BloomCapacity > 0 && (c.Crawler.BloomFPRate <= 0 || c.Crawler.BloomFPRate >= 1) {
		return fmt.Errorf("crawler.bloom_fp_rate must be in (0, 1) when the bloom filter is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// RequestTimeout is the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Scraper.RequestTimeoutSecs) * time.Second
}

// JobTimeout is the optional overall per-job deadline; zero disables it.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scraper.JobTimeoutSecs) * time.Second
}

// MaxRuntime is the optional pipeline deadline; zero disables it.
func (c Config) MaxRuntime() time.Duration {
	return time.Duration(c.Scraper.MaxRuntimeSecs) * time.Second
}

// RetryDelay is the backoff base.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Scraper.RetryDelayMs) * time.Millisecond
}

// RetryMaxDelay caps the exponential backoff.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Scraper.RetryMaxDelayMs) * time.Millisecond
}

// MinInterval converts rate_limit_per_second into the per-domain admission interval.
func (c Config) MinInterval() time.Duration {
	if c.Scraper.RateLimitPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Scraper.RateLimitPerSecond)
}

// WatermarkInterval batches in-progress checkpoint writes. Zero writes after every chunk.
func (c Config) WatermarkInterval() time.Duration {
	return time.Duration(c.Checkpoint.WatermarkIntervalMs) * time.Millisecond
}
