// Package cmd defines and implements the CLI commands for the video-scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/app"
	"github.com/zpx01/video-scraper/internal/config"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/pipeline"
	"github.com/zpx01/video-scraper/internal/telemetry"
)

// Version is stamped into traces and the version command.
var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	// skipApp marks commands that only need configuration and a logger.
	skipApp = "skip-app"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// in-memory services.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// session owns what PersistentPreRunE builds so it can be released even when
// the command fails.
type session struct {
	cfg    config.Config
	logger *zap.Logger
	tracer *sdktrace.TracerProvider
	app    *app.App
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.app != nil {
		if err := s.app.Close(ctx); err != nil {
			s.logger.Warn("error closing application services", zap.Error(err))
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}
	if s.logger != nil {
		// Syncing stderr fails on some platforms; nothing useful can be done.
		_ = s.logger.Sync()
	}
}

// newRootCmd creates the root command and wires the shared persistent flags.
func newRootCmd(s *session) *cobra.Command {
	var (
		cfgFile   string
		outputDir string
	)
	cmd := &cobra.Command{
		Use:   "video-scraper",
		Short: "A resumable, rate-limited video download pipeline and discovery crawler.",
		Long: `video-scraper downloads media from page or file URLs with per-domain rate
limits and chunked, resumable transfers. It can also crawl related-video
graphs breadth-first and feed what it discovers into the download pipeline.`,
		SilenceUsage: true,

		// This hook runs before the subcommand's RunE. It loads configuration,
		// installs the logger and builds the application services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if outputDir != "" {
				cfg.Storage.Backend = "local"
				cfg.Storage.LocalPath = outputDir
			}
			if f := cmd.Flags().Lookup("checkpoint"); f != nil && f.Changed && cmd.Annotations[skipApp] == "" {
				cfg.Checkpoint.Backend = "file"
				cfg.Checkpoint.Path = f.Value.String()
			}
			s.cfg = cfg

			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			s.logger = logger
			zap.ReplaceGlobals(logger)

			if s.tracer, err = telemetry.InitTracerProvider(cmd.Context(), Version); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			if cmd.Annotations[skipApp] != "" {
				return nil
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "download into this directory (local storage)")

	cmd.AddCommand(
		newDownloadCmd(),
		newBatchCmd(),
		newExtractCmd(),
		newCrawlCmd(),
		newExportCmd(s),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// interrupted reports whether err only says the run was stopped early, by a
// signal or by the pipeline's runtime budget. Unfinished jobs stay pending.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, pipeline.ErrInterrupted)
}

// execute runs the root command with args until it returns or ctx ends.
func execute(ctx context.Context, args []string) error {
	s := &session{}
	defer s.close()
	root := newRootCmd(s)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("%s: %w", root.Name(), err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
