package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zpx01/video-scraper/internal/api"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download pipeline behind an HTTP API",
		Long: `Starts the worker pool and an HTTP server for submitting jobs, inspecting
progress and exporting results. Prometheus metrics are served on /metrics.
On SIGINT or SIGTERM the server stops accepting requests and in-flight jobs
are checkpointed with their partial output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

func runServeCommand(cmd *cobra.Command, port int) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if port <= 0 {
		port = a.Config.Server.Port
	}

	apiServer := api.NewServer(a.Pipeline, api.Options{
		APIKey: a.Config.Server.APIKey,
		Ready:  a.Ready,
	}, a.Logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The server is useless once the pool has stopped.
		defer cancel()
		a.Logger.Info("pipeline started", zap.Int("workers", a.Config.Scraper.MaxConcurrentDownloads))
		if err := a.Pipeline.Run(ctx); err != nil && !interrupted(err) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.Logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutdown initiated")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.Logger.Info("shutdown complete")
	return nil
}
