package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/pipeline"
)

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <url>...",
		Short: "Download the media behind one or more URLs",
		Long: `Resolves each URL to a media file (YouTube watch pages, direct media links
or generic HTML pages), then downloads it in chunks under the per-domain
rate limits. A results table is written to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runDownloadCommand,
	}
}

func runDownloadCommand(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	var ids []string
	err = drive(cmd.Context(), a.Pipeline, func(ctx context.Context) error {
		var serr error
		ids, serr = a.Pipeline.SubmitMany(ctx, args)
		return serr
	})
	if err != nil && !interrupted(err) {
		return err
	}
	if err := a.Pipeline.ExportResults(cmd.OutOrStdout(), pipeline.FormatCSV); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if interrupted(err) {
		a.Logger.Warn("download interrupted")
		return nil
	}

	failed := 0
	for _, id := range ids {
		if job, ok := a.Pipeline.Job(id); ok && job.Status != media.JobStatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(ids))
	}
	a.Logger.Info("downloads finished", zap.Int("jobs", len(ids)))
	return nil
}

// drive runs p while submit feeds it, then seals p and waits for the queue
// to drain. Submission blocks on a full queue, so Run must start first.
func drive(ctx context.Context, p *pipeline.Pipeline, submit func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()
	serr := submit(ctx)
	p.Seal()
	if rerr := <-done; rerr != nil {
		return errors.Join(serr, rerr)
	}
	return serr
}
