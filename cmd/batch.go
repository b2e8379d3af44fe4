package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/pipeline"
)

func newBatchCmd() *cobra.Command {
	var (
		checkpointPath string
		resultsPath    string
		format         string
	)
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Download every URL listed in a file",
		Long: `Reads URLs from a .txt (one per line, # comments), .csv (url column) or
.json file and downloads them. With --checkpoint the run can be interrupted
and resumed: completed jobs are skipped and partial files continue from
their last saved offset.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchCommand(cmd, args[0], resultsPath, format)
		},
	}
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint file used to resume this batch")
	cmd.Flags().StringVar(&resultsPath, "results", "", "write per-job results to this file (.csv or .json)")
	cmd.Flags().StringVar(&format, "format", "", "results format, csv or json (default: from --results extension)")
	return cmd
}

func runBatchCommand(cmd *cobra.Command, input, resultsPath, format string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	urls, err := pipeline.ReadURLs(input)
	if err != nil {
		return err
	}

	// Jobs restored from the checkpoint already cover their URLs.
	known := make(map[string]struct{})
	for job := range a.Pipeline.Jobs() {
		known[dedupKey(job.URL)] = struct{}{}
	}
	fresh := make([]string, 0, len(urls))
	for _, u := range urls {
		key := dedupKey(u)
		if _, ok := known[key]; !ok {
			known[key] = struct{}{}
			fresh = append(fresh, u)
		}
	}
	a.Logger.Info("batch loaded",
		zap.String("input", input),
		zap.Int("urls", len(urls)),
		zap.Int("new", len(fresh)),
		zap.Int("restored", len(known)-len(fresh)),
	)

	err = drive(cmd.Context(), a.Pipeline, func(ctx context.Context) error {
		_, serr := a.Pipeline.SubmitMany(ctx, fresh)
		return serr
	})
	if err != nil && !interrupted(err) {
		return err
	}
	if interrupted(err) {
		a.Logger.Warn("batch interrupted; rerun with the same checkpoint to resume")
	}

	if resultsPath != "" {
		if err := a.Pipeline.ExportResultsFile(resultsPath, format); err != nil {
			return fmt.Errorf("export results: %w", err)
		}
		a.Logger.Info("results written", zap.String("path", resultsPath))
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(a.Pipeline.Stats()); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// dedupKey treats URLs differing only in case, default port, fragment or
// query order as one. Unparsable URLs key on themselves and fail at submit.
func dedupKey(rawURL string) string {
	if norm, err := media.NormalizeURL(rawURL); err == nil {
		return norm
	}
	return rawURL
}
