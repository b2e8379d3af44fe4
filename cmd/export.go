package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/checkpoint/file"
	"github.com/zpx01/video-scraper/internal/checkpoint/postgres"
	"github.com/zpx01/video-scraper/internal/config"
	"github.com/zpx01/video-scraper/internal/pipeline"
)

func newExportCmd(s *session) *cobra.Command {
	var (
		checkpointPath string
		out            string
		format         string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write per-job results from a saved checkpoint",
		Long: `Reads a checkpoint without taking its lock, so it works while a batch is
still running, and writes one row per job: id, url, status, output path,
bytes and error. Without --checkpoint the configured backend is read.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := loadCheckpoint(cmd.Context(), s.cfg.Checkpoint, checkpointPath)
			if err != nil {
				return err
			}
			if out == "" {
				if format == "" {
					format = pipeline.FormatCSV
				}
				return pipeline.WriteResults(cmd.OutOrStdout(), rec.Jobs, format)
			}
			if err := pipeline.WriteResultsFile(out, rec.Jobs, format); err != nil {
				return fmt.Errorf("export results: %w", err)
			}
			s.logger.Info("results written", zap.String("path", out), zap.Int("jobs", len(rec.Jobs)))
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint file to read")
	cmd.Flags().StringVar(&out, "out", "", "output file (.csv or .json); stdout when empty")
	cmd.Flags().StringVar(&format, "format", "", "csv or json (default: from --out extension)")
	return cmd
}

func loadCheckpoint(ctx context.Context, cfg config.CheckpointConfig, path string) (*checkpoint.Record, error) {
	var (
		rec *checkpoint.Record
		err error
	)
	switch {
	case path != "":
		rec, err = file.ReadFile(path)
	case cfg.Backend == "file":
		rec, err = file.ReadFile(cfg.Path)
	case cfg.Backend == "postgres":
		store, serr := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Name: cfg.Name})
		if serr != nil {
			return nil, fmt.Errorf("connect checkpoint database: %w", serr)
		}
		defer store.Close()
		rec, err = store.Load(ctx)
	default:
		return nil, errors.New("no checkpoint to export: pass --checkpoint or configure a checkpoint backend")
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if rec == nil {
		return nil, errors.New("checkpoint is empty")
	}
	return rec, nil
}
