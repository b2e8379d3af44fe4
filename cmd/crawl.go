package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type crawlFlags struct {
	checkpoint string
	maxVideos  int
	maxDepth   int
	workers    int
	strategy   string
	download   bool
	export     string
	format     string
}

func newCrawlCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl [seed]...",
		Short: "Discover related videos breadth-first from seed videos",
		Long: `Walks the related-video graph from the seeds (video ids or watch URLs),
recording up to --max-videos nodes at their minimum depth. With --download
every recorded node is also queued for download. With --checkpoint an
interrupted crawl resumes from its saved frontier, and seeds may be omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args, f)
		},
	}
	cmd.Flags().StringVar(&f.checkpoint, "checkpoint", "", "checkpoint file used to resume this crawl")
	cmd.Flags().IntVar(&f.maxVideos, "max-videos", 0, "stop after recording this many videos (default from config)")
	cmd.Flags().IntVar(&f.maxDepth, "max-depth", 0, "do not expand below this depth (default from config)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent node fetches (default from config)")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "bfs or priority (default from config)")
	cmd.Flags().BoolVar(&f.download, "download", false, "download every recorded video")
	cmd.Flags().StringVar(&f.export, "export", "", "write discovered nodes to this file (.json, .jsonl or .csv)")
	cmd.Flags().StringVar(&f.format, "format", "", "export format (default: from --export extension)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, seeds []string, f crawlFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if len(seeds) == 0 && (a.Record == nil || a.Record.Crawl == nil) {
		return errors.New("at least one seed is required unless resuming a checkpointed crawl")
	}

	cfg := a.Config.Crawler
	flags := cmd.Flags()
	if flags.Changed("max-videos") {
		cfg.MaxVideos = f.maxVideos
	}
	if flags.Changed("max-depth") {
		cfg.MaxDepth = f.maxDepth
	}
	if flags.Changed("workers") {
		cfg.Workers = f.workers
	}
	if flags.Changed("strategy") {
		cfg.Strategy = f.strategy
	}
	if flags.Changed("download") {
		cfg.Download = f.download
	}

	c, err := a.NewCrawler(cfg)
	if err != nil {
		return err
	}
	if err := c.AddSeeds(seeds); err != nil {
		return err
	}

	if cfg.Download {
		err = drive(cmd.Context(), a.Pipeline, c.Run)
	} else {
		err = c.Run(cmd.Context())
	}
	if err != nil && !interrupted(err) {
		return err
	}
	if interrupted(err) {
		a.Logger.Warn("crawl interrupted; frontier saved to checkpoint")
	}

	if f.export != "" {
		if err := c.ExportFile(f.export, f.format); err != nil {
			return fmt.Errorf("export nodes: %w", err)
		}
		a.Logger.Info("nodes exported", zap.String("path", f.export), zap.Int("nodes", len(c.Nodes())))
	}

	summary := map[string]any{"crawl": c.Stats()}
	if cfg.Download {
		summary["downloads"] = a.Pipeline.Stats()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
