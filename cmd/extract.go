package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zpx01/video-scraper/internal/media"
)

func newExtractCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "extract <url>",
		Short: "Resolve a URL to its media references without downloading",
		Long: `Runs the extractor for the URL's site and prints the reference the
configured filter would download, or every reference with --all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtractCommand(cmd, args[0], all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "print every reference instead of the filtered best")
	return cmd
}

func runExtractCommand(cmd *cobra.Command, rawURL string, all bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	domain, err := media.Domain(rawURL)
	if err != nil {
		return fmt.Errorf("extract %s: %w", rawURL, err)
	}

	permit, err := a.Limiter.Admit(cmd.Context(), domain)
	if err != nil {
		return fmt.Errorf("admit %s: %w", domain, err)
	}
	refs, err := a.Extractor.Extract(cmd.Context(), rawURL)
	permit.Release()
	if err != nil {
		return fmt.Errorf("extract %s: %w", rawURL, err)
	}

	var out any = refs
	if !all {
		best, err := a.Config.Filter.Best(refs)
		if err != nil {
			return fmt.Errorf("select media: %w", err)
		}
		out = best
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write references: %w", err)
	}
	return nil
}
