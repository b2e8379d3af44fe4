package crawler

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

var nodeHeader = []string{
	"video_id", "url", "title", "channel", "duration", "view_count", "depth", "parent_id", "discovered_at",
}

// Export writes the recorded nodes in recording order.
func (c *Crawler) Export(w io.Writer, format string) error {
	nodes := c.Nodes()
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(nodes); err != nil {
			return fmt.Errorf("encode nodes: %w", err)
		}
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, node := range nodes {
			if err := enc.Encode(node); err != nil {
				return fmt.Errorf("encode node %s: %w", node.VideoID, err)
			}
		}
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(nodeHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, n := range nodes {
			row := []string{
				n.VideoID, n.URL, n.Title, n.Channel,
				strconv.Itoa(n.DurationSecs), strconv.FormatInt(n.ViewCount, 10), strconv.Itoa(n.Depth),
				n.ParentID, n.DiscoveredAt.UTC().Format(time.RFC3339),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row %s: %w", n.VideoID, err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
	return nil
}

// ExportFile writes the nodes to path, inferring the format from the
// extension when format is empty.
func (c *Crawler) ExportFile(path, format string) (err error) {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return c.Export(f, format)
}
