package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zpx01/video-scraper/internal/media"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Result is the exported view of a job.
type Result struct {
	ID           string          `json:"id"`
	URL          string          `json:"url"`
	Status       media.JobStatus `json:"status"`
	OutputPath   string          `json:"output_path"`
	Bytes        int64           `json:"bytes"`
	Error        string          `json:"error"`
	Attempts     int             `json:"attempts"`
	DurationSecs float64         `json:"duration_secs"`
}

var csvHeader = []string{"id", "url", "status", "output_path", "bytes", "error"}

func resultOf(job media.Job) Result {
	out := job.Location
	if out == "" {
		out = job.Output
	}
	return Result{
		ID:           job.ID,
		URL:          job.URL,
		Status:       job.Status,
		OutputPath:   out,
		Bytes:        job.BytesTransferred,
		Error:        job.LastError,
		Attempts:     job.Attempts,
		DurationSecs: job.Elapsed,
	}
}

// ExportResults writes one row per job in submission order.
func (p *Pipeline) ExportResults(w io.Writer, format string) error {
	return WriteResults(w, p.snapshot(), format)
}

// WriteResults writes jobs as CSV or JSON results. It serves offline exports
// of a saved checkpoint as well as a live pipeline.
func WriteResults(w io.Writer, jobs []media.Job, format string) error {
	switch strings.ToLower(format) {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, job := range jobs {
			r := resultOf(job)
			row := []string{r.ID, r.URL, string(r.Status), r.OutputPath, strconv.FormatInt(r.Bytes, 10), r.Error}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row %s: %w", r.ID, err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
		return nil
	case FormatJSON:
		results := make([]Result, 0, len(jobs))
		for _, job := range jobs {
			results = append(results, resultOf(job))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// ExportResultsFile writes results to path, inferring the format from the
// extension when format is empty.
func (p *Pipeline) ExportResultsFile(path, format string) error {
	return WriteResultsFile(path, p.snapshot(), format)
}

// WriteResultsFile is WriteResults into a new file at path.
func WriteResultsFile(path string, jobs []media.Job, format string) (err error) {
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
	return WriteResults(f, jobs, format)
}
