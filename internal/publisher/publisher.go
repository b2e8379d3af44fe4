// Package publisher announces terminal job outcomes to downstream consumers.
package publisher

import (
	"context"
	"time"

	"github.com/zpx01/video-scraper/internal/media"
)

// Publisher sends one payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobOutcome is the message published when a job reaches a terminal state.
type JobOutcome struct {
	JobID     string          `json:"job_id"`
	URL       string          `json:"url"`
	MediaURL  string          `json:"media_url,omitempty"`
	Status    media.JobStatus `json:"status"`
	Output    string          `json:"output,omitempty"`
	Bytes     int64           `json:"bytes"`
	SHA256    string          `json:"sha256,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OutcomeOf builds the message for job.
func OutcomeOf(job media.Job, at time.Time) JobOutcome {
	return JobOutcome{
		JobID:     job.ID,
		URL:       job.URL,
		MediaURL:  job.MediaURL,
		Status:    job.Status,
		Output:    job.Location,
		Bytes:     job.BytesTransferred,
		SHA256:    job.SHA256,
		Error:     job.LastError,
		Timestamp: at,
	}
}

// Nop discards every payload.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) (string, error) { return "", nil }
