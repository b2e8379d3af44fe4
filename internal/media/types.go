package media

import "time"

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

// Job status values. Pending -> Running -> {Completed, Failed, Cancelled};
// Failed -> Pending only through an explicit retry.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no worker will pick the job up without a retry or resume.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// UnknownSize marks a Job whose total size has not been learned yet.
const UnknownSize int64 = -1

// Job is one unit of download work bound to a single source URL and output.
type Job struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	MediaURL         string     `json:"media_url,omitempty"`
	Status           JobStatus  `json:"status"`
	Attempts         int        `json:"attempts"`
	Output           string     `json:"output,omitempty"`
	Location         string     `json:"location,omitempty"`
	BytesTotal       int64      `json:"bytes_total"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Watermark        int64      `json:"watermark"`
	LastError        string     `json:"last_error,omitempty"`
	FailureKind      string     `json:"failure_kind,omitempty"`
	SHA256           string     `json:"sha256,omitempty"`
	Resumed          bool       `json:"resumed"`
	Chunks           int        `json:"chunks"`
	Depth            int        `json:"depth"`
	Edges            int        `json:"edges"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	NextEligibleAt   time.Time  `json:"next_eligible_at,omitzero"`
	Elapsed          float64    `json:"duration_secs"`
}

// Progress returns the completed fraction in [0, 1], or 0 when the size is unknown.
func (j Job) Progress() float64 {
	if j.BytesTotal <= 0 {
		return 0
	}
	return float64(j.BytesTransferred) / float64(j.BytesTotal)
}

// ChunkRange is a contiguous byte interval [Offset, Offset+Length).
type ChunkRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the exclusive end offset.
func (c ChunkRange) End() int64 {
	return c.Offset + c.Length
}

// Last returns the inclusive last byte offset, as used by HTTP Range headers.
func (c ChunkRange) Last() int64 {
	return c.Offset + c.Length - 1
}

// Partition splits [start, total) into ordered, gap-free chunks of at most size bytes.
func Partition(start, total, size int64) []ChunkRange {
	if size <= 0 || start >= total {
		return nil
	}
	if start < 0 {
		start = 0
	}
	chunks := make([]ChunkRange, 0, (total-start+size-1)/size)
	for off := start; off < total; off += size {
		length := size
		if off+length > total {
			length = total - off
		}
		chunks = append(chunks, ChunkRange{Offset: off, Length: length})
	}
	return chunks
}

// MediaReference describes one downloadable rendition found on a page.
type MediaReference struct {
	URL          string  `json:"media_url"`
	Format       string  `json:"format"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	DurationSecs float64 `json:"duration,omitempty"`
	SizeEstimate int64   `json:"size_estimate,omitempty"`
	Title        string  `json:"title,omitempty"`
}

// DiscoveryNode is a recorded item of the discovery graph. It is immutable
// once the crawler records it.
type DiscoveryNode struct {
	VideoID      string    `json:"video_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Channel      string    `json:"channel,omitempty"`
	DurationSecs int       `json:"duration,omitempty"`
	ViewCount    int64     `json:"view_count,omitempty"`
	Depth        int       `json:"depth"`
	ParentID     string    `json:"parent_id,omitempty"`
	RelatedIDs   []string  `json:"related_ids"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
