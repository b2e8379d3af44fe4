package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobRetry     Stage = "JOB_RETRY"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StageChunkDone    Stage = "CHUNK_DONE"
	StageNodeRecorded Stage = "NODE_RECORDED"
)

// Event captures one milestone of a download job or crawl.
type Event struct {
	// JobID identifies the job; crawl events leave it empty.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS     time.Time
	Stage  Stage
	Domain string
	// URL should not contain credentials.
	URL string
	// Bytes is the chunk size for CHUNK_DONE and the job total for JOB_DONE.
	Bytes int64
	// Watermark is the durable offset after a CHUNK_DONE.
	Watermark int64
	Total     int64
	Attempt   int
	// Kind is the failure class for JOB_ERROR and JOB_RETRY.
	Kind string
	// NodeID and Depth describe NODE_RECORDED events.
	NodeID string
	Depth  int
	Dur    time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobRetry, StageJobDone, StageJobError, StageJobCancelled:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
	case StageChunkDone:
		if e.JobID == "" {
			return errors.New("job id is required")
		}
		if e.Watermark < e.Bytes {
			return errors.New("chunk watermark precedes chunk size")
		}
	case StageNodeRecorded:
		if e.NodeID == "" {
			return errors.New("node id is required")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a job.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}
