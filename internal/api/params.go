package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/zpx01/video-scraper/internal/media"
)

// jobQuery is the parsed filter and page of GET /v1/jobs.
type jobQuery struct {
	status media.JobStatus
	limit  int
	offset int
}

func parseJobQuery(q url.Values) (jobQuery, error) {
	jq := jobQuery{limit: defaultJobLimit}
	var err error
	if raw := q.Get("limit"); raw != "" {
		if jq.limit, err = atLeast(raw, "limit", 1); err != nil {
			return jobQuery{}, err
		}
		jq.limit = min(jq.limit, maxJobLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		if jq.offset, err = atLeast(raw, "offset", 0); err != nil {
			return jobQuery{}, err
		}
	}
	if raw := q.Get("status"); raw != "" {
		if jq.status, err = parseStatus(raw); err != nil {
			return jobQuery{}, err
		}
	}
	return jq, nil
}

func (jq jobQuery) matches(job media.Job) bool {
	return jq.status == "" || job.Status == jq.status
}

// inPage reports whether the index-th matching job falls in the requested page.
func (jq jobQuery) inPage(index int) bool {
	return index >= jq.offset && index < jq.offset+jq.limit
}

func atLeast(raw, name string, floor int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < floor {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

// parseStatus accepts job statuses case-insensitively, including the
// American spelling of cancelled.
func parseStatus(raw string) (media.JobStatus, error) {
	s := media.JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	if s == "canceled" {
		s = media.JobStatusCancelled
	}
	switch s {
	case media.JobStatusPending, media.JobStatusRunning, media.JobStatusCompleted,
		media.JobStatusFailed, media.JobStatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("invalid status %q", raw)
}
