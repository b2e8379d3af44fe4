// Package progress carries job and crawl milestones from workers to
// observers. Emit never blocks: a background goroutine batches events and
// fans them out to sinks such as structured logs or Prometheus collectors.
package progress
