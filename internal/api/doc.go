// Package api hosts the HTTP service for submitting downloads and reading
// their progress. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit URLs, GET /v1/jobs and /v1/jobs/{job_id} to read them.
//   - POST /v1/jobs/retry-failed, GET /v1/stats and GET /v1/results for operators.
package api
