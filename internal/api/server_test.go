package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/pipeline"
	"github.com/zpx01/video-scraper/internal/transfer"
	"github.com/zpx01/video-scraper/internal/worker"
)

type executorFunc func(ctx context.Context, job media.Job, onChunk worker.ChunkFunc) (worker.Outcome, error)

func (f executorFunc) Execute(ctx context.Context, job media.Job, onChunk worker.ChunkFunc) (worker.Outcome, error) {
	return f(ctx, job, onChunk)
}

// newPipelineServer runs a pipeline whose jobs succeed unless their URL
// contains "fail".
func newPipelineServer(t *testing.T, opts Options) (*Server, *pipeline.Pipeline) {
	t.Helper()
	exec := executorFunc(func(_ context.Context, job media.Job, _ worker.ChunkFunc) (worker.Outcome, error) {
		if bytes.Contains([]byte(job.URL), []byte("fail")) {
			return worker.Outcome{}, media.Permanent("extract", media.ErrNotFound)
		}
		return worker.Outcome{Key: "videos/" + job.ID + ".mp4", Result: transfer.Result{Location: "memory://videos/" + job.ID + ".mp4", Bytes: 42}}, nil
	})
	p, err := pipeline.New(pipeline.Config{Workers: 2}, pipeline.Deps{Executor: exec}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewServer(p, opts, nil), p
}

func do(t *testing.T, s *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func waitTerminal(t *testing.T, p *pipeline.Pipeline, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, ok := p.Job(id)
			if !ok || !job.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	s, _ := newPipelineServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	s, _ := newPipelineServer(t, Options{Ready: func(context.Context) error { return errors.New("checkpoint store down") }})
	rec := do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "checkpoint store down")
}

func TestServer_SubmitAndGetJob(t *testing.T) {
	t.Parallel()

	s, p := newPipelineServer(t, Options{})
	rec := do(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/watch/1","urls":["https://example.com/watch/2"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobIDs []string `json:"job_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.JobIDs, 2)
	waitTerminal(t, p, resp.JobIDs...)

	rec = do(t, s, http.MethodGet, "/v1/jobs/"+resp.JobIDs[0], "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Job media.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "https://example.com/watch/1", got.Job.URL)
	assert.Equal(t, media.JobStatusCompleted, got.Job.Status)

	rec = do(t, s, http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SubmitValidation(t *testing.T) {
	t.Parallel()

	s, _ := newPipelineServer(t, Options{})
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest},
		{name: "no urls", body: `{"urls":[]}`, want: http.StatusBadRequest},
		{name: "relative url", body: `{"url":"/watch/1"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_ListJobsFiltersAndPages(t *testing.T) {
	t.Parallel()

	s, p := newPipelineServer(t, Options{})
	var ids []string
	for _, u := range []string{"https://example.com/1", "https://example.com/fail", "https://example.com/3"} {
		id, err := p.Submit(context.Background(), u)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitTerminal(t, p, ids...)

	var resp struct {
		Jobs  []media.Job `json:"jobs"`
		Total int         `json:"total"`
	}
	rec := do(t, s, http.MethodGet, "/v1/jobs?status=completed&limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, ids[2], resp.Jobs[0].ID)

	rec = do(t, s, http.MethodGet, "/v1/jobs?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/jobs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RetryFailedAndStats(t *testing.T) {
	t.Parallel()

	s, p := newPipelineServer(t, Options{})
	id, err := p.Submit(context.Background(), "https://example.com/fail")
	require.NoError(t, err)
	waitTerminal(t, p, id)

	rec := do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pipeline.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Failed)

	rec = do(t, s, http.MethodPost, "/v1/jobs/retry-failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requeued":1}`, rec.Body.String())
	waitTerminal(t, p, id)
	job, _ := p.Job(id)
	assert.Equal(t, 1, job.Attempts)
}

func TestServer_Results(t *testing.T) {
	t.Parallel()

	s, p := newPipelineServer(t, Options{})
	id, err := p.Submit(context.Background(), "https://example.com/1")
	require.NoError(t, err)
	waitTerminal(t, p, id)

	rec := do(t, s, http.MethodGet, "/v1/results?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{id, "https://example.com/1", "completed", "memory://videos/" + id + ".mp4", "42", ""}, rows[1])

	rec = do(t, s, http.MethodGet, "/v1/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"attempts": 1`)

	rec = do(t, s, http.MethodGet, "/v1/results?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s, _ := newPipelineServer(t, Options{APIKey: "secret"})
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/stats", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/stats", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/stats", "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/stats?api_key=secret", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

// stubService covers failure paths a live pipeline cannot reach on demand.
type stubService struct {
	submitErr error
	retryErr  error
}

func (s stubService) Submit(context.Context, string) (string, error) { return "", s.submitErr }
func (stubService) Job(string) (media.Job, bool)                    { return media.Job{}, false }
func (stubService) Jobs() iter.Seq[media.Job]                       { return slices.Values([]media.Job(nil)) }
func (s stubService) RetryFailed(context.Context) (int, error)      { return 0, s.retryErr }
func (stubService) Stats() pipeline.Stats                           { return pipeline.Stats{} }
func (stubService) ExportResults(io.Writer, string) error           { return nil }

func TestServer_SubmitErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "sealed", err: pipeline.ErrSealed, want: http.StatusServiceUnavailable},
		{name: "queue full", err: context.DeadlineExceeded, want: http.StatusServiceUnavailable},
		{name: "checkpoint failure", err: media.Fatal("checkpoint jobs", errors.New("disk")), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewServer(stubService{submitErr: tt.err}, Options{}, nil)
			rec := do(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/1"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_RetryFailedError(t *testing.T) {
	t.Parallel()

	s := NewServer(stubService{retryErr: errors.New("boom")}, Options{}, nil)
	rec := do(t, s, http.MethodPost, "/v1/jobs/retry-failed", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
