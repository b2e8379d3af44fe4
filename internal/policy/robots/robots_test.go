package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpx01/video-scraper/internal/media"
)

func TestEnforcer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	allowAll := New(false, "test-agent", nil, nil)
	assert.True(t, allowAll.Allowed(ctx, "https://example.com/whatever"))

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /private")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := New(true, "test-agent", srv.Client(), nil)
	assert.True(t, enforcer.Allowed(ctx, srv.URL+"/watch?v=abc"))
	assert.False(t, enforcer.Allowed(ctx, srv.URL+"/private/video.mp4"))
	assert.Equal(t, int32(1), robotsHits.Load(), "robots.txt should be cached per host")

	err := Check(ctx, enforcer, srv.URL+"/private/video.mp4")
	require.ErrorIs(t, err, media.ErrDisallowed)
	assert.Equal(t, media.KindPermanent, media.KindOf(err))
	require.NoError(t, Check(ctx, enforcer, srv.URL+"/public.mp4"))
	require.NoError(t, Check(ctx, nil, srv.URL+"/private/x"))
}

func TestEnforcerFallsBackToAllow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	enforcer := New(true, "test-agent", srv.Client(), nil)
	assert.True(t, enforcer.Allowed(context.Background(), srv.URL+"/anything"))
	assert.False(t, enforcer.Allowed(context.Background(), "::not a url"))
}

func TestEnforcerRefetchesAfterTTL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			return
		}
		// The first copy blocks /clips; later copies lift the rule.
		if hits.Add(1) == 1 {
			fmt.Fprintln(w, "User-agent: *\nDisallow: /clips")
			return
		}
		fmt.Fprintln(w, "User-agent: *\nAllow: /")
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	enforcer, ok := New(true, "test-agent", srv.Client(), nil).(*Enforcer)
	require.True(t, ok)
	enforcer.now = func() time.Time { return now }

	ctx := context.Background()
	assert.False(t, enforcer.Allowed(ctx, srv.URL+"/clips/a.mp4"))
	now = now.Add(DefaultTTL - time.Minute)
	assert.False(t, enforcer.Allowed(ctx, srv.URL+"/clips/a.mp4"))
	now = now.Add(2 * time.Minute)
	assert.True(t, enforcer.Allowed(ctx, srv.URL+"/clips/a.mp4"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestEnforcerServerErrorDisallows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	enforcer := New(true, "test-agent", srv.Client(), nil)
	assert.False(t, enforcer.Allowed(context.Background(), srv.URL+"/v/clip.mp4"))
}

func TestEnforcerSharesConcurrentFetches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			time.Sleep(20 * time.Millisecond)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /private")
		}
	}))
	defer srv.Close()

	enforcer := New(true, "test-agent", srv.Client(), nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, enforcer.Allowed(context.Background(), srv.URL+"/public.mp4"))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, hits.Load(), int32(2))
}
