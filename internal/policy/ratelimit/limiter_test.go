package ratelimit

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesAdmissions(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConcurrentPerDomain: 3, RequestsPerSecond: 10}, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Admit(ctx, "example.com")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
			p.Release()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 3)
	first, last := stamps[0], stamps[0]
	for _, s := range stamps {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	// Three admissions at 100ms spacing span at least ~200ms.
	assert.GreaterOrEqual(t, last.Sub(first), 180*time.Millisecond)
}

func TestLimiterSpacesEveryConcurrentGrant(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxConcurrentPerDomain: 64, RequestsPerSecond: 100}
	l := New(cfg, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var granted []time.Time
	var wg sync.WaitGroup
	for range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Admit(ctx, "cdn.example.com")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			granted = append(granted, p.Admitted())
			mu.Unlock()
			p.Release()
		}()
	}
	wg.Wait()

	require.Len(t, granted, 60)
	slices.SortFunc(granted, func(a, b time.Time) int { return a.Compare(b) })
	for i := 1; i < len(granted); i++ {
		gap := granted[i].Sub(granted[i-1])
		assert.GreaterOrEqualf(t, gap, cfg.MinInterval(), "grants %d and %d are %s apart", i-1, i, gap)
	}
}

func TestLimiterBoundsInFlight(t *testing.T) {
	t.Parallel()

	const maxPerDomain = 2
	l := New(Config{MaxConcurrentPerDomain: maxPerDomain}, nil)
	ctx := context.Background()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Admit(ctx, "cdn.example.com")
			if !assert.NoError(t, err) {
				return
			}
			n := inFlight.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			p.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxPerDomain))
	assert.Equal(t, 0, l.Snapshot("cdn.example.com").InFlight)
}

func TestLimiterDifferentDomainsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConcurrentPerDomain: 1, RequestsPerSecond: 1}, nil)
	ctx := context.Background()

	a, err := l.Admit(ctx, "a.com")
	require.NoError(t, err)
	defer a.Release()

	start := time.Now()
	b, err := l.Admit(ctx, "b.com")
	require.NoError(t, err)
	defer b.Release()
	assert.Less(t, time.Since(start), 50*time.Millisecond, "domain b must not wait on domain a")
}

func TestPermitReleaseIdempotent(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConcurrentPerDomain: 1}, nil)
	p, err := l.Admit(context.Background(), "Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "example.com", p.Domain())
	assert.Equal(t, 1, l.Snapshot("example.com").InFlight)

	p.Release()
	p.Release()
	assert.Equal(t, 0, l.Snapshot("example.com").InFlight)

	// A double release must not have created a second slot.
	p1, err := l.Admit(context.Background(), "example.com")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Admit(ctx, "example.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	p1.Release()

	var nilPermit *Permit
	nilPermit.Release()
}

func TestAdmitCancelledFreesSlot(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConcurrentPerDomain: 1, RequestsPerSecond: 0.01}, nil)
	p, err := l.Admit(context.Background(), "slow.test")
	require.NoError(t, err)
	p.Release()

	// The next admission waits ~100s for the interval; cancel it.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Admit(ctx, "slow.test")
	require.Error(t, err)
	assert.Equal(t, 0, l.Snapshot("slow.test").InFlight)
}

func TestPenalizePausesDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConcurrentPerDomain: 4}, nil)
	until := time.Now().Add(80 * time.Millisecond)
	l.Penalize("busy.test", until)
	l.Penalize("busy.test", time.Now())
	assert.Equal(t, until, l.Snapshot("busy.test").PausedUntil)

	start := time.Now()
	p, err := l.Admit(context.Background(), "busy.test")
	require.NoError(t, err)
	p.Release()
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestPresets(t *testing.T) {
	t.Parallel()

	c := Conservative()
	a := Aggressive()
	assert.Equal(t, 2*time.Second, c.MinInterval())
	assert.Equal(t, 20*time.Millisecond, a.MinInterval())
	assert.Less(t, c.MaxConcurrentPerDomain, a.MaxConcurrentPerDomain)
	assert.Equal(t, time.Duration(0), Config{}.MinInterval())

	snap := New(c, nil).Snapshot("x.test")
	assert.Equal(t, 2, snap.MaxConcurrent)
	assert.Equal(t, 2*time.Second, snap.MinInterval)
}
