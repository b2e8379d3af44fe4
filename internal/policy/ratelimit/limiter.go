// Package ratelimit implements per-domain admission control: a bounded number
// of in-flight requests per host and a minimum interval between admissions.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/metrics"
)

// Config holds limiter configuration. Both profiles map onto these two numbers.
type Config struct {
	// MaxConcurrentPerDomain bounds unreleased permits per domain.
	MaxConcurrentPerDomain int
	// RequestsPerSecond sets min_interval = 1/RequestsPerSecond. Zero disables the interval.
	RequestsPerSecond float64
}

// Conservative is the low-concurrency, long-interval preset.
func Conservative() Config {
	return Config{MaxConcurrentPerDomain: 2, RequestsPerSecond: 0.5}
}

// Aggressive is the high-concurrency, short-interval preset.
func Aggressive() Config {
	return Config{MaxConcurrentPerDomain: 16, RequestsPerSecond: 50}
}

// MinInterval converts the rate ceiling into the admission spacing.
func (c Config) MinInterval() time.Duration {
	if c.RequestsPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.RequestsPerSecond)
}

// DomainBudget is a point-in-time view of one domain's admission state.
type DomainBudget struct {
	Domain          string        `json:"domain"`
	MaxConcurrent   int           `json:"max_concurrent"`
	MinInterval     time.Duration `json:"min_interval"`
	InFlight        int           `json:"in_flight"`
	LastRequestTime time.Time     `json:"last_request_time"`
	PausedUntil     time.Time     `json:"paused_until,omitzero"`
}

type budget struct {
	slots *semaphore.Weighted
	gate  *rate.Limiter

	mu          sync.Mutex
	inFlight    int
	last        time.Time
	pausedUntil time.Time
}

// Limiter owns the per-domain budget table. Budgets are created lazily and live
// as long as the Limiter.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	budgets map[string]*budget
}

// New creates a Limiter. Non-positive concurrency is treated as one.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.MaxConcurrentPerDomain <= 0 {
		cfg.MaxConcurrentPerDomain = 1
	}
	if cfg.RequestsPerSecond < 0 {
		cfg.RequestsPerSecond = 0
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("ratelimit"),
		budgets: make(map[string]*budget),
	}
}

// Config returns the limits the Limiter was built with.
func (l *Limiter) Config() Config {
	return l.cfg
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "unknown"
	}
	return domain
}

func (l *Limiter) budget(domain string) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[domain]
	if !ok {
		limit := rate.Inf
		if l.cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(l.cfg.RequestsPerSecond)
		}
		b = &budget{
			slots: semaphore.NewWeighted(int64(l.cfg.MaxConcurrentPerDomain)),
			gate:  rate.NewLimiter(limit, 1),
		}
		l.budgets[domain] = b
	}
	return b
}

// Admit suspends until domain has a free in-flight slot and min_interval has
// elapsed since its previous admission. The only error is ctx's.
func (l *Limiter) Admit(ctx context.Context, domain string) (*Permit, error) {
	domain = normalizeDomain(domain)
	b := l.budget(domain)
	start := time.Now()

	if err := b.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admit %s: %w", domain, err)
	}
	if err := b.waitPause(ctx); err != nil {
		b.slots.Release(1)
		return nil, fmt.Errorf("admit %s: %w", domain, err)
	}
	if err := b.gate.Wait(ctx); err != nil {
		b.slots.Release(1)
		return nil, fmt.Errorf("admit %s: %w", domain, err)
	}

	now, err := b.grant(ctx, l.cfg.MinInterval())
	if err != nil {
		b.slots.Release(1)
		return nil, fmt.Errorf("admit %s: %w", domain, err)
	}

	if waited := now.Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
		l.logger.Debug("permit delayed", zap.String("domain", domain), zap.Duration("waited", waited))
	}
	return &Permit{domain: domain, budget: b, admitted: now}, nil
}

// grant records an admission once interval has passed since the previous
// grant. gate.Wait only spaces reservations, so callers that reserve close
// together are spaced again here.
func (b *budget) grant(ctx context.Context, interval time.Duration) (time.Time, error) {
	for {
		b.mu.Lock()
		now := time.Now()
		wait := interval - now.Sub(b.last)
		if b.last.IsZero() || wait <= 0 {
			b.inFlight++
			b.last = now
			b.mu.Unlock()
			return now, nil
		}
		b.mu.Unlock()
		if err := sleep(ctx, wait); err != nil {
			return time.Time{}, err
		}
	}
}

func (b *budget) waitPause(ctx context.Context) error {
	for {
		b.mu.Lock()
		until := b.pausedUntil
		b.mu.Unlock()
		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Penalize pauses new admissions for domain until the given time, as requested
// by a 429 Retry-After. Earlier deadlines never shorten an existing pause.
func (l *Limiter) Penalize(domain string, until time.Time) {
	domain = normalizeDomain(domain)
	b := l.budget(domain)
	b.mu.Lock()
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	b.mu.Unlock()
	l.logger.Info("domain paused", zap.String("domain", domain), zap.Time("until", until))
}

// Snapshot reports the current budget for domain.
func (l *Limiter) Snapshot(domain string) DomainBudget {
	domain = normalizeDomain(domain)
	b := l.budget(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	return DomainBudget{
		Domain:          domain,
		MaxConcurrent:   l.cfg.MaxConcurrentPerDomain,
		MinInterval:     l.cfg.MinInterval(),
		InFlight:        b.inFlight,
		LastRequestTime: b.last,
		PausedUntil:     b.pausedUntil,
	}
}

// Permit is a scoped admission grant. Release must be called on every exit path.
type Permit struct {
	domain   string
	budget   *budget
	admitted time.Time
	once     sync.Once
}

// Domain returns the budget key the permit was granted for.
func (p *Permit) Domain() string {
	return p.domain
}

// Admitted returns the admission time.
func (p *Permit) Admitted() time.Time {
	return p.admitted
}

// Release returns the in-flight slot. It is idempotent and safe on a nil Permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.budget.mu.Lock()
		p.budget.inFlight--
		p.budget.mu.Unlock()
		p.budget.slots.Release(1)
	})
}
