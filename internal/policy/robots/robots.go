// Package robots enforces robots.txt directives per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/metrics"
)

const (
	// DefaultTTL is how long a fetched robots.txt is trusted.
	DefaultTTL   = 24 * time.Hour
	maxRobotsLen = 512 << 10
)

// Policy decides whether a URL may be fetched.
type Policy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

type entry struct {
	rules   *robotstxt.RobotsData
	expires time.Time
}

// Enforcer fetches robots.txt once per origin and TTL. Concurrent lookups for
// an origin share one request.
type Enforcer struct {
	agent  string
	client *http.Client
	log    *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	fetches singleflight.Group
	mu      sync.RWMutex
	origins map[string]entry
}

// New builds a Policy. When respect is false every URL is allowed.
// A nil client gets a 10s-timeout default.
func New(respect bool, userAgent string, client *http.Client, logger *zap.Logger) Policy {
	if !respect {
		return AllowAll{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Enforcer{
		agent:   userAgent,
		client:  client,
		log:     logging.OrNop(logger).Named("robots"),
		ttl:     DefaultTTL,
		now:     time.Now,
		origins: make(map[string]entry),
	}
}

// Allowed implements Policy. A robots file that cannot be fetched or parsed
// allows access; a URL without a host never does.
func (e *Enforcer) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	rules, err := e.rulesFor(ctx, u)
	if err != nil {
		metrics.ObserveRobotsFailure()
		e.log.Warn("robots.txt unavailable, allowing", zap.String("origin", u.Host), zap.Error(err))
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return rules.TestAgent(path, e.agent)
}

func (e *Enforcer) rulesFor(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	e.mu.RLock()
	cached, ok := e.origins[origin]
	e.mu.RUnlock()
	if ok && e.now().Before(cached.expires) {
		return cached.rules, nil
	}

	v, err, _ := e.fetches.Do(origin, func() (any, error) {
		rules, err := e.fetch(ctx, origin)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.origins[origin] = entry{rules: rules, expires: e.now().Add(e.ttl)}
		e.mu.Unlock()
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (e *Enforcer) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", e.agent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s/robots.txt: %w", origin, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsLen))
	if err != nil {
		return nil, fmt.Errorf("read %s/robots.txt: %w", origin, err)
	}
	// 4xx means no restrictions and 5xx disallows everything.
	rules, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse %s/robots.txt: %w", origin, err)
	}
	return rules, nil
}

// AllowAll permits every URL.
type AllowAll struct{}

// Allowed implements Policy.
func (AllowAll) Allowed(context.Context, string) bool { return true }

// Check turns a denial into a permanent ErrDisallowed failure.
func Check(ctx context.Context, p Policy, rawURL string) error {
	if p == nil || p.Allowed(ctx, rawURL) {
		return nil
	}
	return media.Permanent("check robots", fmt.Errorf("%w: %s", media.ErrDisallowed, rawURL))
}
