// Package render loads pages in headless Chrome so that media elements
// injected by scripts are present in the returned DOM.
package render

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
)

const defaultTimeout = 30 * time.Second

// Config controls the browser pool.
type Config struct {
	MaxParallel int
	UserAgent   string
	Timeout     time.Duration
	Headers     http.Header
	// Settle is how long to wait after the body is ready for late scripts.
	Settle time.Duration
}

// Page is a rendered document.
type Page struct {
	URL    string
	Status int
	HTML   string
}

// Renderer runs one tab per render against a shared browser allocator.
type Renderer struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New starts an allocator. The browser itself is launched lazily on first render.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("autoplay-policy", "user-gesture-required"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logging.OrNop(logger).Named("render"),
	}, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to rawURL and returns the DOM once the body is ready.
// Browser failures are transient; a document status >= 400 is classified
// like a plain HTTP response.
func (r *Renderer) Render(ctx context.Context, rawURL string) (Page, error) {
	if err := r.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	// The tab lives under the allocator, so caller cancellation is bridged by hand.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.Timeout)
	defer cancel()

	meta := &documentMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var html, finalURL string
	err := chromedp.Run(tabCtx,
		r.setup(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		return Page{}, media.Transient("render page", err)
	}

	page := meta.page(rawURL, finalURL)
	page.HTML = html
	if page.Status >= http.StatusBadRequest {
		return Page{}, media.ClassifyStatus("render page", &http.Response{
			StatusCode: page.Status,
			Status:     fmt.Sprintf("%d %s", page.Status, http.StatusText(page.Status)),
			Header:     meta.header(),
		})
	}
	r.logger.Debug("rendered page", zap.String("url", page.URL), zap.Int("status", page.Status), zap.Int("bytes", len(html)))
	return page, nil
}

func (r *Renderer) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(r.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(r.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.slots == nil {
		return
	}
	select {
	case <-r.slots:
	default:
	}
}

// documentMeta records the main document response seen by the tab.
type documentMeta struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (m *documentMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *documentMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops arrive first; the last document response wins.
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.headers = headers
}

func (m *documentMeta) header() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers.Clone()
}

func (m *documentMeta) page(requestURL, finalURL string) Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Page{URL: m.url, Status: m.status}
	switch {
	case p.URL != "":
	case finalURL != "":
		p.URL = finalURL
	default:
		p.URL = requestURL
	}
	if p.Status == 0 {
		p.Status = http.StatusOK
	}
	return p
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
