// Package generic finds video renditions on arbitrary HTML pages: <video>
// and <source> elements, Open Graph video tags and links to media files.
package generic

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/extract"
	"github.com/zpx01/video-scraper/internal/extract/render"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
)

// Renderer returns the scripted DOM of a page.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (render.Page, error)
}

// Config controls page fetching.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// BodyThreshold is the size under which a script-heavy page counts as dynamic.
	BodyThreshold int
}

// Extractor fetches pages with a colly collector and parses them with goquery.
type Extractor struct {
	cfg      Config
	base     *colly.Collector
	renderer Renderer
	logger   *zap.Logger
}

// New builds an Extractor. A nil renderer disables the headless fallback.
func New(cfg Config, transport http.RoundTripper, renderer Renderer, logger *zap.Logger) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BodyThreshold <= 0 {
		cfg.BodyThreshold = 2048
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Extractor{
		cfg:      cfg,
		base:     c,
		renderer: renderer,
		logger:   logging.OrNop(logger).Named("generic"),
	}
}

type fetched struct {
	url  string
	body []byte
}

// Extract implements extract.Extractor. When the static page has no media
// and looks script-rendered, the page is rendered once and parsed again.
func (e *Extractor) Extract(ctx context.Context, rawURL string) ([]media.MediaReference, error) {
	page, err := e.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	refs, err := Parse(page.body, page.url)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 || e.renderer == nil || !looksDynamic(page.body, e.cfg.BodyThreshold) {
		return refs, nil
	}
	e.logger.Debug("promoting page to headless render", zap.String("url", rawURL))
	rendered, err := e.renderer.Render(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(rendered.HTML), rendered.URL)
}

func (e *Extractor) fetch(ctx context.Context, rawURL string) (fetched, error) {
	collector := e.base.Clone()
	var (
		result   fetched
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = fetched{url: r.Request.URL.String(), body: append([]byte(nil), r.Body...)}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = media.ClassifyStatus("fetch page", &http.Response{
				StatusCode: r.StatusCode,
				Status:     fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
				Header:     headerOf(r),
			})
			return
		}
		fetchErr = media.ClassifyTransport("fetch page", err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return fetched{}, fmt.Errorf("fetch page canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return fetched{}, fetchErr
		}
		if err != nil {
			return fetched{}, media.Permanent("fetch page", err)
		}
		return result, nil
	}
}

func headerOf(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return *r.Headers
}

// Parse extracts references from an HTML document located at pageURL.
// Relative links resolve against pageURL; duplicates keep the first hit.
func Parse(body []byte, pageURL string) ([]media.MediaReference, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, media.Permanent("parse page", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, media.Permanent("parse page", err)
	}

	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var refs []media.MediaReference
	seen := make(map[string]struct{})
	add := func(raw, mimeType string, width, height int) {
		abs := resolve(base, raw)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		refs = append(refs, media.MediaReference{
			URL:    abs,
			Format: formatOf(abs, mimeType),
			Width:  width,
			Height: height,
			Title:  title,
		})
	}

	doc.Find("video").Each(func(_ int, v *goquery.Selection) {
		width, height := intAttr(v, "width"), intAttr(v, "height")
		if src, ok := v.Attr("src"); ok {
			add(src, "", width, height)
		}
		v.Find("source[src]").Each(func(_ int, s *goquery.Selection) {
			add(s.AttrOr("src", ""), s.AttrOr("type", ""), width, max(height, intAttr(s, "size")))
		})
	})

	ogWidth := atoi(doc.Find(`meta[property="og:video:width"]`).AttrOr("content", ""))
	ogHeight := atoi(doc.Find(`meta[property="og:video:height"]`).AttrOr("content", ""))
	ogType := doc.Find(`meta[property="og:video:type"]`).AttrOr("content", "")
	doc.Find(`meta[property="og:video"], meta[property="og:video:url"], meta[property="og:video:secure_url"]`).
		Each(func(_ int, m *goquery.Selection) {
			if content := m.AttrOr("content", ""); isMediaFile(content) || strings.HasPrefix(ogType, "video/") {
				add(content, ogType, ogWidth, ogHeight)
			}
		})

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href := a.AttrOr("href", ""); isMediaFile(href) {
			add(href, "", 0, 0)
		}
	})
	return refs, nil
}

func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "blob:") || strings.HasPrefix(raw, "data:") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func isMediaFile(raw string) bool {
	return slices.Contains(extract.DirectFormats, media.Extension(raw))
}

func formatOf(rawURL, mimeType string) string {
	if ext := media.Extension(rawURL); slices.Contains(extract.DirectFormats, ext) {
		return ext
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if sub, ok := strings.CutPrefix(mimeType, "video/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		switch sub {
		case "quicktime":
			return "mov"
		case "x-matroska":
			return "mkv"
		default:
			return sub
		}
	}
	if strings.Contains(mimeType, "mpegurl") {
		return "m3u8"
	}
	return ""
}

func intAttr(s *goquery.Selection, name string) int {
	return atoi(s.AttrOr(name, ""))
}

func atoi(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// looksDynamic reports whether the static HTML probably needs scripts to show its media.
func looksDynamic(body []byte, threshold int) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < threshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
func scriptShare(body []byte) int {
	lower := bytes.ToLower(body)
	total := len(lower)
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	for pos := 0; pos < total; {
		rel := bytes.Index(lower[pos:], []byte(openTag))
		if rel < 0 {
			break
		}
		start := pos + rel
		end := bytes.Index(lower[start:], []byte(closeTag))
		if end < 0 {
			// Unterminated script runs to the end of the document.
			covered += total - start
			break
		}
		next := start + end + len(closeTag)
		covered += next - start
		pos = next
	}
	if total == 0 {
		return 0
	}
	return covered * 100 / total
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
