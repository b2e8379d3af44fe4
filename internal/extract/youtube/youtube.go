// Package youtube reads watch pages: the player response for downloadable
// formats and video details, and the initial data for related videos.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
)

// DefaultBaseURL is the public site.
const DefaultBaseURL = "https://www.youtube.com"

const defaultMaxRelated = 25

var (
	idInURL   = regexp.MustCompile(`(?:v=|/v/|youtu\.be/|embed/|shorts/|live/)([a-zA-Z0-9_-]{11})`)
	bareID    = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	idInJSON  = regexp.MustCompile(`"videoId"\s*:\s*"([a-zA-Z0-9_-]{11})"`)
	formatExt = regexp.MustCompile(`^(?:video|audio)/([a-z0-9.+-]+)`)
)

// ParseID returns the video id in rawURL, or rawURL itself when it is a bare id.
func ParseID(rawURL string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if bareID.MatchString(rawURL) {
		return rawURL, true
	}
	if m := idInURL.FindStringSubmatch(rawURL); m != nil {
		return m[1], true
	}
	return "", false
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	UserAgent  string
	MaxRelated int
}

// Client fetches and parses watch pages.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Client. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRelated <= 0 {
		cfg.MaxRelated = defaultMaxRelated
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		cfg:    cfg,
		http:   client,
		logger: logging.OrNop(logger).Named("youtube"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WatchURL returns the canonical watch page for id.
func (c *Client) WatchURL(id string) string {
	return c.cfg.BaseURL + "/watch?v=" + url.QueryEscape(id)
}

// playerResponse is the subset of ytInitialPlayerResponse we read.
type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		Author        string `json:"author"`
		LengthSeconds string `json:"lengthSeconds"`
		ViewCount     string `json:"viewCount"`
	} `json:"videoDetails"`
	StreamingData struct {
		Formats         []streamFormat `json:"formats"`
		AdaptiveFormats []streamFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
}

type streamFormat struct {
	URL              string `json:"url"`
	SignatureCipher  string `json:"signatureCipher"`
	MimeType         string `json:"mimeType"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	ContentLength    string `json:"contentLength"`
	ApproxDurationMs string `json:"approxDurationMs"`
}

type page struct {
	player  *playerResponse
	related []string
}

// Extract implements extract.Extractor. Muxed formats are preferred;
// video-only adaptive formats are used when no muxed format has a plain URL.
func (c *Client) Extract(ctx context.Context, rawURL string) ([]media.MediaReference, error) {
	id, ok := ParseID(rawURL)
	if !ok {
		return nil, media.Permanent("extract youtube", fmt.Errorf("%w: no video id in %q", media.ErrUnsupported, rawURL))
	}
	p, err := c.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.player == nil {
		return nil, media.Permanent("extract youtube", fmt.Errorf("%w: player response missing for %s", media.ErrNotFound, id))
	}
	if status := p.player.PlayabilityStatus.Status; status != "" && status != "OK" {
		return nil, media.Permanent("extract youtube", fmt.Errorf("%w: %s %s", media.ErrAccessDenied, status, p.player.PlayabilityStatus.Reason))
	}
	title := p.player.VideoDetails.Title
	refs := toReferences(p.player.StreamingData.Formats, title, false)
	if len(refs) == 0 {
		refs = toReferences(p.player.StreamingData.AdaptiveFormats, title, true)
	}
	if len(refs) == 0 {
		return nil, media.Permanent("extract youtube", fmt.Errorf("%w: only ciphered formats for %s", media.ErrUnsupported, id))
	}
	return refs, nil
}

func toReferences(formats []streamFormat, title string, videoOnly bool) []media.MediaReference {
	var out []media.MediaReference
	for _, f := range formats {
		if f.URL == "" {
			continue
		}
		if videoOnly && !strings.HasPrefix(f.MimeType, "video/") {
			continue
		}
		ref := media.MediaReference{
			URL:    f.URL,
			Format: formatOf(f.MimeType),
			Width:  f.Width,
			Height: f.Height,
			Title:  title,
		}
		if ms, err := strconv.ParseInt(f.ApproxDurationMs, 10, 64); err == nil {
			ref.DurationSecs = float64(ms) / 1000
		}
		if size, err := strconv.ParseInt(f.ContentLength, 10, 64); err == nil {
			ref.SizeEstimate = size
		}
		out = append(out, ref)
	}
	return out
}

func formatOf(mimeType string) string {
	if m := formatExt.FindStringSubmatch(strings.ToLower(mimeType)); m != nil {
		return m[1]
	}
	return ""
}

// Node reads the watch page of id into a discovery node. Related ids come
// from the initial data in page order, without duplicates or id itself.
func (c *Client) Node(ctx context.Context, id string) (media.DiscoveryNode, error) {
	p, err := c.fetch(ctx, id)
	if err != nil {
		return media.DiscoveryNode{}, err
	}
	node := media.DiscoveryNode{
		VideoID:      id,
		URL:          c.WatchURL(id),
		RelatedIDs:   p.related,
		DiscoveredAt: c.now(),
	}
	if p.player != nil {
		d := p.player.VideoDetails
		node.Title = d.Title
		node.Channel = d.Author
		node.DurationSecs, _ = strconv.Atoi(d.LengthSeconds)
		node.ViewCount, _ = strconv.ParseInt(d.ViewCount, 10, 64)
	}
	return node, nil
}

func (c *Client) fetch(ctx context.Context, id string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.WatchURL(id), nil)
	if err != nil {
		return page{}, media.Permanent("fetch watch page", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := c.http.Do(req)
	if err != nil {
		return page{}, media.ClassifyTransport("fetch watch page", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close watch page body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return page{}, media.ClassifyStatus("fetch watch page", resp)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return page{}, media.ClassifyTransport("fetch watch page", err)
	}
	return c.parse(doc, id), nil
}

func (c *Client) parse(doc *goquery.Document, id string) page {
	var p page
	var initialData json.RawMessage
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if p.player == nil {
			var player playerResponse
			if decodeAssigned(text, "ytInitialPlayerResponse", &player) {
				p.player = &player
			}
		}
		if initialData == nil {
			var data json.RawMessage
			if decodeAssigned(text, "ytInitialData", &data) {
				initialData = data
			}
		}
	})

	seen := map[string]struct{}{id: {}}
	add := func(candidate string) {
		if len(p.related) >= c.cfg.MaxRelated || !bareID.MatchString(candidate) {
			return
		}
		if _, dup := seen[candidate]; dup {
			return
		}
		seen[candidate] = struct{}{}
		p.related = append(p.related, candidate)
	}
	if initialData != nil {
		scanVideoIDs(initialData, add)
	}
	if len(p.related) == 0 {
		html, _ := doc.Html()
		for _, m := range idInJSON.FindAllStringSubmatch(html, -1) {
			add(m[1])
		}
	}
	return p
}

// decodeAssigned finds "name = {...}" in script text and decodes the object.
func decodeAssigned(script, name string, dst any) bool {
	for offset := 0; ; {
		idx := strings.Index(script[offset:], name)
		if idx < 0 {
			return false
		}
		rest := script[offset+idx+len(name):]
		offset += idx + len(name)
		brace := strings.IndexByte(rest, '{')
		if brace < 0 {
			return false
		}
		if strings.Trim(rest[:brace], " \t\r\n\"']") != "=" {
			continue
		}
		if json.NewDecoder(strings.NewReader(rest[brace:])).Decode(dst) == nil {
			return true
		}
	}
}

// scanVideoIDs streams raw JSON and visits every string stored under a
// "videoId" key, in document order.
func scanVideoIDs(raw []byte, visit func(string)) {
	type frame struct{ object, wantKey bool }
	var stack []frame
	var key string
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].wantKey = true
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].wantKey {
			if d, ok := tok.(json.Delim); ok && d == '}' {
				stack = stack[:n-1]
				valueDone()
			} else {
				key, _ = tok.(string)
				stack[n-1].wantKey = false
			}
			if len(stack) == 0 {
				return
			}
			continue
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, frame{object: true, wantKey: true})
			case '[':
				stack = append(stack, frame{})
			default:
				stack = stack[:len(stack)-1]
				valueDone()
			}
			key = ""
		case string:
			if key == "videoId" {
				visit(t)
			}
			valueDone()
		default:
			valueDone()
		}
		if len(stack) == 0 {
			return
		}
	}
}
