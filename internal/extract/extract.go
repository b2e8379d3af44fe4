// Package extract resolves page URLs into downloadable media references.
// The source kind is chosen once from the URL pattern; each kind has its
// own extractor.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/zpx01/video-scraper/internal/media"
)

// Site is the closed set of source kinds.
type Site int

// Supported sites.
const (
	SiteGeneric Site = iota
	SiteDirect
	SiteYouTube
)

func (s Site) String() string {
	switch s {
	case SiteDirect:
		return "direct"
	case SiteYouTube:
		return "youtube"
	default:
		return "generic"
	}
}

// Extractor returns every rendition it can find for rawURL.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) ([]media.MediaReference, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, rawURL string) ([]media.MediaReference, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, rawURL string) ([]media.MediaReference, error) {
	return f(ctx, rawURL)
}

// DirectFormats are file extensions downloaded as-is without page parsing.
var DirectFormats = []string{"mp4", "webm", "mkv", "mov", "m4v", "avi", "flv", "m3u8", "ts"}

var youtubeHosts = []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}

// Classify picks the extractor for rawURL.
func Classify(rawURL string) Site {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return SiteGeneric
	}
	host := strings.ToLower(u.Hostname())
	for _, yt := range youtubeHosts {
		if host == yt || strings.HasSuffix(host, "."+yt) {
			return SiteYouTube
		}
	}
	if slices.Contains(DirectFormats, media.Extension(rawURL)) {
		return SiteDirect
	}
	return SiteGeneric
}

// Registry dispatches to one extractor per Site. Missing extractors make
// their site unsupported.
type Registry struct {
	YouTube Extractor
	Direct  Extractor
	Generic Extractor
}

// Extract classifies rawURL and runs the matching extractor.
func (r *Registry) Extract(ctx context.Context, rawURL string) ([]media.MediaReference, error) {
	site := Classify(rawURL)
	var ex Extractor
	switch site {
	case SiteYouTube:
		ex = r.YouTube
	case SiteDirect:
		ex = r.Direct
		if ex == nil {
			ex = Direct{}
		}
	default:
		ex = r.Generic
	}
	if ex == nil {
		return nil, media.Permanent("extract", fmt.Errorf("%w: no %s extractor configured", media.ErrUnsupported, site))
	}
	refs, err := ex.Extract(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, media.Permanent("extract", fmt.Errorf("%w: no media at %s", media.ErrNotFound, rawURL))
	}
	return refs, nil
}

// Direct treats the URL itself as the media file.
type Direct struct{}

// Extract implements Extractor.
func (Direct) Extract(_ context.Context, rawURL string) ([]media.MediaReference, error) {
	ext := media.Extension(rawURL)
	if !slices.Contains(DirectFormats, ext) {
		return nil, media.Permanent("extract direct", fmt.Errorf("%w: %q is not a media file", media.ErrUnsupported, rawURL))
	}
	return []media.MediaReference{{URL: rawURL, Format: ext}}, nil
}
