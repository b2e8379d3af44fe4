package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/media"
)

// Probe describes what the server told us about a resource.
type Probe struct {
	// Size is the total length, or media.UnknownSize.
	Size int64
	// AcceptsRanges reports partial-content support; resume requires it.
	AcceptsRanges bool
	ContentType   string
}

// Probe learns the resource size and range support. It tries HEAD first and
// falls back to a one-byte ranged GET when HEAD is refused or inconclusive.
func (e *Engine) Probe(ctx context.Context, rawURL string) (Probe, error) {
	if probe, ok := e.probeHead(ctx, rawURL); ok {
		return probe, nil
	}
	return e.probeRange(ctx, rawURL)
}

func (e *Engine) probeHead(ctx context.Context, rawURL string) (Probe, bool) {
	release, err := e.admit(ctx, rawURL)
	if err != nil {
		return Probe{}, false
	}
	defer release()
	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()
	req, err := e.newRequest(reqCtx, http.MethodHead, rawURL)
	if err != nil {
		return Probe{}, false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("head probe failed", zap.String("url", rawURL), zap.Error(err))
		return Probe{}, false
	}
	e.discard(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Probe{}, false
	}
	if resp.ContentLength < 0 || !strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
		return Probe{}, false
	}
	return Probe{
		Size:          resp.ContentLength,
		AcceptsRanges: true,
		ContentType:   resp.Header.Get("Content-Type"),
	}, true
}

func (e *Engine) probeRange(ctx context.Context, rawURL string) (Probe, error) {
	release, err := e.admit(ctx, rawURL)
	if err != nil {
		return Probe{}, err
	}
	defer release()
	reqCtx, cancel := e.requestContext(ctx)
	defer cancel()
	req, err := e.newRequest(reqCtx, http.MethodGet, rawURL)
	if err != nil {
		return Probe{}, media.Permanent("probe", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := e.client.Do(req)
	if err != nil {
		return Probe{}, e.classify(ctx, "probe", err)
	}
	defer e.discard(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, parseErr := parseContentRange(resp.Header.Get("Content-Range"))
		if parseErr != nil || total < 0 {
			return Probe{Size: media.UnknownSize, ContentType: resp.Header.Get("Content-Type")}, nil
		}
		return Probe{Size: total, AcceptsRanges: true, ContentType: resp.Header.Get("Content-Type")}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// "bytes */0" is how servers describe an empty resource.
		if total, ok := parseUnsatisfiedRange(resp.Header.Get("Content-Range")); ok {
			return Probe{Size: total, AcceptsRanges: true}, nil
		}
		return Probe{}, media.Permanent("probe", fmt.Errorf("%w: %s", media.ErrMalformedRange, resp.Status))
	case http.StatusOK:
		size := resp.ContentLength
		if size < 0 {
			size = media.UnknownSize
		}
		return Probe{Size: size, ContentType: resp.Header.Get("Content-Type")}, nil
	default:
		err := media.ClassifyStatus("probe", resp)
		e.backOff(rawURL, err)
		return Probe{}, err
	}
}

// parseContentRange parses "bytes first-last/total". total is -1 for "*".
func parseContentRange(value string) (first, last, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: content-range %q", media.ErrMalformedRange, value)
	}
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: content-range %q", media.ErrMalformedRange, value)
	}
	firstPart, lastPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: content-range %q", media.ErrMalformedRange, value)
	}
	first, err1 := strconv.ParseInt(firstPart, 10, 64)
	last, err2 := strconv.ParseInt(lastPart, 10, 64)
	if err1 != nil || err2 != nil || first < 0 || last < first {
		return 0, 0, 0, fmt.Errorf("%w: content-range %q", media.ErrMalformedRange, value)
	}
	total = -1
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil || total <= last {
			return 0, 0, 0, fmt.Errorf("%w: content-range %q", media.ErrMalformedRange, value)
		}
	}
	return first, last, total, nil
}

func parseUnsatisfiedRange(value string) (int64, bool) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes */")
	if !ok {
		return 0, false
	}
	total, err := strconv.ParseInt(spec, 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

func (e *Engine) discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if err := resp.Body.Close(); err != nil {
		e.logger.Debug("failed to close response body", zap.Error(err))
	}
}
