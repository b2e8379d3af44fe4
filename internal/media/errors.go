package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// Sentinel causes carried inside classified errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnsupported       = errors.New("unsupported source")
	ErrAccessDenied      = errors.New("access denied")
	ErrFiltered          = errors.New("rejected by filter")
	ErrTooLarge          = errors.New("file exceeds size limit")
	ErrChunkVerification = errors.New("chunk verification failed")
	ErrMalformedRange    = errors.New("malformed range response")
	ErrDisallowed        = errors.New("disallowed by robots.txt")
	ErrBlocked           = errors.New("domain is blocked")
)

// Kind classifies a failure by how the pipeline reacts to it.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	// KindTransient failures are retried with backoff up to a bound.
	KindTransient
	// KindPermanent failures fail the job immediately.
	KindPermanent
	// KindResource failures fail the job without retry and leave other jobs untouched.
	KindResource
	// KindFatal failures stop the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindResource:
		return "resource"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Resource wraps err as a resource exhaustion failure.
func Resource(op string, err error) error {
	return &Error{Kind: KindResource, Op: op, Err: err}
}

// Fatal wraps err as a process-level failure.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// RateLimited builds the transient failure for an HTTP 429 response.
func RateLimited(op string, retryAfter time.Duration) error {
	return &Error{
		Kind:       KindTransient,
		Op:         op,
		Err:        fmt.Errorf("rate limited (retry after %s)", retryAfter),
		RetryAfter: retryAfter,
	}
}

// IsCancellation reports whether err stems from context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the classification of err. Unclassified errors are treated
// as transient, except cancellations, which report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if IsCancellation(err) {
		return KindUnknown
	}
	return KindTransient
}

// IsRetryable reports whether the pipeline should spend retry budget on err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}

// ClassifyStatus maps an unexpected HTTP status into the taxonomy.
func ClassifyStatus(op string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited(op, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code >= 500:
		return Transient(op, fmt.Errorf("server error: %s", resp.Status))
	case code == http.StatusNotFound || code == http.StatusGone:
		return Permanent(op, fmt.Errorf("%w: %s", ErrNotFound, resp.Status))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Permanent(op, fmt.Errorf("%w: %s", ErrAccessDenied, resp.Status))
	case code == http.StatusRequestTimeout:
		return Transient(op, fmt.Errorf("request timeout: %s", resp.Status))
	default:
		return Permanent(op, fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

// ClassifyTransport classifies an error returned by an HTTP round trip or a body read.
func ClassifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return Transient(op, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return Transient(op, err)
	case errors.Is(err, syscall.ENOSPC):
		return Resource(op, err)
	default:
		return Transient(op, err)
	}
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or HTTP-date form.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
