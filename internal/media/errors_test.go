package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code     int
		kind     Kind
		sentinel error
	}{
		{http.StatusTooManyRequests, KindTransient, nil},
		{http.StatusInternalServerError, KindTransient, nil},
		{http.StatusBadGateway, KindTransient, nil},
		{http.StatusNotFound, KindPermanent, ErrNotFound},
		{http.StatusForbidden, KindPermanent, ErrAccessDenied},
		{http.StatusUnauthorized, KindPermanent, ErrAccessDenied},
		{http.StatusBadRequest, KindPermanent, nil},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.code, Status: http.StatusText(tc.code), Header: http.Header{}}
			err := ClassifyStatus("get", resp)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			if tc.sentinel != nil {
				assert.ErrorIs(t, err, tc.sentinel)
			}
		})
	}
}

func TestClassifyStatusRetryAfter(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Status:     "429 Too Many Requests",
		Header:     http.Header{"Retry-After": {"7"}},
	}
	err := ClassifyStatus("get", resp)
	require.True(t, IsRetryable(err))
	require.Equal(t, 7*time.Second, RetryAfterOf(err))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindUnknown, KindOf(context.Canceled))
	require.Equal(t, KindUnknown, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.Equal(t, KindTransient, KindOf(errors.New("anything")))
	require.Equal(t, KindResource, KindOf(fmt.Errorf("outer: %w", Resource("write", ErrTooLarge))))
	require.Equal(t, KindFatal, KindOf(Fatal("load", errors.New("corrupt"))))
	require.False(t, IsRetryable(Permanent("x", ErrNotFound)))
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifyTransport("get", nil))
	require.ErrorIs(t, ClassifyTransport("get", context.Canceled), context.Canceled)
	require.Equal(t, KindUnknown, KindOf(ClassifyTransport("get", context.Canceled)))
	require.Equal(t, KindTransient, KindOf(ClassifyTransport("read", io.ErrUnexpectedEOF)))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 3*time.Second, ParseRetryAfter("3", now))
	require.Zero(t, ParseRetryAfter("", now))
	require.Zero(t, ParseRetryAfter("-1", now))
	require.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, ParseRetryAfter("garbage", now))
}

func TestErrorMessageIncludesOp(t *testing.T) {
	t.Parallel()

	err := Permanent("fetch chunk", ErrMalformedRange)
	require.Equal(t, "fetch chunk: malformed range response", err.Error())
	require.Equal(t, "transient", KindTransient.String())
}
