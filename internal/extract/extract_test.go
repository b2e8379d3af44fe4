package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpx01/video-scraper/internal/media"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want Site
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", SiteYouTube},
		{"https://youtu.be/dQw4w9WgXcQ", SiteYouTube},
		{"https://m.youtube.com/shorts/dQw4w9WgXcQ", SiteYouTube},
		{"https://cdn.example.com/clips/a.MP4?sig=1", SiteDirect},
		{"https://cdn.example.com/live/index.m3u8", SiteDirect},
		{"https://example.com/watch/123", SiteGeneric},
		{"https://notyoutube.com/a.mp4", SiteDirect},
		{"::bad", SiteGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.url), tt.url)
	}
	assert.Equal(t, "youtube", SiteYouTube.String())
	assert.Equal(t, "generic", Site(99).String())
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	var called []string
	stub := func(name string) Extractor {
		return ExtractorFunc(func(_ context.Context, rawURL string) ([]media.MediaReference, error) {
			called = append(called, name)
			return []media.MediaReference{{URL: rawURL + "#" + name}}, nil
		})
	}
	reg := &Registry{YouTube: stub("yt"), Generic: stub("generic")}

	refs, err := reg.Extract(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ#yt", refs[0].URL)

	_, err = reg.Extract(context.Background(), "https://example.com/page")
	require.NoError(t, err)

	refs, err = reg.Extract(context.Background(), "https://cdn.example.com/v.webm")
	require.NoError(t, err)
	assert.Equal(t, "webm", refs[0].Format)
	assert.Equal(t, []string{"yt", "generic"}, called)
}

func TestRegistryFailures(t *testing.T) {
	t.Parallel()

	reg := &Registry{
		Generic: ExtractorFunc(func(context.Context, string) ([]media.MediaReference, error) {
			return nil, nil
		}),
	}
	_, err := reg.Extract(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.ErrorIs(t, err, media.ErrUnsupported)
	assert.Equal(t, media.KindPermanent, media.KindOf(err))

	_, err = reg.Extract(context.Background(), "https://example.com/empty")
	require.ErrorIs(t, err, media.ErrNotFound)

	boom := media.Transient("fetch page", errors.New("reset"))
	reg.Generic = ExtractorFunc(func(context.Context, string) ([]media.MediaReference, error) { return nil, boom })
	_, err = reg.Extract(context.Background(), "https://example.com/flaky")
	assert.True(t, media.IsRetryable(err))
}

func TestDirectRejectsPages(t *testing.T) {
	t.Parallel()
	_, err := Direct{}.Extract(context.Background(), "https://example.com/index.html")
	require.ErrorIs(t, err, media.ErrUnsupported)
}
