package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVideoFilterCheck(t *testing.T) {
	t.Parallel()

	f := VideoFilter{
		AllowedFormats:  []string{"mp4", "webm"},
		MinHeight:       480,
		MaxHeight:       1080,
		MinDurationSecs: 10,
		MaxSizeBytes:    1 << 20,
	}

	require.NoError(t, f.Check(MediaReference{Format: "mp4", Height: 720, DurationSecs: 30, SizeEstimate: 100}))
	// Unknown attributes pass.
	require.NoError(t, f.Check(MediaReference{}))

	for name, ref := range map[string]MediaReference{
		"too short":  {Format: "mp4", Height: 720, DurationSecs: 5},
		"too small":  {Format: "mp4", Height: 240},
		"too tall":   {Format: "mp4", Height: 2160},
		"bad format": {Format: "flv", Height: 720},
		"too large":  {Format: "webm", Height: 720, SizeEstimate: 2 << 20},
	} {
		err := f.Check(ref)
		require.ErrorIs(t, err, ErrFiltered, name)
		require.Equal(t, KindPermanent, KindOf(err), name)
	}
}

func TestVideoFilterFormatIsSubstringMatch(t *testing.T) {
	t.Parallel()

	f := VideoFilter{AllowedFormats: []string{"mp4"}}
	require.NoError(t, f.Check(MediaReference{Format: "video/mp4"}))
}

func TestVideoFilterBest(t *testing.T) {
	t.Parallel()

	refs := []MediaReference{
		{URL: "a", Format: "mp4", Height: 360},
		{URL: "b", Format: "webm", Height: 1080},
		{URL: "c", Format: "mp4", Height: 2160},
		{URL: "d", Format: "mp4", Height: 1080},
	}
	best, err := HD().Best(refs)
	require.NoError(t, err)
	require.Equal(t, "c", best.URL)

	best, err = VideoFilter{MaxHeight: 1080}.Best(refs)
	require.NoError(t, err)
	require.Equal(t, "b", best.URL)

	_, err = UHD().Best(refs[:2])
	require.ErrorIs(t, err, ErrFiltered)

	_, err = VideoFilter{}.Best(nil)
	require.ErrorIs(t, err, ErrNotFound)
}
