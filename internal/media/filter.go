package media

import (
	"fmt"
	"sort"
	"strings"
)

// VideoFilter rejects media references before a job is admitted to transfer.
// Zero-valued bounds are disabled and unknown attributes always pass.
type VideoFilter struct {
	AllowedFormats  []string `mapstructure:"allowed_formats"`
	MinWidth        int      `mapstructure:"min_width"`
	MaxWidth        int      `mapstructure:"max_width"`
	MinHeight       int      `mapstructure:"min_height"`
	MaxHeight       int      `mapstructure:"max_height"`
	MinDurationSecs float64  `mapstructure:"min_duration_secs"`
	MaxDurationSecs float64  `mapstructure:"max_duration_secs"`
	MinSizeBytes    int64    `mapstructure:"min_size_bytes"`
	MaxSizeBytes    int64    `mapstructure:"max_size_bytes"`
}

// HD accepts 720p and above in mp4 or webm.
func HD() VideoFilter {
	return VideoFilter{MinHeight: 720, AllowedFormats: []string{"mp4", "webm"}}
}

// UHD accepts 2160p and above in mp4, webm or mkv.
func UHD() VideoFilter {
	return VideoFilter{MinHeight: 2160, AllowedFormats: []string{"mp4", "webm", "mkv"}}
}

// Check returns a permanent ErrFiltered failure describing the first violated bound.
func (f VideoFilter) Check(ref MediaReference) error {
	reason := f.violation(ref)
	if reason == "" {
		return nil
	}
	return Permanent("filter", fmt.Errorf("%w: %s", ErrFiltered, reason))
}

func (f VideoFilter) violation(ref MediaReference) string {
	if ref.Width > 0 {
		if f.MinWidth > 0 && ref.Width < f.MinWidth {
			return fmt.Sprintf("width %d < %d", ref.Width, f.MinWidth)
		}
		if f.MaxWidth > 0 && ref.Width > f.MaxWidth {
			return fmt.Sprintf("width %d > %d", ref.Width, f.MaxWidth)
		}
	}
	if ref.Height > 0 {
		if f.MinHeight > 0 && ref.Height < f.MinHeight {
			return fmt.Sprintf("height %d < %d", ref.Height, f.MinHeight)
		}
		if f.MaxHeight > 0 && ref.Height > f.MaxHeight {
			return fmt.Sprintf("height %d > %d", ref.Height, f.MaxHeight)
		}
	}
	if ref.Format != "" && len(f.AllowedFormats) > 0 && !f.formatAllowed(ref.Format) {
		return fmt.Sprintf("format %q not allowed", ref.Format)
	}
	if ref.DurationSecs > 0 {
		if f.MinDurationSecs > 0 && ref.DurationSecs < f.MinDurationSecs {
			return fmt.Sprintf("duration %.0fs < %.0fs", ref.DurationSecs, f.MinDurationSecs)
		}
		if f.MaxDurationSecs > 0 && ref.DurationSecs > f.MaxDurationSecs {
			return fmt.Sprintf("duration %.0fs > %.0fs", ref.DurationSecs, f.MaxDurationSecs)
		}
	}
	if ref.SizeEstimate > 0 {
		if f.MinSizeBytes > 0 && ref.SizeEstimate < f.MinSizeBytes {
			return fmt.Sprintf("size %d < %d", ref.SizeEstimate, f.MinSizeBytes)
		}
		if f.MaxSizeBytes > 0 && ref.SizeEstimate > f.MaxSizeBytes {
			return fmt.Sprintf("size %d > %d", ref.SizeEstimate, f.MaxSizeBytes)
		}
	}
	return ""
}

func (f VideoFilter) formatAllowed(format string) bool {
	format = strings.ToLower(format)
	for _, allowed := range f.AllowedFormats {
		if strings.Contains(format, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

// Best picks the highest resolution reference that passes the filter.
// Ties keep extraction order. When nothing passes, the first rejection is returned.
func (f VideoFilter) Best(refs []MediaReference) (MediaReference, error) {
	if len(refs) == 0 {
		return MediaReference{}, Permanent("select media", ErrNotFound)
	}
	candidates := make([]MediaReference, 0, len(refs))
	var firstErr error
	for _, ref := range refs {
		if err := f.Check(ref); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		candidates = append(candidates, ref)
	}
	if len(candidates) == 0 {
		return MediaReference{}, firstErr
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Height > candidates[j].Height
	})
	return candidates[0], nil
}
