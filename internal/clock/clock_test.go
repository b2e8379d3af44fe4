package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemIsUTC(t *testing.T) {
	t.Parallel()

	got := OrSystem(nil).Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.WithinDuration(t, time.Now(), got, time.Second)
}

func TestOrSystemKeepsInjectedClock(t *testing.T) {
	t.Parallel()

	frozen := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	c := OrSystem(Func(func() time.Time { return frozen }))
	assert.Equal(t, frozen, c.Now())
	assert.Equal(t, frozen, c.Now())
}
