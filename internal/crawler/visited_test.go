package crawler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisitedSetExact(t *testing.T) {
	t.Parallel()

	v := newVisitedSet(0, 0)
	assert.True(t, v.Add("a"))
	assert.False(t, v.Add("a"))
	assert.True(t, v.Has("a"))
	assert.False(t, v.Has("b"))
	assert.Equal(t, 1, v.Len())
}

func TestVisitedSetBloomNeverDropsUnseenIDs(t *testing.T) {
	t.Parallel()

	// A tiny filter saturates quickly, so false positives are certain.
	v := newVisitedSet(8, 0.5)
	for i := range 500 {
		assert.True(t, v.Add(fmt.Sprintf("id-%d", i)), "id-%d", i)
	}
	for i := range 500 {
		assert.True(t, v.Has(fmt.Sprintf("id-%d", i)))
	}
	assert.Equal(t, 500, v.Len())
	assert.False(t, v.Has("never-added"))
}

func TestVisitedSetBloomSkipsMapForNewIDs(t *testing.T) {
	t.Parallel()

	v := newVisitedSet(10_000, 0.001)
	v.Add("seen")
	for i := range 100 {
		assert.False(t, v.Has(fmt.Sprintf("other-%d", i)))
	}
	assert.Positive(t, v.skipped)
}
