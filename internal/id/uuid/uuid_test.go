package uuid

import (
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorIssuesSortableV7(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 16)
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.True(t, slices.IsSorted(ids), "ids must sort in issue order")
	assert.Len(t, slices.Compact(slices.Clone(ids)), len(ids))
	parsed, err := uuid.Parse(ids[0])
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}
