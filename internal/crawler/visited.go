package crawler

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// visitedSet is the exact membership set for node ids. An optional bloom
// filter answers "definitely unseen" without touching the map; a positive
// filter answer is always confirmed against the map.
type visitedSet struct {
	exact  map[string]struct{}
	filter *bloom.BloomFilter
	// skipped counts lookups answered by the filter alone.
	skipped int64
}

func newVisitedSet(capacity uint, fpRate float64) *visitedSet {
	v := &visitedSet{exact: make(map[string]struct{})}
	if capacity > 0 {
		v.filter = bloom.NewWithEstimates(capacity, fpRate)
	}
	return v
}

func (v *visitedSet) Has(id string) bool {
	if v.filter != nil && !v.filter.TestString(id) {
		v.skipped++
		return false
	}
	_, ok := v.exact[id]
	return ok
}

// Add reports whether id was new.
func (v *visitedSet) Add(id string) bool {
	if v.Has(id) {
		return false
	}
	v.exact[id] = struct{}{}
	if v.filter != nil {
		v.filter.AddString(id)
	}
	return true
}

func (v *visitedSet) Len() int {
	return len(v.exact)
}
