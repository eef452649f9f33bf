package merkle

import (
	"fmt"
	"sync"
	"time"

	"github.com/gholt/brimtext"
	"github.com/gholt/ringstore/ring"
)

// Stats counts validator activity for diagnostics.
type Stats struct {
	Built     uint64
	Throttled uint64
	NonMajor  uint64
}

// String renders stats as an aligned two-column table.
func (s Stats) String() string {
	return brimtext.Align([][]string{
		{"built", fmt.Sprintf("%d", s.Built)},
		{"throttled", fmt.Sprintf("%d", s.Throttled)},
		{"nonMajor", fmt.Sprintf("%d", s.NonMajor)},
	}, nil)
}

// ValidatorFactory is the natural-repair guard: it
// throttles the validators major compactions trigger on their own
// (initiator == nil) so a burst of major compactions across a column
// family doesn't each kick off a redundant tree build within the same
// window.
type ValidatorFactory struct {
	mu               sync.Mutex
	window           time.Duration
	leafCount        int
	lastNaturalBuild map[string]time.Time
	now              func() time.Time
	stats            Stats
}

// NewValidatorFactory returns a factory throttling natural (non-operator
// initiated) validator creation to once per window, building trees with
// leafCount leaves.
func NewValidatorFactory(window time.Duration, leafCount int) *ValidatorFactory {
	return &ValidatorFactory{
		window:           window,
		leafCount:        leafCount,
		lastNaturalBuild: make(map[string]time.Time),
		now:              time.Now,
	}
}

// GetValidator returns a real Tree to validate base, or nil (the no-op
// validator) when major is false, or when initiator is nil and a
// validator has already been created for (keyspace, columnFamily) within
// the current window.
func (f *ValidatorFactory) GetValidator(keyspace, columnFamily string, initiator *ring.Endpoint, major bool, base ring.Range) *Tree {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !major {
		f.stats.NonMajor++
		return nil
	}
	if initiator == nil {
		key := keyspace + "/" + columnFamily
		now := f.now()
		last, seen := f.lastNaturalBuild[key]
		if seen && now.Sub(last) < f.window {
			f.stats.Throttled++
			return nil
		}
		f.lastNaturalBuild[key] = now
	}
	f.stats.Built++
	return NewTree(base, f.leafCount)
}

// Stats returns a snapshot of validator activity counters.
func (f *ValidatorFactory) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
