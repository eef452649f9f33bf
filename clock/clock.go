// Package clock provides the logical clocks used to order and reconcile
// column writes: a simple timestamp clock and a version-vector clock.
package clock

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/gholt/brimtime"
)

// Relationship is the result of comparing two Clock values.
type Relationship int

const (
	// Equal means the two clocks represent the same causal position.
	Equal Relationship = iota
	// Less means the receiver happened strictly before the argument.
	Less
	// Greater means the receiver happened strictly after the argument.
	Greater
	// Disjoint means neither clock dominates the other; only possible
	// between VersionVectorClocks.
	Disjoint
)

func (r Relationship) String() string {
	switch r {
	case Equal:
		return "EQUAL"
	case Less:
		return "LESS"
	case Greater:
		return "GREATER"
	case Disjoint:
		return "DISJOINT"
	default:
		return "UNKNOWN"
	}
}

// Clock is a tagged union: a TimestampClock or a
// VersionVectorClock. Implementations must be comparable only against
// clocks of the same concrete type; Compare panics otherwise, since mixing
// clock kinds within one column family is a configuration error the caller
// must not make.
type Clock interface {
	// Compare returns how the receiver relates to other.
	Compare(other Clock) Relationship
	// Merge returns the least upper bound of the receiver and other.
	Merge(other Clock) Clock
	// IsZero reports whether the clock carries no information at all.
	IsZero() bool
}

// GetSuperset returns the least upper bound of all of the given clocks. It
// panics if clocks is empty or mixes clock kinds.
func GetSuperset(clocks []Clock) Clock {
	if len(clocks) == 0 {
		panic("clock: GetSuperset of empty list")
	}
	superset := clocks[0]
	for _, c := range clocks[1:] {
		superset = superset.Merge(c)
	}
	return superset
}

// TimestampClock is the common-case clock: a single microsecond timestamp,
// compared by the natural integer order. NewTimestampClock stamps the
// current time using brimtime's microsecond convention, the same
// granularity write timestamps carry everywhere else in the store.
type TimestampClock struct {
	TS int64
}

// NewTimestampClock returns a TimestampClock stamped with the current time.
func NewTimestampClock() TimestampClock {
	return TimestampClock{TS: brimtime.TimeToUnixMicro(time.Now())}
}

// Compare implements Clock.
func (t TimestampClock) Compare(other Clock) Relationship {
	o, ok := other.(TimestampClock)
	if !ok {
		panic(fmt.Sprintf("clock: cannot compare TimestampClock to %T", other))
	}
	switch {
	case t.TS < o.TS:
		return Less
	case t.TS > o.TS:
		return Greater
	default:
		return Equal
	}
}

// Merge implements Clock: the superset of timestamp clocks is the maximum.
func (t TimestampClock) Merge(other Clock) Clock {
	o, ok := other.(TimestampClock)
	if !ok {
		panic(fmt.Sprintf("clock: cannot merge TimestampClock with %T", other))
	}
	if o.TS > t.TS {
		return o
	}
	return t
}

// IsZero implements Clock.
func (t TimestampClock) IsZero() bool {
	return t.TS == 0
}

// vvEntry is one (node, count) pair of a version-vector context.
type vvEntry struct {
	Node  uint32
	Count uint64
}

// VersionVectorClock is a version-vector clock: a sorted-by-node sequence
// of strictly-positive per-node counts, wire-packed as
// (node-id: 4 bytes, count: 8 bytes) entries.
type VersionVectorClock struct {
	entries []vvEntry
}

// NewVersionVectorClock builds a VersionVectorClock from a node->count map.
// Zero counts are dropped, matching the "counts strictly positive" invariant.
func NewVersionVectorClock(counts map[uint32]uint64) VersionVectorClock {
	vv := VersionVectorClock{}
	for node, count := range counts {
		if count == 0 {
			continue
		}
		vv.entries = append(vv.entries, vvEntry{Node: node, Count: count})
	}
	sort.Slice(vv.entries, func(i, j int) bool { return vv.entries[i].Node < vv.entries[j].Node })
	return vv
}

// Increment returns a copy of vv with node's count bumped by one (creating
// the entry at count 1 if node was absent).
func (vv VersionVectorClock) Increment(node uint32) VersionVectorClock {
	counts := vv.counts()
	counts[node]++
	return NewVersionVectorClock(counts)
}

func (vv VersionVectorClock) counts() map[uint32]uint64 {
	m := make(map[uint32]uint64, len(vv.entries))
	for _, e := range vv.entries {
		m[e.Node] = e.Count
	}
	return m
}

// Context returns the packed wire encoding of the version vector: a
// sequence of (node-id uint32, count uint64) pairs sorted by node-id.
func (vv VersionVectorClock) Context() []byte {
	buf := make([]byte, len(vv.entries)*12)
	for i, e := range vv.entries {
		binary.BigEndian.PutUint32(buf[i*12:], e.Node)
		binary.BigEndian.PutUint64(buf[i*12+4:], e.Count)
	}
	return buf
}

// VersionVectorClockFromContext parses the packed wire encoding produced by
// Context back into a VersionVectorClock.
func VersionVectorClockFromContext(context []byte) (VersionVectorClock, error) {
	if len(context)%12 != 0 {
		return VersionVectorClock{}, fmt.Errorf("clock: malformed version vector context of length %d", len(context))
	}
	vv := VersionVectorClock{entries: make([]vvEntry, len(context)/12)}
	for i := range vv.entries {
		off := i * 12
		vv.entries[i] = vvEntry{
			Node:  binary.BigEndian.Uint32(context[off:]),
			Count: binary.BigEndian.Uint64(context[off+4:]),
		}
	}
	return vv, nil
}

// Compare implements Clock: LESS if every component is <= and at least one
// is <, GREATER symmetrically, EQUAL if all match, DISJOINT otherwise.
func (vv VersionVectorClock) Compare(other Clock) Relationship {
	o, ok := other.(VersionVectorClock)
	if !ok {
		panic(fmt.Sprintf("clock: cannot compare VersionVectorClock to %T", other))
	}
	a, b := vv.counts(), o.counts()
	anyLess, anyGreater := false, false
	nodes := make(map[uint32]struct{}, len(a)+len(b))
	for n := range a {
		nodes[n] = struct{}{}
	}
	for n := range b {
		nodes[n] = struct{}{}
	}
	for n := range nodes {
		av, bv := a[n], b[n]
		switch {
		case av < bv:
			anyLess = true
		case av > bv:
			anyGreater = true
		}
	}
	switch {
	case !anyLess && !anyGreater:
		return Equal
	case anyLess && !anyGreater:
		return Less
	case anyGreater && !anyLess:
		return Greater
	default:
		return Disjoint
	}
}

// Merge implements Clock: per-node-id maximum count. Counts never decrease.
func (vv VersionVectorClock) Merge(other Clock) Clock {
	o, ok := other.(VersionVectorClock)
	if !ok {
		panic(fmt.Sprintf("clock: cannot merge VersionVectorClock with %T", other))
	}
	merged := vv.counts()
	for n, c := range o.counts() {
		if c > merged[n] {
			merged[n] = c
		}
	}
	return NewVersionVectorClock(merged)
}

// IsZero implements Clock.
func (vv VersionVectorClock) IsZero() bool {
	return len(vv.entries) == 0
}

// Equal reports whether vv and other carry the same (node, count) pairs.
func (vv VersionVectorClock) Equal(other VersionVectorClock) bool {
	return bytes.Equal(vv.Context(), other.Context())
}
