package compaction

import (
	"container/heap"

	"github.com/gholt/ringstore/column"
	"github.com/gholt/ringstore/ring"
)

// rowCursor tracks one RowSource's current row in the collating merge.
// srcIdx gives a stable tie-break when two sources
// present the same decoratedKey.
type rowCursor struct {
	srcIdx int
	src    RowSource
	cur    RawRow
}

type rowHeap []*rowCursor

func (h rowHeap) Len() int { return len(h) }
func (h rowHeap) Less(i, j int) bool {
	if c := h[i].cur.Key.Compare(h[j].cur.Key); c != 0 {
		return c < 0
	}
	return h[i].srcIdx < h[j].srcIdx
}
func (h rowHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *rowHeap) Push(x interface{}) { *h = append(*h, x.(*rowCursor)) }
func (h *rowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// CollatingIterator merges any number of RowSources by decoratedKey via a
// min-heap of per-source cursors. Each call to Next
// returns every RawRow sharing the next distinct key, in ascending
// decoratedKey order; input sources must themselves be strictly sorted.
type CollatingIterator struct {
	h       rowHeap
	sources []RowSource
}

// NewCollatingIterator primes the merge by pulling one row from each
// source. Sources are consulted in the order given; that order is the
// insertion-order tie-break for rows sharing a key.
func NewCollatingIterator(sources []RowSource) (*CollatingIterator, error) {
	it := &CollatingIterator{sources: sources}
	for i, s := range sources {
		row, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		it.h = append(it.h, &rowCursor{srcIdx: i, src: s, cur: row})
	}
	heap.Init(&it.h)
	return it, nil
}

// Next returns the group of RawRows sharing the next distinct decoratedKey
// across every source, or ok=false once every source is exhausted.
func (it *CollatingIterator) Next() (key ring.DecoratedKey, rows []RawRow, ok bool, err error) {
	if it.h.Len() == 0 {
		return ring.DecoratedKey{}, nil, false, nil
	}
	key = it.h[0].cur.Key
	for it.h.Len() > 0 && it.h[0].cur.Key.Compare(key) == 0 {
		c := heap.Pop(&it.h).(*rowCursor)
		rows = append(rows, c.cur)
		next, ok, err := c.src.Next()
		if err != nil {
			return key, rows, true, err
		}
		if ok {
			c.cur = next
			heap.Push(&it.h, c)
		}
	}
	return key, rows, true, nil
}

// Close closes every underlying source, collecting (but not stopping on)
// the first error, so every file handle is released on every exit path.
func (it *CollatingIterator) Close() error {
	var first error
	for _, s := range it.sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Compactor drives the full merge: a CollatingIterator feeding
// CompactGroup per distinct key, filtering out rows that reduce to empty
// (every column GC'd). Output preserves the input ordering (decoratedKey,
// then column-comparator order within a row).
type Compactor struct {
	cf   *column.ColumnFamily
	it   *CollatingIterator
	opts Options
	sink func(ring.DecoratedKey) ColumnSink
}

// NewCompactor builds a Compactor over sources for column family cf. sink,
// if non-nil, is consulted per key to obtain a ColumnSink for the lazily
// compacted path; pass nil when every group is known to stay within
// opts.InMemoryCompactionLimit.
func NewCompactor(cf *column.ColumnFamily, sources []RowSource, opts Options, sink func(ring.DecoratedKey) ColumnSink) (*Compactor, error) {
	it, err := NewCollatingIterator(sources)
	if err != nil {
		return nil, err
	}
	return &Compactor{cf: cf, it: it, opts: opts, sink: sink}, nil
}

// Next returns the next reduced, non-empty output row, or ok=false once the
// merge is exhausted. A group of exactly one input row is still reduced
// and returned; its bytes may still differ from the input's due to
// localDeleteTime truncation.
func (c *Compactor) Next() (*Row, bool, error) {
	for {
		key, rows, ok, err := c.it.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		var sink ColumnSink
		if c.sink != nil {
			sink = c.sink(key)
		}
		row, err := CompactGroup(c.cf, rows, c.opts, sink)
		if err != nil {
			return nil, false, err
		}
		if row == nil {
			continue
		}
		return row, true, nil
	}
}

// Close releases every underlying source.
func (c *Compactor) Close() error { return c.it.Close() }
