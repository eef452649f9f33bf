package compaction

import (
	"container/heap"

	"github.com/gholt/ringstore/column"
)

// Options configures a single reduction.
type Options struct {
	// InMemoryCompactionLimit is the group-size threshold (in bytes, summed
	// over RawRow.Size) above which the lazily compacted path is used.
	InMemoryCompactionLimit int64
	// GCBefore is the localDeleteTime at or below which a tombstone may be
	// discarded, and only during a major compaction.
	GCBefore uint32
	// Major reports whether this is a major compaction; only major
	// compactions discard tombstones.
	Major bool
	// Now is used both as the localDeleteTime stamped onto a column whose
	// TTL has expired, and as the reference time for Column.Expired.
	Now uint32
}

// columnCursor tracks one input row's position in the column-name merge.
// insertionOrder breaks ties between rows sharing a column name, giving
// a deterministic reduction order: cursors compare first by current
// column name, then by insertion order.
type columnCursor struct {
	insertionOrder int
	it             ColumnIterator
	cur            column.Column
	has            bool
}

type columnHeap struct {
	cursors []*columnCursor
	less    func(a, b column.Column) bool
}

func (h *columnHeap) Len() int { return len(h.cursors) }
func (h *columnHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	if h.less(a.cur, b.cur) {
		return true
	}
	if h.less(b.cur, a.cur) {
		return false
	}
	return a.insertionOrder < b.insertionOrder
}
func (h *columnHeap) Swap(i, j int)      { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *columnHeap) Push(x interface{}) { h.cursors = append(h.cursors, x.(*columnCursor)) }
func (h *columnHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	h.cursors = old[:n-1]
	return c
}

// expireIfNeeded turns a live column whose TTL has elapsed into a
// tombstone stamped with localDeleteTime = now.
func expireIfNeeded(c column.Column, now uint32) column.Column {
	if !c.Tombstone && c.Expired(now) {
		c.Tombstone = true
		c.Value = column.EncodeLocalDeleteTime(now)
	}
	return c
}

// gcEligible reports whether c should be discarded: a tombstone whose
// localDeleteTime is at or below GCBefore, and only during a major compaction
// (otherwise tombstones must survive, since unseen replicas may still
// hold older values).
func gcEligible(c column.Column, opts Options) bool {
	return opts.Major && c.Tombstone && c.LocalDeleteTime() <= opts.GCBefore
}

// emitFunc is called once per surviving reduced column, in comparator
// order. The precompacted path appends to a slice; the lazy path forwards
// straight to a ColumnSink.
type emitFunc func(column.Column) error

// mergeColumns runs the shared column-level merge for a key's row group:
// a heap over each row's column stream, grouping by name and reconciling
// via cf's Reconciler, then TTL-expiring and GC-filtering before emit.
// Both the precompacted and lazily compacted paths delegate to this; they
// differ only in what emit does with the result, so the merge itself never
// holds more than one column-name group in memory regardless of how many
// input rows or how large the group is.
func mergeColumns(cf *column.ColumnFamily, rows []RawRow, opts Options, emit emitFunc) (count int, totalSize int64, err error) {
	h := &columnHeap{less: func(a, b column.Column) bool { return cf.Comparator(a.Name, b.Name) < 0 }}
	for i, r := range rows {
		cur := &columnCursor{insertionOrder: i, it: r.Columns}
		c, ok, err := cur.it.Next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			continue
		}
		cur.cur, cur.has = c, true
		heap.Push(h, cur)
	}

	for h.Len() > 0 {
		name := h.cursors[0].cur.Name
		var acc column.Column
		started := false
		for h.Len() > 0 && cf.Comparator(h.cursors[0].cur.Name, name) == 0 {
			cur := heap.Pop(h).(*columnCursor)
			next := expireIfNeeded(cur.cur, opts.Now)
			if !started {
				acc = next
				started = true
			} else {
				acc = cf.Reconcile(acc, next)
			}
			c, ok, err := cur.it.Next()
			if err != nil {
				return count, totalSize, err
			}
			if ok {
				cur.cur, cur.has = c, true
				heap.Push(h, cur)
			}
		}
		if gcEligible(acc, opts) {
			continue
		}
		if err := emit(acc); err != nil {
			return count, totalSize, err
		}
		count++
		totalSize += int64(len(acc.Name) + len(acc.Value))
	}
	return count, totalSize, nil
}

// ReduceRow implements the precompacted path: every column is
// loaded and reduced, then the whole row is returned. An empty result (all
// columns GC'd) is filtered out, returning (nil, nil).
func ReduceRow(cf *column.ColumnFamily, rows []RawRow, opts Options) (*Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make([]column.Column, 0, len(rows)*4)
	count, size, err := mergeColumns(cf, rows, opts, func(c column.Column) error {
		cols = append(cols, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return &Row{Key: rows[0].Key, Columns: cols, ColumnCount: count, TotalSize: size}, nil
}

// ReduceRowStreaming implements the lazily compacted path: used
// when the group exceeds InMemoryCompactionLimit. Columns are written to
// sink one at a time as the heap merge produces them rather than collected
// into a single in-memory slice.
func ReduceRowStreaming(cf *column.ColumnFamily, rows []RawRow, opts Options, sink ColumnSink) (count int, totalSize int64, err error) {
	return mergeColumns(cf, rows, opts, sink.WriteColumn)
}

// rawRowGroupSize sums the approximate on-disk size of every row in the
// group, the quantity Options.InMemoryCompactionLimit is measured against.
func rawRowGroupSize(rows []RawRow) int64 {
	var total int64
	for _, r := range rows {
		total += r.Size
	}
	return total
}

// CompactGroup reduces one key's group of input rows, choosing the
// precompacted or lazily compacted path by comparing the group's total
// size against opts.InMemoryCompactionLimit. sink is only consulted on the
// lazy path; it may be nil when the caller knows every group will stay
// under the limit.
func CompactGroup(cf *column.ColumnFamily, rows []RawRow, opts Options, sink ColumnSink) (*Row, error) {
	if rawRowGroupSize(rows) <= opts.InMemoryCompactionLimit || sink == nil {
		return ReduceRow(cf, rows, opts)
	}
	count, size, err := ReduceRowStreaming(cf, rows, opts, sink)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return &Row{Key: rows[0].Key, ColumnCount: count, TotalSize: size}, nil
}
