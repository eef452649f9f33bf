// Package compaction implements the compaction merge: a collating
// iterator over sorted per-SSTable row streams, grouped and reduced by
// decoratedKey, with column-level reconciliation, tombstone GC, and TTL
// expiry. The on-disk row/column format itself is the storage layer's
// concern; this package consumes it
// only through the RowSource/ColumnIterator contracts below.
package compaction

import (
	"github.com/gholt/ringstore/column"
	"github.com/gholt/ringstore/ring"
)

// ColumnIterator streams a single row's columns in the owning
// ColumnFamily's comparator order. A real implementation reads them off an
// SSTable scanner; SliceColumnIterator below is the in-memory stand-in this
// package's tests and small callers use.
type ColumnIterator interface {
	// Next returns the next column, or ok=false once exhausted.
	Next() (col column.Column, ok bool, err error)
}

// SliceColumnIterator adapts a pre-sorted slice of columns to
// ColumnIterator.
type SliceColumnIterator struct {
	cols []column.Column
	pos  int
}

// NewSliceColumnIterator returns a ColumnIterator over cols, which must
// already be sorted by the owning ColumnFamily's Comparator.
func NewSliceColumnIterator(cols []column.Column) *SliceColumnIterator {
	return &SliceColumnIterator{cols: cols}
}

// Next implements ColumnIterator.
func (it *SliceColumnIterator) Next() (column.Column, bool, error) {
	if it.pos >= len(it.cols) {
		return column.Column{}, false, nil
	}
	c := it.cols[it.pos]
	it.pos++
	return c, true, nil
}

// RawRow is one input row as produced by a single RowSource: a decorated
// key, its column stream, and the row's approximate on-disk size (used
// against InMemoryCompactionLimit to choose the precompacted vs. lazily
// compacted path).
type RawRow struct {
	Key     ring.DecoratedKey
	Columns ColumnIterator
	Size    int64
}

// RowSource yields RawRows in ascending decoratedKey order, mirroring one
// SSTable's sorted scan. Close releases any file handles the source owns
// and must be called on every exit path.
type RowSource interface {
	Next() (RawRow, bool, error)
	Close() error
}

// Row is a reduced output row: either fully materialized (the precompacted
// path) or a summary of what was streamed (the lazily compacted path,
// where Columns is left nil and callers consult ColumnCount/TotalSize
// instead of holding every column in memory at once).
type Row struct {
	Key         ring.DecoratedKey
	Columns     []column.Column
	ColumnCount int
	TotalSize   int64
}

// ColumnSink receives columns one at a time from the lazily compacted path,
// written in a single pass as the merge produces them.
// A real sink serializes directly to an SSTable writer; this
// package does not assume one exists.
type ColumnSink interface {
	WriteColumn(col column.Column) error
}

// BufferedColumnSink is a ColumnSink that accumulates columns in memory.
// It exists for tests and for small callers that want the lazy code path's
// bounded-memory merge behavior without writing a real storage sink; it is
// not how a production lazy path would be used (that would stream straight
// to disk).
type BufferedColumnSink struct {
	Columns []column.Column
}

// WriteColumn implements ColumnSink.
func (s *BufferedColumnSink) WriteColumn(col column.Column) error {
	s.Columns = append(s.Columns, col)
	return nil
}
