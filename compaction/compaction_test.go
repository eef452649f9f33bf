package compaction

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/gholt/brimutil"
	"github.com/gholt/ringstore/clock"
	"github.com/gholt/ringstore/column"
	"github.com/gholt/ringstore/ring"
)

func stdCF() *column.ColumnFamily {
	return &column.ColumnFamily{
		Keyspace:   "ks",
		Name:       "cf",
		Type:       column.Standard,
		Comparator: bytes.Compare,
		Reconciler: column.TimestampReconciler{},
	}
}

func tsCol(name string, ts int64, tombstone bool, value []byte) column.Column {
	return column.Column{Name: []byte(name), Value: value, Clock: clock.TimestampClock{TS: ts}, Tombstone: tombstone}
}

func row(tok int64, key string, cols ...column.Column) RawRow {
	var size int64
	for _, c := range cols {
		size += int64(len(c.Name) + len(c.Value))
	}
	return RawRow{
		Key:     ring.DecoratedKey{Token: ring.NewToken(tok), Key: []byte(key)},
		Columns: NewSliceColumnIterator(cols),
		Size:    size,
	}
}

// A major compaction discards a GC-eligible tombstone
// that shadows an older live column; a non-major compaction keeps it.
func TestCompactGroupMajorGC(t *testing.T) {
	cf := stdCF()
	live := tsCol("a", 10, false, []byte{0x01})
	dead := tsCol("a", 20, true, column.EncodeLocalDeleteTime(30))

	major := Options{GCBefore: 50, Major: true}
	got, err := CompactGroup(cf, []RawRow{row(1, "K", live), row(1, "K", dead)}, major, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected major compaction to GC the only column away, got %+v", got)
	}

	minor := Options{GCBefore: 50, Major: false}
	got, err = CompactGroup(cf, []RawRow{row(1, "K", live), row(1, "K", dead)}, minor, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.Columns) != 1 || !got.Columns[0].Tombstone {
		t.Fatalf("expected the tombstone to survive a non-major compaction, got %+v", got)
	}
}

func TestMergeColumnsReconcilesAcrossRows(t *testing.T) {
	cf := stdCF()
	a := tsCol("name", 5, false, []byte("old"))
	b := tsCol("name", 10, false, []byte("new"))
	out, err := ReduceRow(cf, []RawRow{row(1, "K", a), row(1, "K", b)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Columns) != 1 || !bytes.Equal(out.Columns[0].Value, []byte("new")) {
		t.Fatalf("expected the higher-timestamp column to win, got %+v", out.Columns)
	}
}

func TestReduceRowStreamingMatchesPrecompacted(t *testing.T) {
	cf := stdCF()
	rows := []RawRow{
		row(1, "K", tsCol("a", 1, false, []byte("1")), tsCol("c", 1, false, []byte("3"))),
		row(1, "K", tsCol("b", 1, false, []byte("2"))),
	}
	opts := Options{}
	precompacted, err := ReduceRow(cf, rows, opts)
	if err != nil {
		t.Fatal(err)
	}

	rows2 := []RawRow{
		row(1, "K", tsCol("a", 1, false, []byte("1")), tsCol("c", 1, false, []byte("3"))),
		row(1, "K", tsCol("b", 1, false, []byte("2"))),
	}
	sink := &BufferedColumnSink{}
	count, _, err := ReduceRowStreaming(cf, rows2, opts, sink)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 || len(precompacted.Columns) != 3 {
		t.Fatalf("expected 3 columns from both paths, got %d and %d", count, len(precompacted.Columns))
	}
	for i, c := range sink.Columns {
		if !bytes.Equal(c.Name, precompacted.Columns[i].Name) {
			t.Fatalf("lazy and precompacted paths disagree on column order at %d: %s vs %s", i, c.Name, precompacted.Columns[i].Name)
		}
	}
}

// A group over InMemoryCompactionLimit takes the lazy path and must
// produce the same columns, in the same order, as the in-memory path.
func TestCompactGroupLazyPathOverLimit(t *testing.T) {
	cf := stdCF()
	value := make([]byte, 1024)
	brimutil.NewSeededScrambled(1).Read(value)
	var cols []column.Column
	for i := 0; i < 32; i++ {
		cols = append(cols, tsCol(fmt.Sprintf("col%02d", i), int64(i+1), false, value))
	}
	mkRows := func() []RawRow {
		return []RawRow{row(1, "K", cols[:16]...), row(1, "K", cols[16:]...)}
	}

	want, err := ReduceRow(cf, mkRows(), Options{})
	if err != nil {
		t.Fatal(err)
	}

	sink := &BufferedColumnSink{}
	got, err := CompactGroup(cf, mkRows(), Options{InMemoryCompactionLimit: 4096}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ColumnCount != len(want.Columns) {
		t.Fatalf("expected %d columns from the lazy path, got %+v", len(want.Columns), got)
	}
	if len(got.Columns) != 0 {
		t.Fatalf("expected lazy-path row to carry no in-memory columns, got %d", len(got.Columns))
	}
	for i, c := range sink.Columns {
		if !bytes.Equal(c.Name, want.Columns[i].Name) {
			t.Fatalf("lazy path column order diverges at %d: %s vs %s", i, c.Name, want.Columns[i].Name)
		}
	}
}

func TestTTLExpiryProducesTombstone(t *testing.T) {
	cf := stdCF()
	ttl := uint32(100)
	live := column.Column{Name: []byte("a"), Value: []byte{1}, Clock: clock.TimestampClock{TS: 1}, TTL: &ttl}
	out, err := ReduceRow(cf, []RawRow{row(1, "K", live)}, Options{Now: 200})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Columns) != 1 || !out.Columns[0].Tombstone {
		t.Fatalf("expected expired TTL column to become a tombstone, got %+v", out.Columns)
	}
	if out.Columns[0].LocalDeleteTime() != 200 {
		t.Fatalf("expected localDeleteTime stamped with now, got %d", out.Columns[0].LocalDeleteTime())
	}
}

// sliceRowSource adapts a fixed, pre-sorted slice of RawRows to RowSource,
// for exercising the collating merge in tests.
type sliceRowSource struct {
	rows []RawRow
	pos  int
}

func (s *sliceRowSource) Next() (RawRow, bool, error) {
	if s.pos >= len(s.rows) {
		return RawRow{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *sliceRowSource) Close() error { return nil }

func TestCompactorOrdersByDecoratedKeyAndDedupesExactlyOnce(t *testing.T) {
	cf := stdCF()
	src1 := &sliceRowSource{rows: []RawRow{
		row(10, "A", tsCol("x", 1, false, []byte("1"))),
		row(30, "C", tsCol("x", 1, false, []byte("3"))),
	}}
	src2 := &sliceRowSource{rows: []RawRow{
		row(10, "A", tsCol("x", 2, false, []byte("1b"))),
		row(20, "B", tsCol("x", 1, false, []byte("2"))),
	}}
	compactor, err := NewCompactor(cf, []RowSource{src1, src2}, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for {
		r, ok, err := compactor.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		keys = append(keys, string(r.Key.Key))
	}
	if len(keys) != 3 || keys[0] != "A" || keys[1] != "B" || keys[2] != "C" {
		t.Fatalf("expected [A B C] in ascending token order exactly once, got %v", keys)
	}
}

func TestCompactGroupEmptyRowFilteredOut(t *testing.T) {
	cf := stdCF()
	dead := tsCol("a", 1, true, column.EncodeLocalDeleteTime(10))
	got, err := CompactGroup(cf, []RawRow{row(1, "K", dead)}, Options{Major: true, GCBefore: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected an all-GC'd row to be filtered out, got %+v", got)
	}
}
