package column

import (
	"bytes"
	"testing"

	"github.com/gholt/ringstore/clock"
)

func ts(n []byte, ts int64, tombstone bool, value []byte) Column {
	return Column{Name: n, Value: value, Clock: clock.TimestampClock{TS: ts}, Tombstone: tombstone}
}

func TestTimestampReconcilerPicksGreater(t *testing.T) {
	a := ts([]byte("a"), 10, false, []byte{1})
	b := ts([]byte("a"), 20, false, []byte{2})
	r := TimestampReconciler{}
	if got := r.Reconcile(a, b); got.Clock.(clock.TimestampClock).TS != 20 {
		t.Fatalf("expected ts 20 to win, got %v", got)
	}
	if got := r.Reconcile(b, a); got.Clock.(clock.TimestampClock).TS != 20 {
		t.Fatal("reconcile should be commutative")
	}
}

func TestTimestampReconcilerTieTombstoneWins(t *testing.T) {
	live := ts([]byte("a"), 10, false, []byte{1})
	dead := ts([]byte("a"), 10, true, EncodeLocalDeleteTime(100))
	r := TimestampReconciler{}
	if got := r.Reconcile(live, dead); !got.Tombstone {
		t.Fatal("expected tombstone to win on EQUAL clocks")
	}
	if got := r.Reconcile(dead, live); !got.Tombstone {
		t.Fatal("expected tombstone to win regardless of argument order")
	}
}

func TestTimestampReconcilerTieLexicographicMax(t *testing.T) {
	a := ts([]byte("a"), 10, false, []byte{1, 0})
	b := ts([]byte("a"), 10, false, []byte{1, 1})
	r := TimestampReconciler{}
	got := r.Reconcile(a, b)
	if !bytes.Equal(got.Value, []byte{1, 1}) {
		t.Fatalf("expected lexicographically greater value to win, got %v", got.Value)
	}
}

func TestConcatenatingReconcilerBothTombstones(t *testing.T) {
	left := Column{
		Name:      []byte("a"),
		Value:     EncodeLocalDeleteTime(100),
		Tombstone: true,
		Clock:     clock.NewVersionVectorClock(map[uint32]uint64{3: 5, 6: 2, 9: 2}),
	}
	right := Column{
		Name:      []byte("a"),
		Value:     EncodeLocalDeleteTime(200),
		Tombstone: true,
		Clock:     clock.NewVersionVectorClock(map[uint32]uint64{3: 4, 6: 3, 9: 2, 12: 2}),
	}
	r := ConcatenatingReconciler{}
	got := r.Reconcile(left, right)
	if !got.Tombstone {
		t.Fatal("expected tombstone result")
	}
	if got.LocalDeleteTime() != 200 {
		t.Fatalf("expected max local delete time 200, got %d", got.LocalDeleteTime())
	}
}

func TestConcatenatingReconcilerOneTombstoneLiveWins(t *testing.T) {
	live := Column{
		Name:  []byte("a"),
		Value: []byte("hello"),
		Clock: clock.NewVersionVectorClock(map[uint32]uint64{3: 5, 6: 2}),
	}
	dead := Column{
		Name:      []byte("a"),
		Value:     EncodeLocalDeleteTime(50),
		Tombstone: true,
		Clock:     clock.NewVersionVectorClock(map[uint32]uint64{3: 4, 9: 2}),
	}
	r := ConcatenatingReconciler{}
	got := r.Reconcile(live, dead)
	if got.Tombstone {
		t.Fatal("expected live value to win")
	}
	if !bytes.Equal(got.Value, []byte("hello")) {
		t.Fatalf("expected live value preserved, got %v", got.Value)
	}
}

func TestConcatenatingReconcilerNeitherTombstoneConcatenates(t *testing.T) {
	left := Column{Name: []byte("a"), Value: []byte("foo"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{1: 1})}
	right := Column{Name: []byte("a"), Value: []byte("bar"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{2: 1})}
	r := ConcatenatingReconciler{}
	got := r.Reconcile(left, right)
	if !bytes.Equal(got.Value, []byte("foobar")) {
		t.Fatalf("expected concatenated value, got %q", got.Value)
	}
}

// A version-vector family routinely sees both ordered and disjoint pairs
// during a merge; only the disjoint ones reach its ConcatenatingReconciler.
func TestColumnFamilyReconcileDispatchesByClockShape(t *testing.T) {
	cf := &ColumnFamily{
		Keyspace:   "ks",
		Name:       "cf",
		Comparator: bytes.Compare,
		Reconciler: ConcatenatingReconciler{},
	}
	older := Column{Name: []byte("a"), Value: []byte("old"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{1: 1})}
	newer := Column{Name: []byte("a"), Value: []byte("new"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{1: 2})}
	if got := cf.Reconcile(older, newer); !bytes.Equal(got.Value, []byte("new")) {
		t.Fatalf("expected the dominating clock to win outright, got %q", got.Value)
	}

	sibling := Column{Name: []byte("a"), Value: []byte("sib"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{2: 1})}
	got := cf.Reconcile(older, sibling)
	if !bytes.Equal(got.Value, []byte("oldsib")) {
		t.Fatalf("expected disjoint pair to concatenate, got %q", got.Value)
	}
}

func TestConcatenatingReconcilerPanicsOnNonDisjoint(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-disjoint input")
		}
	}()
	a := Column{Name: []byte("a"), Value: []byte("x"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{1: 1})}
	b := Column{Name: []byte("a"), Value: []byte("y"), Clock: clock.NewVersionVectorClock(map[uint32]uint64{1: 2})}
	ConcatenatingReconciler{}.Reconcile(a, b)
}
