package clock

import "testing"

func TestTimestampClockCompare(t *testing.T) {
	a := TimestampClock{TS: 10}
	b := TimestampClock{TS: 20}
	if a.Compare(b) != Less {
		t.Fatal("expected LESS")
	}
	if b.Compare(a) != Greater {
		t.Fatal("expected GREATER")
	}
	if a.Compare(a) != Equal {
		t.Fatal("expected EQUAL")
	}
}

func TestTimestampClockMerge(t *testing.T) {
	a := TimestampClock{TS: 10}
	b := TimestampClock{TS: 20}
	if m := a.Merge(b); m.(TimestampClock).TS != 20 {
		t.Fatalf("expected superset 20, got %v", m)
	}
	if m := b.Merge(a); m.(TimestampClock).TS != 20 {
		t.Fatalf("merge should be commutative, got %v", m)
	}
}

func TestVersionVectorContextRoundTrip(t *testing.T) {
	vv := NewVersionVectorClock(map[uint32]uint64{3: 5, 6: 2, 9: 2})
	ctx := vv.Context()
	vv2, err := VersionVectorClockFromContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !vv.Equal(vv2) {
		t.Fatalf("round trip mismatch: %v vs %v", vv, vv2)
	}
}

func TestVersionVectorCompare(t *testing.T) {
	a := NewVersionVectorClock(map[uint32]uint64{1: 1, 2: 1})
	b := NewVersionVectorClock(map[uint32]uint64{1: 2, 2: 1})
	if a.Compare(b) != Less {
		t.Fatal("expected LESS")
	}
	if b.Compare(a) != Greater {
		t.Fatal("expected GREATER")
	}
	if a.Compare(a) != Equal {
		t.Fatal("expected EQUAL")
	}
}

func TestVersionVectorCompareDisjoint(t *testing.T) {
	left := NewVersionVectorClock(map[uint32]uint64{3: 5, 6: 2, 9: 2})
	right := NewVersionVectorClock(map[uint32]uint64{3: 4, 6: 3, 9: 2, 12: 2})
	if left.Compare(right) != Disjoint {
		t.Fatal("expected DISJOINT")
	}
	if right.Compare(left) != Disjoint {
		t.Fatal("expected DISJOINT (symmetric)")
	}
}

// TestVersionVectorMergePartialOverlap merges two partially overlapping vectors;
// the merged clock must have exactly four entries: node3:5, node6:3, node9:2, node12:2.
func TestVersionVectorMergePartialOverlap(t *testing.T) {
	left := NewVersionVectorClock(map[uint32]uint64{3: 5, 6: 2, 9: 2})
	right := NewVersionVectorClock(map[uint32]uint64{3: 4, 6: 3, 9: 2, 12: 2})
	merged := left.Merge(right).(VersionVectorClock)
	want := map[uint32]uint64{3: 5, 6: 3, 9: 2, 12: 2}
	got := merged.counts()
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d (%v)", len(want), len(got), got)
	}
	for node, count := range want {
		if got[node] != count {
			t.Fatalf("node %d: expected %d, got %d", node, count, got[node])
		}
	}
}

func TestVersionVectorMergeIdempotentAndCommutative(t *testing.T) {
	a := NewVersionVectorClock(map[uint32]uint64{1: 3, 2: 1})
	b := NewVersionVectorClock(map[uint32]uint64{1: 1, 2: 5})
	ab := a.Merge(b).(VersionVectorClock)
	ba := b.Merge(a).(VersionVectorClock)
	if !ab.Equal(ba) {
		t.Fatal("merge should be commutative")
	}
	aab := a.Merge(ab).(VersionVectorClock)
	if !aab.Equal(ab) {
		t.Fatal("merge(a, merge(a, b)) should equal merge(a, b)")
	}
}

func TestVersionVectorZeroCountsDropped(t *testing.T) {
	vv := NewVersionVectorClock(map[uint32]uint64{1: 0, 2: 5})
	if len(vv.entries) != 1 {
		t.Fatalf("expected zero-count entries to be dropped, got %v", vv.entries)
	}
}

func TestComparePanicsOnMixedKinds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic comparing different clock kinds")
		}
	}()
	TimestampClock{TS: 1}.Compare(NewVersionVectorClock(nil))
}
