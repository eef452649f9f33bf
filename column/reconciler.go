package column

import (
	"bytes"

	"github.com/gholt/ringstore/clock"
)

// Reconciler resolves two columns known to share a name into the winner
// (or merged value). Implementers are selected per column family.
type Reconciler interface {
	Reconcile(left, right Column) Column
}

// converge handles the non-disjoint case, shared by
// ColumnFamily.Reconcile and TimestampReconciler (ConcatenatingReconciler
// never reaches it): the column with the greater clock wins; on EQUAL
// clocks a tombstone beats a live column, and otherwise the lexicographically
// greater value wins. This dispatches deterministically regardless of which
// side is passed first, satisfying reconcile(a, b) == reconcile(b, a).
func converge(left, right Column) Column {
	switch left.Clock.Compare(right.Clock) {
	case clock.Greater:
		return left
	case clock.Less:
		return right
	case clock.Equal:
		if left.Tombstone != right.Tombstone {
			if left.Tombstone {
				return left
			}
			return right
		}
		if bytes.Compare(left.Value, right.Value) >= 0 {
			return left
		}
		return right
	default:
		panic("column: converge invoked with disjoint clocks")
	}
}

// TimestampReconciler implements the timestamp-last-write-wins strategy.
// Disjoint clocks are never possible between two TimestampClock values, so
// encountering one here indicates a caller passed mismatched clock kinds.
type TimestampReconciler struct{}

// Reconcile implements Reconciler.
func (TimestampReconciler) Reconcile(left, right Column) Column {
	if left.Clock.Compare(right.Clock) == clock.Disjoint {
		panic("column: TimestampReconciler invoked with disjoint clocks")
	}
	return converge(left, right)
}

// ConcatenatingReconciler implements the version-vector-concatenating
// strategy for version-vector column families. It is only meaningful when
// the two columns' clocks are DISJOINT; a non-disjoint pair means the
// caller wired the wrong reconciler to the column family, so this
// implementation panics rather than guessing a semantics.
type ConcatenatingReconciler struct{}

// Reconcile implements Reconciler.
func (ConcatenatingReconciler) Reconcile(left, right Column) Column {
	rel := left.Clock.Compare(right.Clock)
	if rel != clock.Disjoint {
		panic("column: ConcatenatingReconciler invoked on non-disjoint clocks")
	}
	merged := left.Clock.Merge(right.Clock)
	switch {
	case left.Tombstone && right.Tombstone:
		ldt := left.LocalDeleteTime()
		rdt := right.LocalDeleteTime()
		if rdt > ldt {
			ldt = rdt
		}
		return Column{
			Name:      left.Name,
			Value:     EncodeLocalDeleteTime(ldt),
			Clock:     merged,
			Tombstone: true,
		}
	case left.Tombstone:
		return Column{Name: left.Name, Value: right.Value, Clock: merged, Tombstone: false, TTL: right.TTL}
	case right.Tombstone:
		return Column{Name: left.Name, Value: left.Value, Clock: merged, Tombstone: false, TTL: left.TTL}
	default:
		value := make([]byte, 0, len(left.Value)+len(right.Value))
		value = append(value, left.Value...)
		value = append(value, right.Value...)
		return Column{Name: left.Name, Value: value, Clock: merged, Tombstone: false}
	}
}
