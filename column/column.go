// Package column holds the wide-column data model (Column, SuperColumn,
// ColumnFamily) and the reconciliation semantics used during compaction
// and repair.
package column

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gholt/ringstore/clock"
)

// Column is the smallest unit of storage: (name, value, clock, tombstone,
// ttl). A tombstone column's Value holds the 4-byte big-endian encoding of
// its local-delete-time.
type Column struct {
	Name      []byte
	Value     []byte
	Clock     clock.Clock
	Tombstone bool
	// TTL is the optional expiry time, in the same units as the now passed
	// to Expired (e.g. seconds since epoch): the column counts as expired
	// once now >= *TTL. nil or zero means no expiry.
	TTL *uint32
}

// EncodeLocalDeleteTime packs a local-delete-time into the 4-byte
// big-endian form a tombstone column stores as its Value.
func EncodeLocalDeleteTime(t uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, t)
	return b
}

// LocalDeleteTime decodes a tombstone column's Value. It panics if c is not
// a tombstone or its Value is not exactly 4 bytes; both are caller errors.
func (c Column) LocalDeleteTime() uint32 {
	if !c.Tombstone {
		panic("column: LocalDeleteTime called on a non-tombstone column")
	}
	if len(c.Value) != 4 {
		panic(fmt.Sprintf("column: tombstone value must be 4 bytes, got %d", len(c.Value)))
	}
	return binary.BigEndian.Uint32(c.Value)
}

// Expired reports whether c's TTL has elapsed as of now (a local-delete-time
// comparable value, e.g. seconds since epoch).
func (c Column) Expired(now uint32) bool {
	return c.TTL != nil && *c.TTL > 0 && now >= *c.TTL
}

// SuperColumn is an ordered sequence of Columns under one name.
// Columns must be kept sorted by the owning ColumnFamily's SubComparator.
type SuperColumn struct {
	Name    []byte
	Columns []Column
}

// ColumnFamilyType distinguishes Standard from Super column families.
type ColumnFamilyType int

const (
	// Standard column families store flat columns per key.
	Standard ColumnFamilyType = iota
	// Super column families store named groups of sub-columns per key.
	Super
)

func (t ColumnFamilyType) String() string {
	if t == Super {
		return "Super"
	}
	return "Standard"
}

// Comparator orders column (or super-column) names.
type Comparator func(a, b []byte) int

// ColumnFamily is the logical container identified by (Keyspace, Name),
// configured with a comparator, an optional sub-comparator for Super CFs,
// and a Reconciler.
type ColumnFamily struct {
	Keyspace      string
	Name          string
	Type          ColumnFamilyType
	Comparator    Comparator
	SubComparator Comparator
	Reconciler    Reconciler
}

// SortColumns sorts cols in place by cf's Comparator.
func (cf *ColumnFamily) SortColumns(cols []Column) {
	sort.Slice(cols, func(i, j int) bool {
		return cf.Comparator(cols[i].Name, cols[j].Name) < 0
	})
}

// Reconcile resolves two columns sharing a name. When the clocks are
// ordered (or equal) the column with the greater clock wins outright,
// whatever reconciler the family is configured with; only a DISJOINT
// pair, which can arise solely under version-vector clocks, is handed to
// cf's configured Reconciler. It is never valid to call with columns of
// different names.
func (cf *ColumnFamily) Reconcile(left, right Column) Column {
	if cf.Comparator(left.Name, right.Name) != 0 {
		panic("column: Reconcile called on columns with different names")
	}
	if left.Clock.Compare(right.Clock) != clock.Disjoint {
		return converge(left, right)
	}
	return cf.Reconciler.Reconcile(left, right)
}
