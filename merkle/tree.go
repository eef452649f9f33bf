// Package merkle implements Merkle-tree anti-entropy repair:
// tree construction over a read-only scan, tree exchange, and a
// differencer that produces the minimal set of disagreeing ranges
// between two replicas' trees.
package merkle

import (
	"math/big"

	"github.com/gholt/ringstore/ring"
	"github.com/spaolacci/murmur3"
)

// Hash is the 128-bit murmur3 digest used throughout this package, for
// both leaf row hashes and interior node hashes.
type Hash [16]byte

func hashBytes(b []byte) Hash {
	h1, h2 := murmur3.Sum128(b)
	var out Hash
	for i := 0; i < 8; i++ {
		out[i] = byte(h1 >> (8 * uint(i)))
		out[8+i] = byte(h2 >> (8 * uint(i)))
	}
	return out
}

func combine(a, b Hash) Hash {
	buf := make([]byte, 0, 32)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return hashBytes(buf)
}

// leaf is one bottom-level range of a Tree, with a running hash
// accumulated during the scan and sealed once the scan completes.
type leaf struct {
	rng    ring.Range
	hash   Hash
	filled bool
}

// Tree is a Merkle tree partitioned by token range, covering a single
// validator's base range (normally one replica's primary range or a
// portion of it under repair). Leaves are created up front by splitting
// base into 2^depth equal-width sub-ranges; interior hashes are computed
// lazily by Hash once every leaf has been sealed.
type Tree struct {
	base   ring.Range
	leaves []leaf
	sealed bool
}

// NewTree builds a Tree over base with at least leafCount leaves, rounded
// up to the next power of two so every interior node has exactly two
// children; the depth is chosen so the tree has at least on the order
// of cluster-size x branching leaves.
//
// base must not wrap around the high end of the ring (base.Start must
// compare <= base.End); a caller repairing a wrapping primary range
// splits it into two trees first. Token interpolation treats tokens as
// unsigned magnitudes, which holds for hash-derived tokens (the common
// case, e.g. murmur3 output via ring.TokenFromBytes); a negative token
// minted with ring.NewToken loses its sign under this split.
func NewTree(base ring.Range, leafCount int) *Tree {
	start := new(big.Int).SetBytes(base.Start.Bytes())
	end := new(big.Int).SetBytes(base.End.Bytes())
	if start.Cmp(end) > 0 {
		panic("merkle: tree base range must not wrap; split it first")
	}
	n := 1
	for n < leafCount {
		n <<= 1
	}
	span := new(big.Int).Sub(end, start)
	leaves := make([]leaf, n)
	boundary := start
	for i := 0; i < n; i++ {
		next := end
		if i < n-1 {
			next = interpolate(start, span, i+1, n)
		}
		leaves[i] = leaf{rng: ring.Range{
			Start: ring.TokenFromBytes(boundary.Bytes()),
			End:   ring.TokenFromBytes(next.Bytes()),
		}}
		boundary = next
	}
	return &Tree{base: base, leaves: leaves}
}

func interpolate(start, span *big.Int, i, n int) *big.Int {
	num := new(big.Int).Mul(span, big.NewInt(int64(i)))
	num.Div(num, big.NewInt(int64(n)))
	return new(big.Int).Add(start, num)
}

// LeafFor returns the index of the leaf whose range contains tok.
func (t *Tree) LeafFor(tok ring.Token) int {
	for i, l := range t.leaves {
		if l.rng.Contains(tok) {
			return i
		}
	}
	return len(t.leaves) - 1
}

// AccumulateRow folds one scanned row's (key, content hash) into the leaf
// covering its token. Must be called in decoratedKey
// order during the scan, before Seal.
func (t *Tree) AccumulateRow(dk ring.DecoratedKey, rowContentHash Hash) {
	i := t.LeafFor(dk.Token)
	l := &t.leaves[i]
	rowHash := combine(hashBytes(dk.Key), rowContentHash)
	if !l.filled {
		l.hash = rowHash
		l.filled = true
		return
	}
	l.hash = combine(l.hash, rowHash)
}

// Seal finishes the scan: every leaf is frozen (an empty leaf hashes to
// the zero value) so interior hashes become well defined bottom-up.
func (t *Tree) Seal() {
	for i := range t.leaves {
		t.leaves[i].filled = true
	}
	t.sealed = true
}

// Hash returns the hash over exactly the leaves covering rng, which must
// be the union of one or more consecutive leaf ranges. Panics if called
// before Seal or if rng's Start or End does not fall on a leaf boundary.
func (t *Tree) Hash(rng ring.Range) Hash {
	if !t.sealed {
		panic("merkle: tree not sealed")
	}
	lo, hi, ok := t.leafSpan(rng)
	if !ok {
		panic("merkle: range does not align to a tree boundary")
	}
	return t.hashSpan(lo, hi)
}

func (t *Tree) hashSpan(lo, hi int) Hash {
	if hi-lo == 1 {
		return t.leaves[lo].hash
	}
	mid := lo + (hi-lo)/2
	return combine(t.hashSpan(lo, mid), t.hashSpan(mid, hi))
}

// leafSpan finds the [lo, hi) leaf index range matching rng, requiring an
// exact boundary match.
func (t *Tree) leafSpan(rng ring.Range) (lo, hi int, ok bool) {
	foundLo, foundHi := false, false
	for i, l := range t.leaves {
		if l.rng.Start.Equal(rng.Start) {
			lo = i
			foundLo = true
		}
		if l.rng.End.Equal(rng.End) {
			hi = i + 1
			foundHi = true
		}
	}
	return lo, hi, foundLo && foundHi
}

// LeafCount returns the number of leaves in the tree.
func (t *Tree) LeafCount() int { return len(t.leaves) }

// LeafRange returns the token range covered by leaf i.
func (t *Tree) LeafRange(i int) ring.Range { return t.leaves[i].rng }
