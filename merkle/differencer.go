package merkle

import "github.com/gholt/ringstore/ring"

// Differences walks local and remote in lock step from their common root
// and returns the minimal set of leaf ranges where the two trees
// disagree. Both trees must be sealed and built over
// the same base range with the same leaf count.
func Differences(local, remote *Tree) []ring.Range {
	if !local.sealed || !remote.sealed {
		panic("merkle: both trees must be sealed before differencing")
	}
	if local.LeafCount() != remote.LeafCount() {
		panic("merkle: trees have different leaf counts")
	}
	var out []ring.Range
	walk(local, remote, 0, local.LeafCount(), &out)
	return out
}

func walk(local, remote *Tree, lo, hi int, out *[]ring.Range) {
	if local.hashSpan(lo, hi) == remote.hashSpan(lo, hi) {
		return
	}
	if hi-lo == 1 {
		*out = append(*out, local.leaves[lo].rng)
		return
	}
	mid := lo + (hi-lo)/2
	walk(local, remote, lo, mid, out)
	walk(local, remote, mid, hi, out)
}
