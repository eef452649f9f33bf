// Package ring implements token-ring placement state:
// TokenMetadata, the bi-directional token/endpoint maps, primary ranges,
// the ring iterator, and pending-range bookkeeping for bootstrap/leave.
package ring

import (
	"bytes"
	"fmt"
	"math/big"
)

// Endpoint identifies a node in the cluster. It is intentionally a plain
// comparable string (e.g. "10.0.0.1:7000") rather than net.Addr: the ring
// only ever needs equality and map-keying. gossip.TCPTransport is the one
// place that treats it as a host:port to listen on and dial.
type Endpoint string

// Token is the opaque, totally-ordered value partitioning the circular
// key space. It wraps a big.Int so arbitrary-width token
// spaces (not just the md5/murmur3 128-bit space a partitioner might pick)
// are representable without the ring package caring which hash produced it.
type Token struct {
	v *big.Int
}

// NewToken builds a Token from a signed integer; useful for tests and for
// partitioners with a small, fixed token space.
func NewToken(n int64) Token {
	return Token{v: big.NewInt(n)}
}

// TokenFromBytes builds a Token from its big-endian unsigned byte
// representation, as produced by a partitioner hashing a key.
func TokenFromBytes(b []byte) Token {
	return Token{v: new(big.Int).SetBytes(b)}
}

// Bytes returns the big-endian unsigned byte representation of t.
func (t Token) Bytes() []byte {
	if t.v == nil {
		return nil
	}
	return t.v.Bytes()
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other.
func (t Token) Compare(other Token) int {
	return t.big().Cmp(other.big())
}

// Equal reports value equality.
func (t Token) Equal(other Token) bool {
	return t.Compare(other) == 0
}

func (t Token) big() *big.Int {
	if t.v == nil {
		return new(big.Int)
	}
	return t.v
}

// String renders the token's decimal value.
func (t Token) String() string {
	return t.big().String()
}

// key returns a canonical map key for t; big.Int.String() is a unique
// canonical representation of the value including sign.
func (t Token) key() string {
	return t.big().String()
}

// DecoratedKey pairs a token with the raw key bytes that hashed to it:
// ordered first by token, then by raw bytes.
type DecoratedKey struct {
	Token Token
	Key   []byte
}

// Compare orders DecoratedKeys first by Token, then by raw Key bytes.
func (k DecoratedKey) Compare(other DecoratedKey) int {
	if c := k.Token.Compare(other.Token); c != 0 {
		return c
	}
	return bytes.Compare(k.Key, other.Key)
}

func (k DecoratedKey) String() string {
	return fmt.Sprintf("DecoratedKey(%s, %x)", k.Token, k.Key)
}

// Range is the half-open interval (Start, End]:
// exclusive of Start, inclusive of End. When Start.Compare(End) > 0
// the range wraps around the high end of the ring.
type Range struct {
	Start Token
	End   Token
}

// Contains reports whether t falls within r, handling wraparound. A range
// whose Start equals its End is treated as covering the entire ring (the
// only way that arises is a single-token ring, where a node is its own
// predecessor).
func (r Range) Contains(t Token) bool {
	c := r.Start.Compare(r.End)
	switch {
	case c < 0:
		return t.Compare(r.Start) > 0 && t.Compare(r.End) <= 0
	case c > 0:
		return t.Compare(r.Start) > 0 || t.Compare(r.End) <= 0
	default:
		return true
	}
}

func (r Range) String() string {
	return fmt.Sprintf("(%s, %s]", r.Start, r.End)
}
