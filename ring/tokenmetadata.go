package ring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gholt/brimtext"
)

// Subscriber is notified of ring-change events (token additions, removals,
// pending-range updates). Built-in replication strategies register one to
// invalidate their natural-endpoint cache.
type Subscriber interface {
	OnChange()
}

// PendingRange records a range whose ownership is in transition due to a
// bootstrap or leave: writes to a token in Range must
// also be duplicated to Endpoints.
type PendingRange struct {
	Range     Range
	Endpoints []Endpoint
}

// TokenMetadata holds the token-ring placement state: the bi-directional
// token<->endpoint map, the bootstrap-token map, the leaving-endpoint set,
// and per-keyspace pending ranges. A single RWMutex guards all mutation and
// any read of the sorted-token cache.
type TokenMetadata struct {
	mu sync.RWMutex

	tokenToEndpoint map[string]Endpoint
	endpointToToken map[Endpoint]Token

	bootstrapTokenToEndpoint map[string]Endpoint
	bootstrapEndpointToToken map[Endpoint]Token

	leaving map[Endpoint]struct{}

	pending map[string][]PendingRange

	sorted []Token

	subMu       sync.Mutex
	subscribers []Subscriber
}

// NewTokenMetadata returns an empty TokenMetadata.
func NewTokenMetadata() *TokenMetadata {
	return &TokenMetadata{
		tokenToEndpoint:          make(map[string]Endpoint),
		endpointToToken:          make(map[Endpoint]Token),
		bootstrapTokenToEndpoint: make(map[string]Endpoint),
		bootstrapEndpointToToken: make(map[Endpoint]Token),
		leaving:                  make(map[Endpoint]struct{}),
		pending:                  make(map[string][]PendingRange),
	}
}

// Register adds subscriber to the copy-on-write notification list.
func (tm *TokenMetadata) Register(subscriber Subscriber) {
	tm.subMu.Lock()
	defer tm.subMu.Unlock()
	next := make([]Subscriber, len(tm.subscribers)+1)
	copy(next, tm.subscribers)
	next[len(tm.subscribers)] = subscriber
	tm.subscribers = next
}

// Unregister removes subscriber from the notification list, if present.
func (tm *TokenMetadata) Unregister(subscriber Subscriber) {
	tm.subMu.Lock()
	defer tm.subMu.Unlock()
	next := make([]Subscriber, 0, len(tm.subscribers))
	for _, s := range tm.subscribers {
		if s != subscriber {
			next = append(next, s)
		}
	}
	tm.subscribers = next
}

// notify fires OnChange on every registered subscriber synchronously, in
// registration order, without holding tm.mu (a subscriber may call back
// into TokenMetadata to read the new state).
func (tm *TokenMetadata) notify() {
	tm.subMu.Lock()
	subs := tm.subscribers
	tm.subMu.Unlock()
	for _, s := range subs {
		s.OnChange()
	}
}

func (tm *TokenMetadata) rebuildSortedLocked() {
	sorted := make([]Token, 0, len(tm.tokenToEndpoint))
	for _, endpoint := range tm.tokenToEndpoint {
		sorted = append(sorted, tm.endpointToToken[endpoint])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	tm.sorted = sorted
}

// UpdateNormalToken assigns token to endpoint as a steady-state ring
// member, replacing any prior token endpoint held and clearing any
// bootstrap-token entry for endpoint (a token cannot simultaneously appear
// in tokenToEndpoint and bootstrapTokens for the same endpoint).
func (tm *TokenMetadata) UpdateNormalToken(token Token, endpoint Endpoint) {
	tm.mu.Lock()
	if oldToken, ok := tm.endpointToToken[endpoint]; ok {
		delete(tm.tokenToEndpoint, oldToken.key())
	}
	tm.tokenToEndpoint[token.key()] = endpoint
	tm.endpointToToken[endpoint] = token
	if bt, ok := tm.bootstrapEndpointToToken[endpoint]; ok {
		delete(tm.bootstrapTokenToEndpoint, bt.key())
		delete(tm.bootstrapEndpointToToken, endpoint)
	}
	tm.rebuildSortedLocked()
	tm.mu.Unlock()
	tm.notify()
}

// AddBootstrapToken records token as claimed by a bootstrapping endpoint.
// It fails if the token is already claimed, in either bootstrapTokens or
// tokenToEndpoint, by a different endpoint. Rewriting the same (token,
// endpoint) pair is idempotent.
func (tm *TokenMetadata) AddBootstrapToken(token Token, endpoint Endpoint) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	k := token.key()
	if owner, ok := tm.tokenToEndpoint[k]; ok && owner != endpoint {
		return fmt.Errorf("ring: token %s already owned by endpoint %s", token, owner)
	}
	if owner, ok := tm.bootstrapTokenToEndpoint[k]; ok && owner != endpoint {
		return fmt.Errorf("ring: token %s already bootstrapping on endpoint %s", token, owner)
	}
	if oldToken, ok := tm.bootstrapEndpointToToken[endpoint]; ok && oldToken.key() != k {
		delete(tm.bootstrapTokenToEndpoint, oldToken.key())
	}
	tm.bootstrapTokenToEndpoint[k] = endpoint
	tm.bootstrapEndpointToToken[endpoint] = token
	return nil
}

// RemoveBootstrapToken removes a bootstrap-token reservation, if present.
func (tm *TokenMetadata) RemoveBootstrapToken(token Token) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	k := token.key()
	if endpoint, ok := tm.bootstrapTokenToEndpoint[k]; ok {
		delete(tm.bootstrapTokenToEndpoint, k)
		delete(tm.bootstrapEndpointToToken, endpoint)
	}
}

// AddLeavingEndpoint marks a current ring member as leaving. Calling
// this for a non-member is caller misuse and is a hard assert, not a
// recoverable error.
func (tm *TokenMetadata) AddLeavingEndpoint(endpoint Endpoint) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.endpointToToken[endpoint]; !ok {
		panic(fmt.Sprintf("ring: AddLeavingEndpoint on non-member endpoint %s", endpoint))
	}
	tm.leaving[endpoint] = struct{}{}
}

// RemoveLeavingEndpoint clears the leaving flag for endpoint, if set.
func (tm *TokenMetadata) RemoveLeavingEndpoint(endpoint Endpoint) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.leaving, endpoint)
}

// RemoveEndpoint removes endpoint entirely: its normal token, any
// bootstrap-token reservation, and its leaving flag.
func (tm *TokenMetadata) RemoveEndpoint(endpoint Endpoint) {
	tm.mu.Lock()
	if token, ok := tm.endpointToToken[endpoint]; ok {
		delete(tm.tokenToEndpoint, token.key())
		delete(tm.endpointToToken, endpoint)
	}
	if token, ok := tm.bootstrapEndpointToToken[endpoint]; ok {
		delete(tm.bootstrapTokenToEndpoint, token.key())
		delete(tm.bootstrapEndpointToToken, endpoint)
	}
	delete(tm.leaving, endpoint)
	tm.rebuildSortedLocked()
	tm.mu.Unlock()
	tm.notify()
}

// GetToken returns the token owned by endpoint, if it is a current member.
func (tm *TokenMetadata) GetToken(endpoint Endpoint) (Token, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.endpointToToken[endpoint]
	return t, ok
}

// GetEndpoint returns the endpoint owning token, if any.
func (tm *TokenMetadata) GetEndpoint(token Token) (Endpoint, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	e, ok := tm.tokenToEndpoint[token.key()]
	return e, ok
}

// IsMember reports whether endpoint currently owns a normal token.
func (tm *TokenMetadata) IsMember(endpoint Endpoint) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.endpointToToken[endpoint]
	return ok
}

// IsLeaving reports whether endpoint is marked as leaving.
func (tm *TokenMetadata) IsLeaving(endpoint Endpoint) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.leaving[endpoint]
	return ok
}

// SortedTokens returns a sorted snapshot of the current ring tokens.
func (tm *TokenMetadata) SortedTokens() []Token {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]Token, len(tm.sorted))
	copy(out, tm.sorted)
	return out
}

// neighborsLocked returns the ring predecessor and successor of token. If
// token is itself a ring member, its immediate neighbors are returned;
// otherwise the neighbors it would have if inserted are returned. Must be
// called with tm.mu held for reading.
func (tm *TokenMetadata) neighborsLocked(token Token) (pred, succ Token, ok bool) {
	n := len(tm.sorted)
	if n == 0 {
		return Token{}, Token{}, false
	}
	idx := sort.Search(n, func(i int) bool { return tm.sorted[i].Compare(token) >= 0 })
	if idx < n && tm.sorted[idx].Equal(token) {
		pred = tm.sorted[(idx-1+n)%n]
		succ = tm.sorted[(idx+1)%n]
	} else {
		succ = tm.sorted[idx%n]
		pred = tm.sorted[(idx-1+n)%n]
	}
	return pred, succ, true
}

// GetPredecessor returns the ring predecessor of token, wrapping from the
// first token to the last.
func (tm *TokenMetadata) GetPredecessor(token Token) (Token, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	pred, _, ok := tm.neighborsLocked(token)
	return pred, ok
}

// GetSuccessor returns the ring successor of token.
func (tm *TokenMetadata) GetSuccessor(token Token) (Token, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, succ, ok := tm.neighborsLocked(token)
	return succ, ok
}

// GetPrimaryRangeFor returns the half-open range (predecessor(token),
// token] that token primarily owns.
func (tm *TokenMetadata) GetPrimaryRangeFor(token Token) (Range, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	pred, _, ok := tm.neighborsLocked(token)
	if !ok {
		return Range{}, fmt.Errorf("ring: empty ring has no primary range")
	}
	return Range{Start: pred, End: token}, nil
}

// RingIterator produces a finite cyclic sequence over the sorted tokens,
// beginning at start (or, if start is not itself a ring token, at the
// position it would occupy), visiting every token exactly once.
type RingIterator struct {
	tokens []Token
	idx    int
	left   int
}

// RingIterator returns an iterator starting at start. Binary-searches start
// into the sorted tokens; if not found, begins at the insertion index
// modulo the ring size.
func (tm *TokenMetadata) RingIterator(start Token) *RingIterator {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	n := len(tm.sorted)
	if n == 0 {
		return &RingIterator{}
	}
	tokens := make([]Token, n)
	copy(tokens, tm.sorted)
	idx := sort.Search(n, func(i int) bool { return tokens[i].Compare(start) >= 0 })
	if idx == n {
		idx = 0
	}
	return &RingIterator{tokens: tokens, idx: idx, left: n}
}

// Next returns the next token in the cyclic sequence, or (Token{}, false)
// once every token has been visited exactly once.
func (it *RingIterator) Next() (Token, bool) {
	if it.left <= 0 {
		return Token{}, false
	}
	t := it.tokens[it.idx]
	it.idx = (it.idx + 1) % len(it.tokens)
	it.left--
	return t, true
}

// GetPendingRanges returns the pending ranges for keyspace. If endpoint is
// non-empty, only ranges that include that endpoint among their Endpoints
// are returned.
func (tm *TokenMetadata) GetPendingRanges(keyspace string, endpoint ...Endpoint) []PendingRange {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ranges := tm.pending[keyspace]
	if len(endpoint) == 0 {
		out := make([]PendingRange, len(ranges))
		copy(out, ranges)
		return out
	}
	want := endpoint[0]
	var out []PendingRange
	for _, pr := range ranges {
		for _, e := range pr.Endpoints {
			if e == want {
				out = append(out, pr)
				break
			}
		}
	}
	return out
}

// SetPendingRanges replaces the pending ranges for keyspace wholesale and
// notifies subscribers (a ring-change event).
func (tm *TokenMetadata) SetPendingRanges(keyspace string, ranges []PendingRange) {
	tm.mu.Lock()
	tm.pending[keyspace] = ranges
	tm.mu.Unlock()
	tm.notify()
}

// GetWriteEndpoints returns naturalEndpoints plus any endpoint of a pending
// range in keyspace that contains token. If there are no pending ranges for
// keyspace, naturalEndpoints is returned unchanged (same slice) for
// efficiency.
func (tm *TokenMetadata) GetWriteEndpoints(token Token, keyspace string, naturalEndpoints []Endpoint) []Endpoint {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ranges := tm.pending[keyspace]
	if len(ranges) == 0 {
		return naturalEndpoints
	}
	seen := make(map[Endpoint]struct{}, len(naturalEndpoints))
	out := append([]Endpoint(nil), naturalEndpoints...)
	for _, e := range naturalEndpoints {
		seen[e] = struct{}{}
	}
	for _, pr := range ranges {
		if !pr.Range.Contains(token) {
			continue
		}
		for _, e := range pr.Endpoints {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

// CloneOnlyTokenMap returns an independent snapshot containing only the
// token<->endpoint mapping (no bootstrap tokens, leaving set, pending
// ranges, or subscribers): an independent snapshot constructed under
// the read lock.
func (tm *TokenMetadata) CloneOnlyTokenMap() *TokenMetadata {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	clone := NewTokenMetadata()
	for k, e := range tm.tokenToEndpoint {
		clone.tokenToEndpoint[k] = e
	}
	for e, t := range tm.endpointToToken {
		clone.endpointToToken[e] = t
	}
	clone.rebuildSortedLocked()
	return clone
}

// String renders a human-readable summary of the ring's membership as
// an aligned label/value table rather than a Go struct dump.
func (tm *TokenMetadata) String() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	rows := [][]string{
		{"members", fmt.Sprintf("%d", len(tm.endpointToToken))},
		{"bootstrapping", fmt.Sprintf("%d", len(tm.bootstrapEndpointToToken))},
		{"leaving", fmt.Sprintf("%d", len(tm.leaving))},
	}
	for _, tok := range tm.sorted {
		endpoint := tm.tokenToEndpoint[tok.key()]
		rows = append(rows, []string{tok.String(), string(endpoint)})
	}
	return brimtext.Align(rows, nil)
}

// CloneAfterAllLeft returns an independent snapshot as if every endpoint
// currently marked leaving had already completed its departure.
func (tm *TokenMetadata) CloneAfterAllLeft() *TokenMetadata {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	clone := NewTokenMetadata()
	for e, t := range tm.endpointToToken {
		if _, leaving := tm.leaving[e]; leaving {
			continue
		}
		clone.tokenToEndpoint[t.key()] = e
		clone.endpointToToken[e] = t
	}
	clone.rebuildSortedLocked()
	return clone
}
