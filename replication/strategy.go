// Package replication implements replica placement strategies:
// a pure function from (token, ring, leaving, pending) to an ordered
// list of natural endpoints, with a token-keyed cache invalidated on ring
// change.
package replication

import (
	"sync"

	"github.com/gholt/ringstore/ring"
)

// Strategy calculates the natural endpoints for a token: the endpoints
// that own it under the steady-state replication policy, before pending
// ranges are folded in by ring.TokenMetadata.GetWriteEndpoints.
type Strategy interface {
	CalculateNaturalEndpoints(token ring.Token, tm *ring.TokenMetadata) []ring.Endpoint
}

// cache is a token-keyed memo of CalculateNaturalEndpoints results, cleared
// wholesale on any ring-change notification.
type cache struct {
	mu      sync.RWMutex
	entries map[string][]ring.Endpoint
}

func newCache() *cache {
	return &cache{entries: make(map[string][]ring.Endpoint)}
}

func (c *cache) get(token ring.Token) ([]ring.Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[token.String()]
	return v, ok
}

func (c *cache) put(token ring.Token, endpoints []ring.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token.String()] = endpoints
}

// OnChange implements ring.Subscriber: any ring change invalidates the
// entire cache rather than attempting fine-grained eviction.
func (c *cache) OnChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]ring.Endpoint)
}

// CachingStrategy wraps a Strategy with the token-keyed cache described
// above and registers itself with a TokenMetadata for invalidation.
type CachingStrategy struct {
	inner Strategy
	cache *cache
}

// NewCachingStrategy wraps inner and registers the returned strategy's
// cache with tm so ring changes invalidate it.
func NewCachingStrategy(inner Strategy, tm *ring.TokenMetadata) *CachingStrategy {
	cs := &CachingStrategy{inner: inner, cache: newCache()}
	tm.Register(cs.cache)
	return cs
}

// CalculateNaturalEndpoints implements Strategy, serving from cache when
// possible.
func (cs *CachingStrategy) CalculateNaturalEndpoints(token ring.Token, tm *ring.TokenMetadata) []ring.Endpoint {
	if endpoints, ok := cs.cache.get(token); ok {
		return endpoints
	}
	endpoints := cs.inner.CalculateNaturalEndpoints(token, tm)
	cs.cache.put(token, endpoints)
	return endpoints
}

// LocalStrategy always returns the local endpoint: used for
// single-replica system keyspaces.
type LocalStrategy struct {
	Local ring.Endpoint
}

// CalculateNaturalEndpoints implements Strategy.
func (s LocalStrategy) CalculateNaturalEndpoints(ring.Token, *ring.TokenMetadata) []ring.Endpoint {
	return []ring.Endpoint{s.Local}
}

// SimpleStrategy walks the ring starting at the first token >= the given
// token, collecting distinct endpoints until ReplicationFactor are found.
type SimpleStrategy struct {
	ReplicationFactor int
}

// CalculateNaturalEndpoints implements Strategy.
func (s SimpleStrategy) CalculateNaturalEndpoints(token ring.Token, tm *ring.TokenMetadata) []ring.Endpoint {
	if s.ReplicationFactor <= 0 {
		return nil
	}
	it := tm.RingIterator(token)
	seen := make(map[ring.Endpoint]struct{}, s.ReplicationFactor)
	var endpoints []ring.Endpoint
	for len(endpoints) < s.ReplicationFactor {
		tok, ok := it.Next()
		if !ok {
			break
		}
		endpoint, ok := tm.GetEndpoint(tok)
		if !ok {
			continue
		}
		if _, dup := seen[endpoint]; dup {
			continue
		}
		seen[endpoint] = struct{}{}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// DatacenterLookup supplies per-endpoint topology
// (endpoint -> datacenter, rack); snitch implementations live outside
// this package.
type DatacenterLookup interface {
	Datacenter(endpoint ring.Endpoint) string
	Rack(endpoint ring.Endpoint) string
}

// DatacenterAwareStrategy extends SimpleStrategy's ring walk with a
// per-datacenter replica budget. Racks are not considered (the lookup's
// Rack is never consulted); this only guarantees no more than the configured count is taken from any one
// datacenter.
type DatacenterAwareStrategy struct {
	ReplicationFactorByDatacenter map[string]int
	Topology                      DatacenterLookup
}

// CalculateNaturalEndpoints implements Strategy.
func (s DatacenterAwareStrategy) CalculateNaturalEndpoints(token ring.Token, tm *ring.TokenMetadata) []ring.Endpoint {
	total := 0
	for _, n := range s.ReplicationFactorByDatacenter {
		total += n
	}
	if total <= 0 {
		return nil
	}
	it := tm.RingIterator(token)
	seen := make(map[ring.Endpoint]struct{})
	perDC := make(map[string]int, len(s.ReplicationFactorByDatacenter))
	var endpoints []ring.Endpoint
	for len(endpoints) < total {
		tok, ok := it.Next()
		if !ok {
			break
		}
		endpoint, ok := tm.GetEndpoint(tok)
		if !ok {
			continue
		}
		if _, dup := seen[endpoint]; dup {
			continue
		}
		dc := s.Topology.Datacenter(endpoint)
		want := s.ReplicationFactorByDatacenter[dc]
		if perDC[dc] >= want {
			continue
		}
		seen[endpoint] = struct{}{}
		perDC[dc]++
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}
