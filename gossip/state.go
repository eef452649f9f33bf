// Package gossip implements the peer-to-peer gossip dissemination and
// heartbeat failure detector wiring: endpoint state, the
// SYN/ACK/ACK2 digest exchange, apply-state-locally, and the removal
// quarantine that prevents a lagging node from reincarnating a
// decommissioned peer.
package gossip

import (
	"time"

	"github.com/gholt/ringstore/ring"
)

// TokenState is the application-state key under which a ring member
// announces its token. Its presence is what distinguishes a member from
// a fat client.
const TokenState = "TOKEN"

// HeartBeatState is a node's boot-epoch generation plus a per-restart
// version counter incremented on every local state change.
type HeartBeatState struct {
	Generation int32
	Version    int32
}

// ApplicationState is one value in a node's application-state map, tagged
// with the version at which it was last changed.
type ApplicationState struct {
	Value        string
	StateVersion int32
}

// EndpointState is the full gossip-visible state of one node: its
// heartbeat, its application-state map, liveness flags, and the wall-clock
// of the last observation.
type EndpointState struct {
	Heartbeat       HeartBeatState
	AppState        map[string]ApplicationState
	IsAlive         bool
	IsGossiper      bool
	HasToken        bool
	UpdateTimestamp time.Time
}

// NewEndpointState returns an EndpointState with the given generation and
// an empty application-state map.
func NewEndpointState(generation int32) *EndpointState {
	return &EndpointState{
		Heartbeat: HeartBeatState{Generation: generation},
		AppState:  make(map[string]ApplicationState),
	}
}

// MaxVersion returns the maximum of the heartbeat version and every
// application-state version; the value a GossipDigest advertises.
func (es *EndpointState) MaxVersion() int32 {
	max := es.Heartbeat.Version
	for _, a := range es.AppState {
		if a.StateVersion > max {
			max = a.StateVersion
		}
	}
	return max
}

// Clone returns a deep copy of es so callers may hold onto a snapshot
// without racing the gossip stage's mutations.
func (es *EndpointState) Clone() *EndpointState {
	clone := &EndpointState{
		Heartbeat:       es.Heartbeat,
		AppState:        make(map[string]ApplicationState, len(es.AppState)),
		IsAlive:         es.IsAlive,
		IsGossiper:      es.IsGossiper,
		HasToken:        es.HasToken,
		UpdateTimestamp: es.UpdateTimestamp,
	}
	for k, v := range es.AppState {
		clone.AppState[k] = v
	}
	return clone
}

// GossipDigest is the tuple (endpoint, generation, maxVersion) exchanged
// during a gossip round to discover divergence.
type GossipDigest struct {
	Endpoint   ring.Endpoint
	Generation int32
	MaxVersion int32
}

// generationGreater uses ordinary signed comparison, never subtraction,
// so it cannot overflow for generations more than half the int32 range
// apart.
func generationGreater(a, b int32) bool {
	return a > b
}
