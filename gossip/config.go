package gossip

import (
	"math/rand"
	"time"

	"github.com/gholt/ringstore/ring"
)

// LogFunc is a printf-style sink the caller wires to whatever logger it
// likes, rather than this package importing one itself.
type LogFunc func(format string, v ...interface{})

func discardLog(string, ...interface{}) {}

// RingDelay is the quarantine period a removed endpoint's identity is
// held in to prevent a lagging gossip message from reincarnating it.
// 30s matches the commonly cited
// default gossip round-trip budget this window is sized against.
const RingDelay = 30 * time.Second

// GossipInterval is the period between gossip rounds.
const GossipInterval = time.Second

// Config collects a Gossiper's fixed collaborators and tunables, resolved
// through resolveConfig: explicit overrides win, otherwise a documented
// default applies.
type Config struct {
	LocalEndpoint  ring.Endpoint
	ClusterName    string
	Seeds          []ring.Endpoint
	Transport      Transport
	RingDelay      time.Duration
	GossipInterval time.Duration
	Rand           *rand.Rand

	LogCritical LogFunc
	LogError    LogFunc
	LogWarning  LogFunc
	LogInfo     LogFunc
	LogDebug    LogFunc
}

func resolveConfig(c *Config) *Config {
	resolved := *c
	if resolved.RingDelay <= 0 {
		resolved.RingDelay = RingDelay
	}
	if resolved.GossipInterval <= 0 {
		resolved.GossipInterval = GossipInterval
	}
	if resolved.Rand == nil {
		resolved.Rand = rand.New(rand.NewSource(1))
	}
	if resolved.LogCritical == nil {
		resolved.LogCritical = discardLog
	}
	if resolved.LogError == nil {
		resolved.LogError = discardLog
	}
	if resolved.LogWarning == nil {
		resolved.LogWarning = discardLog
	}
	if resolved.LogInfo == nil {
		resolved.LogInfo = discardLog
	}
	if resolved.LogDebug == nil {
		resolved.LogDebug = discardLog
	}
	return &resolved
}
