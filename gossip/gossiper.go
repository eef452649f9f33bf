package gossip

import (
	"fmt"
	"sync"
	"time"

	"github.com/gholt/brimtext"
	"github.com/gholt/ringstore/failuredetector"
	"github.com/gholt/ringstore/ring"
)

// NextGeneration advances a persisted generation counter by one. On
// restart a node reads its last generation, advances it, and writes it
// back before gossiping. Reading and writing the persisted value is the
// caller's concern; this just encodes the arithmetic so every caller
// advances the same way.
func NextGeneration(persisted int32) int32 {
	return persisted + 1
}

// Gossiper runs the peer-to-peer dissemination loop:
// a periodic digest exchange that converges every node's view of
// every other node's EndpointState, layered with a phi-accrual failure
// detector and a removal quarantine.
//
// Gossip state mutations are meant to be serialized onto a single
// goroutine (the periodic tick and the three inbound message handlers);
// mu exists so other threads -- readers of cluster membership -- can
// observe state without waiting on that goroutine, not to allow
// concurrent writers.
type Gossiper struct {
	cfg *Config

	mu               sync.RWMutex
	endpointStateMap map[ring.Endpoint]*EndpointState
	live             map[ring.Endpoint]struct{}
	unreachable      map[ring.Endpoint]struct{}
	quarantine       map[ring.Endpoint]time.Time

	fd *failuredetector.Detector

	subMu       sync.Mutex
	subscribers []Subscriber

	statsMu sync.Mutex
	stats   Stats

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Stats counts gossip activity for diagnostics.
type Stats struct {
	SynsSent    uint64
	SynsRecv    uint64
	AcksSent    uint64
	AcksRecv    uint64
	Ack2sSent   uint64
	Ack2sRecv   uint64
	Convictions uint64
}

// NewGossiper constructs a Gossiper for the local endpoint starting at
// the given heartbeat generation (see NextGeneration). fd may be nil, in
// which case a default phi-accrual detector is created.
func NewGossiper(cfg *Config, generation int32, fd *failuredetector.Detector) *Gossiper {
	cfg = resolveConfig(cfg)
	if fd == nil {
		fd = failuredetector.NewDetector(failuredetector.DefaultWindowSize, failuredetector.DefaultPhiThreshold)
	}
	g := &Gossiper{
		cfg:              cfg,
		endpointStateMap: make(map[ring.Endpoint]*EndpointState),
		live:             make(map[ring.Endpoint]struct{}),
		unreachable:      make(map[ring.Endpoint]struct{}),
		quarantine:       make(map[ring.Endpoint]time.Time),
		fd:               fd,
		stopChan:         make(chan struct{}),
	}
	local := NewEndpointState(generation)
	local.IsAlive = true
	local.IsGossiper = true
	local.UpdateTimestamp = time.Now()
	g.endpointStateMap[cfg.LocalEndpoint] = local
	g.live[cfg.LocalEndpoint] = struct{}{}

	fd.RegisterFailureDetectionEventListener(fdListener{g})
	cfg.Transport.SetMsgHandler(MsgSyn, g.handleSyn)
	cfg.Transport.SetMsgHandler(MsgAck, g.handleAck)
	cfg.Transport.SetMsgHandler(MsgAck2, g.handleAck2)
	return g
}

type fdListener struct{ g *Gossiper }

func (l fdListener) Convict(endpoint ring.Endpoint) { l.g.markDead(endpoint) }

// Start blocks until the transport is listening, then launches the
// periodic gossip round in a background goroutine.
func (g *Gossiper) Start() error {
	if err := g.cfg.Transport.WaitUntilListening(); err != nil {
		return err
	}
	g.wg.Add(1)
	go g.loop()
	return nil
}

// Stop halts the periodic gossip round. It does not notify peers; an
// operator-initiated departure is a higher-level concern layered on top
// of this primitive.
func (g *Gossiper) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	g.wg.Wait()
}

func (g *Gossiper) loop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.doGossipRound()
			g.statusCheck()
		}
	}
}

// LocalApplicationState sets a key in the local endpoint's application
// state map, bumping both its own version and the local heartbeat
// version, and fires OnChange to subscribers; the counterpart to state
// learned from a remote peer.
func (g *Gossiper) LocalApplicationState(key, value string) {
	g.mu.Lock()
	local := g.endpointStateMap[g.cfg.LocalEndpoint]
	local.Heartbeat.Version++
	v := ApplicationState{Value: value, StateVersion: local.Heartbeat.Version}
	local.AppState[key] = v
	if key == TokenState {
		local.HasToken = true
	}
	local.UpdateTimestamp = time.Now()
	g.mu.Unlock()
	g.notifyChange(g.cfg.LocalEndpoint, key, v)
}

// EndpointState returns a snapshot of what is known about endpoint, or
// nil if it is unknown.
func (g *Gossiper) EndpointState(endpoint ring.Endpoint) *EndpointState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	es, ok := g.endpointStateMap[endpoint]
	if !ok {
		return nil
	}
	return es.Clone()
}

// LiveEndpoints returns the endpoints currently believed alive.
func (g *Gossiper) LiveEndpoints() []ring.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ring.Endpoint, 0, len(g.live))
	for e := range g.live {
		out = append(out, e)
	}
	return out
}

// Subscribe registers s for endpoint lifecycle notifications.
func (g *Gossiper) Subscribe(s Subscriber) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	next := make([]Subscriber, len(g.subscribers)+1)
	copy(next, g.subscribers)
	next[len(next)-1] = s
	g.subscribers = next
}

func (g *Gossiper) snapshotSubscribers() []Subscriber {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	return g.subscribers
}

func (g *Gossiper) notifyJoin(endpoint ring.Endpoint, es *EndpointState) {
	for _, s := range g.snapshotSubscribers() {
		s.OnJoin(endpoint, es)
	}
}
func (g *Gossiper) notifyAlive(endpoint ring.Endpoint, es *EndpointState) {
	for _, s := range g.snapshotSubscribers() {
		s.OnAlive(endpoint, es)
	}
}
func (g *Gossiper) notifyDead(endpoint ring.Endpoint, es *EndpointState) {
	for _, s := range g.snapshotSubscribers() {
		s.OnDead(endpoint, es)
	}
}
func (g *Gossiper) notifyChange(endpoint ring.Endpoint, key string, value ApplicationState) {
	for _, s := range g.snapshotSubscribers() {
		s.OnChange(endpoint, key, value)
	}
}

// doGossipRound executes one round: bump the
// local heartbeat, build the digest list, and SYN a handful of targets
// (a random live endpoint, possibly an unreachable one by chance, and a
// seed if the local node doesn't believe any seed is live or knows fewer
// live peers than seeds).
func (g *Gossiper) doGossipRound() {
	g.mu.Lock()
	local := g.endpointStateMap[g.cfg.LocalEndpoint]
	local.Heartbeat.Version++
	local.UpdateTimestamp = time.Now()
	digests := g.buildDigestsLocked()
	g.mu.Unlock()

	targets := g.pickTargetsLocked()
	payload := EncodeSyn(g.cfg.ClusterName, digests)
	for _, t := range targets {
		g.cfg.Transport.SendOneWay(t, MsgSyn, payload)
		g.statsMu.Lock()
		g.stats.SynsSent++
		g.statsMu.Unlock()
	}
}

// buildDigestsLocked assembles a shuffled digest list with the local
// endpoint's digest first.
func (g *Gossiper) buildDigestsLocked() []GossipDigest {
	digests := make([]GossipDigest, 0, len(g.endpointStateMap))
	for e, es := range g.endpointStateMap {
		digests = append(digests, GossipDigest{Endpoint: e, Generation: es.Heartbeat.Generation, MaxVersion: es.MaxVersion()})
	}
	g.cfg.Rand.Shuffle(len(digests), func(i, j int) { digests[i], digests[j] = digests[j], digests[i] })
	for i, d := range digests {
		if d.Endpoint == g.cfg.LocalEndpoint && i != 0 {
			digests[0], digests[i] = digests[i], digests[0]
			break
		}
	}
	return digests
}

// pickTargetsLocked chooses this round's SYN destinations: one random
// live endpoint other than the local one, with some probability a random
// unreachable endpoint (so a partitioned node is periodically probed),
// and a seed whenever the local node doesn't believe any seed is live or
// knows fewer live peers than there are seeds, so a minority partition
// can still be reached by the majority.
func (g *Gossiper) pickTargetsLocked() []ring.Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var targets []ring.Endpoint
	liveOthers := make([]ring.Endpoint, 0, len(g.live))
	for e := range g.live {
		if e != g.cfg.LocalEndpoint {
			liveOthers = append(liveOthers, e)
		}
	}
	if len(liveOthers) > 0 {
		targets = append(targets, liveOthers[g.cfg.Rand.Intn(len(liveOthers))])
	}

	if len(g.unreachable) > 0 {
		unreachableFraction := float64(len(g.unreachable)) / float64(len(liveOthers)+1)
		if g.cfg.Rand.Float64() < unreachableFraction {
			unreachableList := make([]ring.Endpoint, 0, len(g.unreachable))
			for e := range g.unreachable {
				unreachableList = append(unreachableList, e)
			}
			targets = append(targets, unreachableList[g.cfg.Rand.Intn(len(unreachableList))])
		}
	}

	if len(g.cfg.Seeds) > 0 {
		seedAlive := false
		for _, seed := range g.cfg.Seeds {
			if _, ok := g.live[seed]; ok {
				seedAlive = true
				break
			}
		}
		if !seedAlive || len(liveOthers) < len(g.cfg.Seeds) {
			targets = append(targets, g.cfg.Seeds[g.cfg.Rand.Intn(len(g.cfg.Seeds))])
		}
	}
	return targets
}

func (g *Gossiper) handleSyn(source ring.Endpoint, payload []byte) {
	g.statsMu.Lock()
	g.stats.SynsRecv++
	g.statsMu.Unlock()

	clusterName, remoteDigests, err := DecodeSyn(payload)
	if err != nil || clusterName != g.cfg.ClusterName {
		g.cfg.LogWarning("gossip: rejecting syn from %v: cluster mismatch or malformed payload", source)
		return
	}

	g.mu.Lock()
	deltaDigests, deltaState := g.computeDeltaLocked(remoteDigests)
	g.mu.Unlock()

	ack := EncodeAck(deltaDigests, deltaState)
	g.cfg.Transport.SendOneWay(source, MsgAck, ack)
	g.statsMu.Lock()
	g.stats.AcksSent++
	g.statsMu.Unlock()
}

func (g *Gossiper) handleAck(source ring.Endpoint, payload []byte) {
	g.statsMu.Lock()
	g.stats.AcksRecv++
	g.statsMu.Unlock()

	deltaDigests, remoteState, err := DecodeAck(payload)
	if err != nil {
		g.cfg.LogWarning("gossip: malformed ack from %v", source)
		return
	}
	g.applyStateLocally(remoteState)

	g.mu.Lock()
	_, ack2State := g.computeDeltaLocked(deltaDigests)
	g.mu.Unlock()

	ack2 := EncodeAck2(ack2State)
	g.cfg.Transport.SendOneWay(source, MsgAck2, ack2)
	g.statsMu.Lock()
	g.stats.Ack2sSent++
	g.statsMu.Unlock()
}

func (g *Gossiper) handleAck2(source ring.Endpoint, payload []byte) {
	g.statsMu.Lock()
	g.stats.Ack2sRecv++
	g.statsMu.Unlock()

	remoteState, err := DecodeAck2(payload)
	if err != nil {
		g.cfg.LogWarning("gossip: malformed ack2 from %v", source)
		return
	}
	g.applyStateLocally(remoteState)
}

// computeDeltaLocked performs the digest comparison: for each
// remote digest, decide whether the local side needs more information
// (added to deltaDigests, a request) or has more to offer (added to
// deltaState, an answer). Must be called with mu held.
func (g *Gossiper) computeDeltaLocked(remoteDigests []GossipDigest) ([]GossipDigest, map[ring.Endpoint]*EndpointState) {
	var deltaDigests []GossipDigest
	deltaState := make(map[ring.Endpoint]*EndpointState)
	seen := make(map[ring.Endpoint]struct{}, len(remoteDigests))

	for _, d := range remoteDigests {
		seen[d.Endpoint] = struct{}{}
		local, known := g.endpointStateMap[d.Endpoint]
		switch {
		case !known:
			deltaDigests = append(deltaDigests, GossipDigest{Endpoint: d.Endpoint, Generation: d.Generation, MaxVersion: 0})
		case generationGreater(d.Generation, local.Heartbeat.Generation):
			deltaDigests = append(deltaDigests, GossipDigest{Endpoint: d.Endpoint, Generation: d.Generation, MaxVersion: 0})
		case generationGreater(local.Heartbeat.Generation, d.Generation):
			deltaState[d.Endpoint] = local.Clone()
		default:
			localMax := local.MaxVersion()
			switch {
			case d.MaxVersion > localMax:
				deltaDigests = append(deltaDigests, GossipDigest{Endpoint: d.Endpoint, Generation: d.Generation, MaxVersion: localMax})
			case d.MaxVersion < localMax:
				deltaState[d.Endpoint] = filteredState(local, d.MaxVersion)
			}
		}
	}

	// The sender can only ask about endpoints it already knows exist. Any
	// endpoint known locally but absent from its digest list is something
	// it has never heard of, so its full state goes out unconditionally
	// rather than waiting for a digest round that can never happen.
	for e, local := range g.endpointStateMap {
		if _, ok := seen[e]; !ok {
			deltaState[e] = local.Clone()
		}
	}
	return deltaDigests, deltaState
}

func filteredState(local *EndpointState, after int32) *EndpointState {
	out := &EndpointState{
		Heartbeat: HeartBeatState{Generation: local.Heartbeat.Generation},
		AppState:  make(map[string]ApplicationState),
	}
	if local.Heartbeat.Version > after {
		out.Heartbeat.Version = local.Heartbeat.Version
	}
	for k, v := range local.AppState {
		if v.StateVersion > after {
			out.AppState[k] = v
		}
	}
	return out
}

// applyStateLocally merges remote state into the local view:
// unknown endpoints join, higher generations restart, equal
// generations merge by per-key version, and stale (lower-generation)
// updates are dropped rather than applied; an accepted view's
// generation never moves backwards.
func (g *Gossiper) applyStateLocally(remote map[ring.Endpoint]*EndpointState) {
	for endpoint, r := range remote {
		if endpoint == g.cfg.LocalEndpoint {
			continue
		}
		if g.isQuarantined(endpoint) {
			continue
		}
		g.applyOneLocally(endpoint, r)
	}
}

func (g *Gossiper) applyOneLocally(endpoint ring.Endpoint, r *EndpointState) {
	g.mu.Lock()
	existing, known := g.endpointStateMap[endpoint]

	switch {
	case !known:
		stored := r.Clone()
		stored.IsAlive = false
		_, stored.HasToken = stored.AppState[TokenState]
		stored.UpdateTimestamp = time.Now()
		g.endpointStateMap[endpoint] = stored
		g.mu.Unlock()
		g.fd.Report(endpoint)
		g.notifyJoin(endpoint, stored)
		return

	case generationGreater(r.Heartbeat.Generation, existing.Heartbeat.Generation):
		stored := r.Clone()
		stored.IsAlive = true
		_, stored.HasToken = stored.AppState[TokenState]
		stored.UpdateTimestamp = time.Now()
		g.endpointStateMap[endpoint] = stored
		g.live[endpoint] = struct{}{}
		delete(g.unreachable, endpoint)
		g.mu.Unlock()
		g.fd.Report(endpoint)
		g.notifyJoin(endpoint, stored)
		return

	case r.Heartbeat.Generation == existing.Heartbeat.Generation:
		remoteMax := r.MaxVersion()
		localMax := existing.MaxVersion()
		if remoteMax <= localMax {
			g.mu.Unlock()
			return
		}
		wasAlive := existing.IsAlive
		changed := make(map[string]ApplicationState)
		if r.Heartbeat.Version > existing.Heartbeat.Version {
			existing.Heartbeat.Version = r.Heartbeat.Version
		}
		for k, v := range r.AppState {
			cur, ok := existing.AppState[k]
			if !ok || v.StateVersion > cur.StateVersion {
				existing.AppState[k] = v
				changed[k] = v
			}
		}
		if _, ok := existing.AppState[TokenState]; ok {
			existing.HasToken = true
		}
		existing.UpdateTimestamp = time.Now()
		existing.IsAlive = true
		g.live[endpoint] = struct{}{}
		delete(g.unreachable, endpoint)
		snapshot := existing.Clone()
		g.mu.Unlock()

		g.fd.Report(endpoint)
		if !wasAlive {
			g.notifyAlive(endpoint, snapshot)
		}
		for k, v := range changed {
			g.notifyChange(endpoint, k, v)
		}
		return

	default:
		// Stale: remote generation is behind what we've already accepted.
		g.mu.Unlock()
		return
	}
}

func (g *Gossiper) markDead(endpoint ring.Endpoint) {
	g.mu.Lock()
	es, ok := g.endpointStateMap[endpoint]
	if !ok || !es.IsAlive {
		g.mu.Unlock()
		return
	}
	es.IsAlive = false
	delete(g.live, endpoint)
	g.unreachable[endpoint] = struct{}{}
	snapshot := es.Clone()
	g.mu.Unlock()

	g.statsMu.Lock()
	g.stats.Convictions++
	g.statsMu.Unlock()
	g.notifyDead(endpoint, snapshot)
}

// RemoveEndpoint evicts endpoint entirely and starts its removal
// quarantine, so a gossip message still in flight from a peer that
// hasn't learned of the removal can't reintroduce it.
func (g *Gossiper) RemoveEndpoint(endpoint ring.Endpoint) {
	g.mu.Lock()
	delete(g.endpointStateMap, endpoint)
	delete(g.live, endpoint)
	delete(g.unreachable, endpoint)
	g.quarantine[endpoint] = time.Now()
	g.mu.Unlock()
	g.fd.Remove(endpoint)
}

func (g *Gossiper) isQuarantined(endpoint ring.Endpoint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	since, ok := g.quarantine[endpoint]
	if !ok {
		return false
	}
	return time.Since(since) < g.cfg.RingDelay
}

// fatClientTimeout is how long a token-less (fat client) endpoint may
// stay unreachable before its state is evicted entirely; a real ring
// member is never evicted this way, only explicitly removed.
const fatClientTimeout = time.Hour

// statusCheck runs the failure detector over every known peer, evicts
// long-silent fat clients, and sweeps expired quarantine entries. Called
// once per gossip round.
func (g *Gossiper) statusCheck() {
	g.mu.RLock()
	endpoints := make([]ring.Endpoint, 0, len(g.endpointStateMap))
	for e := range g.endpointStateMap {
		if e != g.cfg.LocalEndpoint {
			endpoints = append(endpoints, e)
		}
	}
	g.mu.RUnlock()

	for _, e := range endpoints {
		g.fd.Interpret(e)
	}

	var evict []ring.Endpoint
	g.mu.RLock()
	for _, e := range endpoints {
		es := g.endpointStateMap[e]
		if es == nil || es.IsAlive || es.HasToken {
			continue
		}
		if time.Since(es.UpdateTimestamp) >= fatClientTimeout {
			evict = append(evict, e)
		}
	}
	g.mu.RUnlock()
	for _, e := range evict {
		g.cfg.LogInfo("gossip: evicting silent fat client %v", e)
		g.RemoveEndpoint(e)
	}

	g.mu.Lock()
	for e, since := range g.quarantine {
		if time.Since(since) >= g.cfg.RingDelay {
			delete(g.quarantine, e)
		}
	}
	g.mu.Unlock()
}

// Stats returns a snapshot of gossip activity counters.
func (g *Gossiper) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.stats
}

// String renders stats as an aligned two-column table rather than a
// struct dump.
func (s Stats) String() string {
	return brimtext.Align([][]string{
		{"synsSent", fmt.Sprintf("%d", s.SynsSent)},
		{"synsRecv", fmt.Sprintf("%d", s.SynsRecv)},
		{"acksSent", fmt.Sprintf("%d", s.AcksSent)},
		{"acksRecv", fmt.Sprintf("%d", s.AcksRecv)},
		{"ack2sSent", fmt.Sprintf("%d", s.Ack2sSent)},
		{"ack2sRecv", fmt.Sprintf("%d", s.Ack2sRecv)},
		{"convictions", fmt.Sprintf("%d", s.Convictions)},
	}, nil)
}
