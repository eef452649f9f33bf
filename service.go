package ringstore

import (
	"sync"
	"time"

	"github.com/gholt/ringstore/column"
	"github.com/gholt/ringstore/compaction"
	"github.com/gholt/ringstore/failuredetector"
	"github.com/gholt/ringstore/gossip"
	"github.com/gholt/ringstore/merkle"
	"github.com/gholt/ringstore/replication"
	"github.com/gholt/ringstore/ring"
)

// Config collects the fixed collaborators a Service is built from,
// resolved the same way gossip.Config is: explicit overrides win,
// otherwise a documented default applies.
type Config struct {
	LocalEndpoint ring.Endpoint
	ClusterName   string
	Seeds         []ring.Endpoint
	Transport     gossip.Transport

	// ReplicationFactor configures the default SimpleStrategy when
	// Strategy is nil.
	ReplicationFactor int
	// Strategy overrides the default SimpleStrategy, e.g. with a
	// DatacenterAwareStrategy or LocalStrategy for a system keyspace.
	Strategy replication.Strategy

	// PersistedGeneration is the last generation this endpoint wrote to
	// its system table before the current process started. NewService
	// advances it by one and that becomes
	// the Gossiper's starting generation; persisting the advanced value
	// back is the caller's concern (system-table I/O is out of scope).
	PersistedGeneration int32

	RingDelay               time.Duration
	RepairWindow            time.Duration
	RepairLeafCount         int
	InMemoryCompactionLimit int64

	FailureDetectorWindowSize   int
	FailureDetectorPhiThreshold float64

	Log gossip.LogFunc
}

func (c *Config) resolved() *Config {
	r := *c
	if r.RingDelay <= 0 {
		r.RingDelay = gossip.RingDelay
	}
	if r.RepairWindow <= 0 {
		r.RepairWindow = r.RingDelay
	}
	if r.RepairLeafCount <= 0 {
		r.RepairLeafCount = 1024
	}
	if r.ReplicationFactor <= 0 {
		r.ReplicationFactor = 3
	}
	if r.Log == nil {
		r.Log = func(string, ...interface{}) {}
	}
	return &r
}

// Service is the per-process composition root: one TokenMetadata, one
// Gossiper, one failure detector, one replication Strategy, and one
// repair-validator factory, with references injected downward rather
// than reached through globals.
type Service struct {
	cfg *Config

	Tokens          *ring.TokenMetadata
	FailureDetector *failuredetector.Detector
	Gossiper        *gossip.Gossiper
	Strategy        replication.Strategy
	Validators      *merkle.ValidatorFactory

	mu       sync.Mutex
	sessions map[*merkle.Session]struct{}
}

// NewService constructs a Service from cfg. It does not start the
// gossiper; call Start once the transport is ready to listen.
func NewService(cfg *Config) *Service {
	resolved := cfg.resolved()
	tm := ring.NewTokenMetadata()

	fd := failuredetector.NewDetector(resolved.FailureDetectorWindowSize, resolved.FailureDetectorPhiThreshold)

	strategy := resolved.Strategy
	if strategy == nil {
		strategy = replication.SimpleStrategy{ReplicationFactor: resolved.ReplicationFactor}
	}
	strategy = replication.NewCachingStrategy(strategy, tm)

	gossiper := gossip.NewGossiper(&gossip.Config{
		LocalEndpoint: resolved.LocalEndpoint,
		ClusterName:   resolved.ClusterName,
		Seeds:         resolved.Seeds,
		Transport:     resolved.Transport,
		RingDelay:     resolved.RingDelay,
		LogCritical:   resolved.Log,
		LogError:      resolved.Log,
	}, gossip.NextGeneration(resolved.PersistedGeneration), fd)

	return &Service{
		cfg:             resolved,
		Tokens:          tm,
		FailureDetector: fd,
		Gossiper:        gossiper,
		Strategy:        strategy,
		Validators:      merkle.NewValidatorFactory(resolved.RepairWindow, resolved.RepairLeafCount),
		sessions:        make(map[*merkle.Session]struct{}),
	}
}

// Start begins the gossip loop. Gossiper.Start first blocks in
// cfg.Transport.WaitUntilListening, so Start does not return until the
// transport is listening (for a TCPTransport, until Listen has bound).
func (s *Service) Start() error { return s.Gossiper.Start() }

// Stop halts the gossip loop and fails every still-open repair session,
// since none of them can complete once gossip-driven failure detection
// stops running.
func (s *Service) Stop() {
	s.Gossiper.Stop()
	s.mu.Lock()
	sessions := make([]*merkle.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Fail()
	}
}

// NaturalEndpoints returns the steady-state replica set for token.
func (s *Service) NaturalEndpoints(token ring.Token) []ring.Endpoint {
	return s.Strategy.CalculateNaturalEndpoints(token, s.Tokens)
}

// WriteEndpoints returns the natural endpoints for token in keyspace,
// widened by any pending range covering it; the result is always a
// superset of the natural endpoints.
func (s *Service) WriteEndpoints(token ring.Token, keyspace string) []ring.Endpoint {
	natural := s.NaturalEndpoints(token)
	return s.Tokens.GetWriteEndpoints(token, keyspace, natural)
}

// StartRepairSession begins a Merkle anti-entropy session against
// participants: the session registers itself with the failure
// detector so any participant's conviction fails the session, and
// unregisters when it reaches a terminal state.
func (s *Service) StartRepairSession(participants []ring.Endpoint) *merkle.Session {
	sess := merkle.NewSession(participants)
	s.FailureDetector.RegisterFailureDetectionEventListener(sess)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	sess.Start()
	go func() {
		<-sess.Done()
		s.FailureDetector.UnregisterFailureDetectionEventListener(sess)
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
	return sess
}

// GetValidator applies the natural-repair guard via
// s.Validators, scoped to this Service's repair window.
func (s *Service) GetValidator(keyspace, columnFamily string, initiator *ring.Endpoint, major bool, base ring.Range) *merkle.Tree {
	return s.Validators.GetValidator(keyspace, columnFamily, initiator, major, base)
}

// Compact runs the compaction merge over sources for cf,
// returning the reduced, non-empty output rows in ascending decoratedKey
// order. sink, if non-nil, is consulted per key for the lazily compacted
// path; pass nil when every group is known to fit under
// InMemoryCompactionLimit.
func (s *Service) Compact(cf *column.ColumnFamily, sources []compaction.RowSource, gcBefore uint32, major bool, now uint32, sink func(ring.DecoratedKey) compaction.ColumnSink) ([]*compaction.Row, error) {
	compactor, err := compaction.NewCompactor(cf, sources, compaction.Options{
		InMemoryCompactionLimit: s.cfg.InMemoryCompactionLimit,
		GCBefore:                gcBefore,
		Major:                   major,
		Now:                     now,
	}, sink)
	if err != nil {
		return nil, err
	}
	defer compactor.Close()

	var out []*compaction.Row
	for {
		row, ok, err := compactor.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row)
	}
}
