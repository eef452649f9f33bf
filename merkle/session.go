package merkle

import (
	"sync"
	"time"

	"github.com/gholt/ringstore/ring"
)

// SessionState is one state of a repair session's lifecycle.
type SessionState int

const (
	NotStarted SessionState = iota
	Running
	WaitingForResponses
	Completed
	Failed
)

func (s SessionState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case WaitingForResponses:
		return "WaitingForResponses"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s SessionState) terminal() bool { return s == Completed || s == Failed }

// Session coordinates a repair round across a set of invited endpoints:
// NotStarted -> Running (Start) -> WaitingForResponses (BlockUntilRunning)
// -> Completed (every invited endpoint has reported in) | Failed (any
// invited endpoint is convicted, or Fail is called explicitly).
type Session struct {
	mu        sync.Mutex
	state     SessionState
	invited   map[ring.Endpoint]bool
	remaining int
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns a Session inviting the given endpoints to
// participate. participants should not include the local endpoint; the
// session tracks only the replies it is waiting on.
func NewSession(participants []ring.Endpoint) *Session {
	invited := make(map[ring.Endpoint]bool, len(participants))
	for _, e := range participants {
		invited[e] = false
	}
	return &Session{
		state:     NotStarted,
		invited:   invited,
		remaining: len(participants),
		done:      make(chan struct{}),
	}
}

// Start transitions NotStarted -> Running. Calling it more than once, or
// after the session has left NotStarted, is a no-op.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == NotStarted {
		s.state = Running
	}
}

// BlockUntilRunning transitions Running -> WaitingForResponses, the point
// at which the session is waiting on invited endpoints to call
// CompletedRequest. It does not actually block, since the
// Running -> WaitingForResponses edge carries no I/O of its own.
func (s *Session) BlockUntilRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		s.state = WaitingForResponses
	}
}

// CompletedRequest records that endpoint has finished its half of the
// exchange. Once every invited endpoint has reported, the session
// transitions to Completed.
func (s *Session) CompletedRequest(endpoint ring.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	if already, ok := s.invited[endpoint]; !ok || already {
		return
	}
	s.invited[endpoint] = true
	s.remaining--
	if s.remaining == 0 {
		s.state = Completed
		s.closeDoneLocked()
	}
}

// Convict implements failuredetector.Listener: any invited endpoint's
// conviction fails the whole session, since a repair exchange cannot
// complete with a dead participant.
func (s *Session) Convict(endpoint ring.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	if _, invited := s.invited[endpoint]; !invited {
		return
	}
	s.fail()
}

// Fail transitions the session directly to Failed, for callers (for
// instance an external timeout watchdog) that decide the session cannot
// succeed.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail()
}

func (s *Session) fail() {
	if s.state.terminal() {
		return
	}
	s.state = Failed
	s.closeDoneLocked()
}

func (s *Session) closeDoneLocked() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done returns a channel closed when the session reaches a terminal
// state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAlive reports whether the session has not yet reached a terminal
// state.
func (s *Session) IsAlive() bool {
	return !s.State().terminal()
}

// Join blocks until the session reaches a terminal state or millis
// elapses, whichever comes first, returning after the timeout even if
// the session is not yet terminal -- the caller checks IsAlive to tell
// the two cases apart.
func (s *Session) Join(millis time.Duration) {
	select {
	case <-s.done:
	case <-time.After(millis):
	}
}
