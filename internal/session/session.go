// Package session implements the SLS/SFP session supervisor: the
// handshake gate, heartbeat/liveness tracking, and the state machine that
// governs when Chunk traffic is admitted and when a session terminates.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one point in the session supervisor's lifecycle.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateTimedOut
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateTerminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned when a caller requests a state change
// the supervisor's transition table does not permit.
var ErrInvalidTransition = errors.New("session: invalid state transition")

const (
	// HeartbeatInterval is how often a side must see traffic (or send a
	// Heartbeat) before a miss is counted.
	HeartbeatInterval = 5 * time.Second
	// MaxMissedHeartbeats triggers TimedOut once reached.
	MaxMissedHeartbeats = 3
	// LivenessTimeout tears a session down regardless of heartbeat state
	// if no datagram at all arrives within it.
	LivenessTimeout = 30 * time.Second
)

var validTransitions = map[State][]State{
	StateInit:        {StateHandshaking, StateTimedOut},
	StateHandshaking: {StateEstablished, StateTimedOut, StateClosing},
	StateEstablished: {StateClosing, StateTimedOut},
	StateClosing:     {StateTerminal},
	StateTimedOut:    {StateTerminal},
	StateTerminal:    {},
}

// Params are the negotiated session parameters carried in Init/InitAck and
// held for the session's lifetime.
type Params struct {
	ChunkSize        uint32
	SegmentSize      uint32
	ChunksPerSegment uint32
	TotalSegments    uint64
	TotalBytes       uint64
	RedundancyRatio  float32
	EncryptionEnabled bool
}

// Session is the per-4-tuple supervisor: state machine, last-seen clock,
// and negotiated parameters. One Session exists per sender<->receiver pair.
type Session struct {
	mu sync.Mutex

	id     uuid.UUID
	state  State
	params Params

	lastDatagram     time.Time
	lastHeartbeatOut time.Time
	missedBeats      int
}

// New creates a Session in StateInit with a fresh identity token. The token
// doubles as the transport nonce companion used to key the receiver's
// crash-resumable bitmap store (internal/store), since both need a value
// that is unique per 4-tuple session and stable across that session's
// lifetime.
func New(now time.Time) *Session {
	return &Session{id: uuid.New(), state: StateInit, lastDatagram: now, lastHeartbeatOut: now}
}

// ID returns the session's identity token.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state (thread-safe).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransitionTo moves the session to newState if the transition is legal.
func (s *Session) TransitionTo(newState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.state] {
		if allowed == newState {
			s.state = newState
			return nil
		}
	}
	return ErrInvalidTransition
}

// SetParams records the negotiated parameters, normally called once the
// handshake completes and the session moves to Established.
func (s *Session) SetParams(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
}

// Params returns the negotiated parameters.
func (s *Session) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// ChunkTrafficAllowed reports whether the session is in the one state that
// permits Chunk messages.
func (s *Session) ChunkTrafficAllowed() bool {
	return s.State() == StateEstablished
}

// ObserveDatagram resets the liveness and heartbeat-miss clocks; call this
// on receipt of ANY datagram from the peer, not only Heartbeats.
func (s *Session) ObserveDatagram(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDatagram = now
	s.missedBeats = 0
}

// CheckLiveness evaluates the two independent timeout clocks and
// transitions to TimedOut if either has fired. Callers should invoke this
// from their FlowControl/Heartbeat ticker.
func (s *Session) CheckLiveness(now time.Time) (timedOut bool) {
	s.mu.Lock()
	sinceDatagram := now.Sub(s.lastDatagram)
	if sinceDatagram >= LivenessTimeout {
		s.mu.Unlock()
		s.TransitionTo(StateTimedOut)
		return true
	}

	if sinceDatagram >= HeartbeatInterval {
		missedWindows := int(sinceDatagram / HeartbeatInterval)
		if missedWindows > s.missedBeats {
			s.missedBeats = missedWindows
		}
	}
	missed := s.missedBeats
	s.mu.Unlock()

	if missed >= MaxMissedHeartbeats {
		s.TransitionTo(StateTimedOut)
		return true
	}
	return false
}

// DueForHeartbeat reports whether HeartbeatInterval has elapsed since the
// last Heartbeat this side sent, absent other outgoing traffic.
func (s *Session) DueForHeartbeat(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastHeartbeatOut) >= HeartbeatInterval
}

// RecordHeartbeatSent resets the outgoing-heartbeat clock.
func (s *Session) RecordHeartbeatSent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatOut = now
}
