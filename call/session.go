// Package call runs the voice-call state machine on top of the modem
// fleet, the audio pipeline and the AI platform: answering, dialing,
// per-turn AI processing and post-call summaries.
package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/crosline/fleetd/backend"
)

// State is the lifecycle state of one call session.
type State int

const (
	StateIncoming State = iota
	StateRinging
	StateActive
	StateEnding
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIncoming:
		return "Incoming"
	case StateRinging:
		return "Ringing"
	case StateActive:
		return "Active"
	case StateEnding:
		return "Ending"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// terminal reports whether the state admits no further transitions.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is a point-in-time snapshot of a call, safe to retain.
type Session struct {
	CallID        string
	DeviceID      string
	Direction     string // "incoming" or "outgoing"
	CallerNumber  string
	CompanyNumber string
	State         State
	StartedAt     time.Time
	EndedAt       time.Time
	Duration      time.Duration
	Turns         int
}

// session is the live call. Transitions happen only on the session's own
// goroutine; everyone else reads snapshots or signals over channels.
type session struct {
	modem Modem

	// closed to request a local hangup
	hangup     chan struct{}
	hangupOnce sync.Once
	// closed when the remote side drops the call
	remoteEnd chan struct{}
	endOnce   sync.Once
	// caller number from a +CLIP that follows the RING
	clip chan string
	// closed once the session reaches a terminal state
	done chan struct{}

	mu            sync.Mutex
	snap          Session
	history       []backend.ContextEntry
	workflowState json.RawMessage
	backendID     string
	user          backend.User
	aiReady       bool
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if snap.EndedAt.IsZero() && !snap.StartedAt.IsZero() {
		snap.Duration = time.Since(snap.StartedAt)
	}
	return snap
}

func (s *session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = st
	if st.terminal() {
		s.snap.EndedAt = time.Now()
		s.snap.Duration = s.snap.EndedAt.Sub(s.snap.StartedAt)
	}
}

func (s *session) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

func (s *session) setCaller(number string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.CallerNumber == "" {
		s.snap.CallerNumber = number
	}
}

func (s *session) appendHistory(speaker, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, backend.ContextEntry{
		Speaker: speaker,
		Content: content,
		Time:    time.Now(),
	})
	if speaker == "caller" {
		s.snap.Turns++
	}
}

func (s *session) transcript() []backend.ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.ContextEntry, len(s.history))
	copy(out, s.history)
	return out
}

// requestHangup asks the owning goroutine to end the call. Safe to call
// from any goroutine, any number of times.
func (s *session) requestHangup() {
	s.hangupOnce.Do(func() { close(s.hangup) })
}

// noteRemoteEnd records that the network already dropped the call.
func (s *session) noteRemoteEnd() {
	s.endOnce.Do(func() { close(s.remoteEnd) })
}

// ended reports whether either side asked for the call to finish.
func (s *session) ended() bool {
	select {
	case <-s.hangup:
		return true
	default:
	}
	select {
	case <-s.remoteEnd:
		return true
	default:
	}
	return false
}
