// Package voice ties the pipeline together: session state, bounded
// conversation history, and the turn loop that listens, responds, and speaks.
package voice

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a conversation session.
type SessionState string

const (
	SessionActive SessionState = "ACTIVE"
	SessionPaused SessionState = "PAUSED"
	SessionEnded  SessionState = "ENDED"
)

// Session tracks one conversation's lifecycle and counters. Only the loop
// and the interrupt path mutate it; everyone else reads Stats snapshots.
type Session struct {
	id string

	mu             sync.Mutex
	state          SessionState
	turnCount      int
	wakeDetections int
	interrupts     int
	startedAt      time.Time
	lastActivityAt time.Time
}

// Stats is a read-only snapshot of a session.
type Stats struct {
	ID             string       `json:"id"`
	State          SessionState `json:"state"`
	TurnCount      int          `json:"turn_count"`
	WakeDetections int          `json:"wake_detections"`
	Interrupts     int          `json:"interrupts"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

// NewSession creates an active session with a fresh ID.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		id:             uuid.NewString(),
		state:          SessionActive,
		startedAt:      now,
		lastActivityAt: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsPaused reports whether the session is paused.
func (s *Session) IsPaused() bool {
	return s.State() == SessionPaused
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
}

// CompleteTurn increments the turn counter and records activity.
func (s *Session) CompleteTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount++
	s.lastActivityAt = time.Now()
}

// RecordWake counts a wake detection.
func (s *Session) RecordWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeDetections++
	s.lastActivityAt = time.Now()
}

// RecordInterrupt counts a barge-in.
func (s *Session) RecordInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
}

// Pause moves an active session to PAUSED. Returns false when the session is
// not active.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return false
	}
	s.state = SessionPaused
	return true
}

// Resume moves a paused session back to ACTIVE. Returns false when the
// session is not paused.
func (s *Session) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionPaused {
		return false
	}
	s.state = SessionActive
	s.lastActivityAt = time.Now()
	return true
}

// End moves the session to its terminal state.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionEnded
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:             s.id,
		State:          s.state,
		TurnCount:      s.turnCount,
		WakeDetections: s.wakeDetections,
		Interrupts:     s.interrupts,
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivityAt,
	}
}
