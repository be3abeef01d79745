// Package interrupt coordinates whose turn it is to speak. A table-driven
// state machine tracks the conversation state and mediates barge-in: when the
// user speaks over the assistant, playback is faded out before the state
// changes hands.
package interrupt

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfairbank/voicepal/internal/playback"
)

// State is a conversation turn state.
type State string

const (
	StateIdle         State = "IDLE"
	StateUserSpeaking State = "USER_SPEAKING"
	StateProcessing   State = "PROCESSING"
	StateAISpeaking   State = "AI_SPEAKING"
)

// Event drives state transitions. Transitions occur only through this set.
type Event string

const (
	EventSpeechDetected Event = "speech_detected"
	EventSpeechEnded    Event = "speech_ended"
	EventSetAISpeaking  Event = "set_ai_speaking"
	EventSetIdle        Event = "set_idle"
)

// transitions is the speech-event transition table. EventSetAISpeaking and
// EventSetIdle apply from any state and are handled separately.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventSpeechDetected: StateUserSpeaking,
	},
	StateUserSpeaking: {
		EventSpeechEnded: StateProcessing,
	},
	StateProcessing: {
		// Speech while thinking counts as an interrupt of the pending turn.
		EventSpeechDetected: StateUserSpeaking,
	},
	StateAISpeaking: {
		EventSpeechDetected: StateUserSpeaking,
	},
}

// Transition describes one applied state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Manager is the conversation state machine.
type Manager struct {
	controller   *playback.Controller
	fadeDuration time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	state  State
	handle *playback.Handle // referenced, not owned

	onTransition func(Transition)
	onInterrupt  func()
}

// NewManager creates a Manager in StateIdle.
func NewManager(controller *playback.Controller, fadeDuration time.Duration, logger zerolog.Logger) *Manager {
	if fadeDuration <= 0 {
		fadeDuration = 300 * time.Millisecond
	}
	return &Manager{
		controller:   controller,
		fadeDuration: fadeDuration,
		logger:       logger.With().Str("component", "interrupt").Logger(),
		state:        StateIdle,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a listener for applied transitions.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// OnInterrupt registers a listener fired when user speech cuts off the
// assistant (from either AI_SPEAKING or PROCESSING).
func (m *Manager) OnInterrupt(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInterrupt = fn
}

// SpeechDetected applies EventSpeechDetected. In AI_SPEAKING it fades out the
// attached audio handle before the transition is reported, so the microphone
// path never races live playback.
func (m *Manager) SpeechDetected() {
	m.mu.Lock()

	next, ok := transitions[m.state][EventSpeechDetected]
	if !ok {
		m.mu.Unlock()
		return
	}

	from := m.state
	interrupted := from == StateAISpeaking || from == StateProcessing
	handle := m.handle
	if from == StateAISpeaking {
		m.handle = nil
	}
	m.state = next
	tfn := m.onTransition
	ifn := m.onInterrupt
	m.mu.Unlock()

	if from == StateAISpeaking && handle != nil {
		if err := m.controller.FadeOut(handle, m.fadeDuration); err != nil {
			m.logger.Warn().Err(err).Msg("fade-out on interrupt failed")
		}
	}

	m.notify(Transition{From: from, To: next, Event: EventSpeechDetected}, tfn)
	if interrupted {
		m.logger.Info().Str("from", string(from)).Msg("user interrupted assistant")
		if ifn != nil {
			ifn()
		}
	}
}

// SpeechEnded applies EventSpeechEnded.
func (m *Manager) SpeechEnded() {
	m.mu.Lock()
	next, ok := transitions[m.state][EventSpeechEnded]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = next
	tfn := m.onTransition
	m.mu.Unlock()

	m.notify(Transition{From: from, To: next, Event: EventSpeechEnded}, tfn)
}

// SetAISpeaking moves to AI_SPEAKING from any state and attaches the playback
// handle that barge-in should fade.
func (m *Manager) SetAISpeaking(handle *playback.Handle) {
	m.mu.Lock()
	from := m.state
	m.state = StateAISpeaking
	m.handle = handle
	tfn := m.onTransition
	m.mu.Unlock()

	if from != StateAISpeaking {
		m.notify(Transition{From: from, To: StateAISpeaking, Event: EventSetAISpeaking}, tfn)
	}
}

// SetIdle moves to IDLE from any state and clears the audio handle.
func (m *Manager) SetIdle() {
	m.mu.Lock()
	from := m.state
	m.state = StateIdle
	m.handle = nil
	tfn := m.onTransition
	m.mu.Unlock()

	if from != StateIdle {
		m.notify(Transition{From: from, To: StateIdle, Event: EventSetIdle}, tfn)
	}
}

// HardStop silences playback immediately, bypassing the fade, and resets to
// IDLE. Used for explicit end-of-conversation.
func (m *Manager) HardStop() {
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()

	if handle != nil {
		m.controller.Stop(handle)
	} else {
		m.controller.StopCurrent()
	}
	m.SetIdle()
}

// Handle returns the attached playback handle, if any.
func (m *Manager) Handle() *playback.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *Manager) notify(tr Transition, fn func(Transition)) {
	m.logger.Debug().
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("event", string(tr.Event)).
		Msg("state transition")
	if fn != nil {
		fn(tr)
	}
}
