package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfairbank/voicepal/internal/bus"
	"github.com/mfairbank/voicepal/internal/playback"
	"github.com/mfairbank/voicepal/internal/respond"
	"github.com/mfairbank/voicepal/internal/tts"
	"github.com/mfairbank/voicepal/internal/wake"
)

// Attention is the wake-then-capture front end (satisfied by wake.Detector).
type Attention interface {
	SetCallbacks(cb wake.DetectorCallbacks)
	Start(ctx context.Context) error
	Stop()
	AbortCapture()
}

// Synthesizer renders answers to audio (satisfied by any tts.Provider).
type Synthesizer interface {
	Synthesize(ctx context.Context, req *tts.Request) (*tts.Audio, error)
}

// Player is the playback surface the loop needs (satisfied by
// playback.Controller).
type Player interface {
	Play(audio []byte, source string) (*playback.Handle, error)
	OnComplete(fn func(h *playback.Handle))
	StopCurrent()
}

// Coordinator is the conversation state machine surface (satisfied by
// interrupt.Manager).
type Coordinator interface {
	SpeechEnded()
	SetAISpeaking(handle *playback.Handle)
	SetIdle()
	HardStop()
}

// LoopConfig tunes the conversation loop.
type LoopConfig struct {
	// EndPhrases terminate the session when an utterance contains one as a
	// run of whole words, so "okay bye" ends it but "stopwatch" does not.
	EndPhrases []string
	// InactivityTimeout auto-pauses the session (default 5 minutes).
	InactivityTimeout time.Duration
	// TurnPause is a short cooldown after each completed turn before the
	// next utterance is processed (default 300ms).
	TurnPause time.Duration
	// ContinuationLine is spoken when the responder fails; the conversation
	// keeps going.
	ContinuationLine string
	// FarewellLine is spoken on an end phrase, best effort.
	FarewellLine string
}

// DefaultLoopConfig returns the production defaults.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		EndPhrases:        []string{"bye", "goodbye", "stop", "end", "that's all", "thats all"},
		InactivityTimeout: 5 * time.Minute,
		TurnPause:         300 * time.Millisecond,
		ContinuationLine:  "Sorry, I missed that. Could you say it again?",
		FarewellLine:      "Okay, goodbye!",
	}
}

// Loop orchestrates one conversation session: wake, capture, respond, speak,
// repeat. Recognition and playback failures are logged and the loop
// continues; only an end phrase, cancellation, or End terminates it.
type Loop struct {
	session   *Session
	history   *History
	attention Attention
	responder respond.Responder
	synth     Synthesizer
	player    Player
	coord     Coordinator
	echo      *wake.EchoSuppressor
	events    *bus.EventBus
	config    *LoopConfig
	logger    zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	active     bool
	inactivity *time.Timer
	done       chan struct{}
	endPhrases [][]string
}

// NewLoop wires a Loop. echo may be nil when the attention front end has no
// suppressor; events may be nil to disable bus publishing.
func NewLoop(
	session *Session,
	history *History,
	attention Attention,
	responder respond.Responder,
	synth Synthesizer,
	player Player,
	coord Coordinator,
	echo *wake.EchoSuppressor,
	events *bus.EventBus,
	config *LoopConfig,
	logger zerolog.Logger,
) *Loop {
	if config == nil {
		config = DefaultLoopConfig()
	}

	phrases := make([][]string, 0, len(config.EndPhrases))
	for _, p := range config.EndPhrases {
		if words := strings.Fields(wake.Normalize(p)); len(words) > 0 {
			phrases = append(phrases, words)
		}
	}

	return &Loop{
		session:    session,
		history:    history,
		attention:  attention,
		responder:  responder,
		synth:      synth,
		player:     player,
		coord:      coord,
		echo:       echo,
		events:     events,
		config:     config,
		logger:     logger.With().Str("component", "loop").Str("session", session.ID()).Logger(),
		done:       make(chan struct{}),
		endPhrases: phrases,
	}
}

// Run starts the loop and blocks until the session ends or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.ctx = ctx
	l.active = true
	l.mu.Unlock()

	l.player.OnComplete(func(h *playback.Handle) {
		l.coord.SetIdle()
		l.publish(bus.EventTypeSpeakingStopped, map[string]any{"source": h.Source})
	})

	l.attention.SetCallbacks(wake.DetectorCallbacks{
		OnWake:      l.handleWake,
		OnUserFinal: l.handleUtterance,
		OnUserPartial: func(text string) {
			l.publish(bus.EventTypePartial, map[string]any{"text": text})
		},
	})

	if err := l.attention.Start(ctx); err != nil {
		return err
	}
	l.resetInactivity()
	l.logger.Info().Msg("conversation loop running")

	select {
	case <-ctx.Done():
		l.End()
		<-l.done
		return ctx.Err()
	case <-l.done:
		return nil
	}
}

func (l *Loop) handleWake(m wake.Match) {
	if !l.isActive() {
		return
	}
	l.session.RecordWake()
	l.resetInactivity()

	if l.session.IsPaused() {
		l.Resume()
	}
	l.publish(bus.EventTypeWakeDetected, map[string]any{
		"phrase": m.Phrase,
		"kind":   string(m.Kind),
	})
}

// handleUtterance runs one turn. It checks the active flag at callback time
// so transcripts that land after End are dropped.
func (l *Loop) handleUtterance(text string) {
	if !l.isActive() {
		return
	}
	if l.session.IsPaused() {
		l.logger.Debug().Str("text", text).Msg("utterance while paused, ignored")
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	l.resetInactivity()
	l.session.Touch()
	l.publish(bus.EventTypeTranscript, map[string]any{"text": text})

	if l.isEndPhrase(text) {
		l.logger.Info().Str("text", text).Msg("end phrase, ending session")
		l.speak(l.config.FarewellLine)
		l.End()
		return
	}

	l.coord.SpeechEnded()

	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()

	answer, err := l.responder.Ask(ctx, text, l.history.Recent())
	if err != nil {
		l.logger.Warn().Err(err).Msg("responder failed, speaking continuation line")
		l.speak(l.config.ContinuationLine)
	} else {
		l.speak(answer)
		l.history.Add(text, answer)
	}

	l.session.CompleteTurn()
	l.publish(bus.EventTypeTurnCompleted, map[string]any{"turn": l.session.Stats().TurnCount})

	// Brief cooldown before the next utterance is taken; utterances are
	// delivered on this callback goroutine, so sleeping here holds them back.
	if l.config.TurnPause > 0 {
		time.Sleep(l.config.TurnPause)
	}
}

// speak synthesizes and plays text. Failures are logged and swallowed; a
// silent turn is better than a dead session.
func (l *Loop) speak(text string) {
	if text == "" {
		return
	}

	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	audio, err := l.synth.Synthesize(ctx, &tts.Request{Text: text})
	if err != nil {
		l.logger.Warn().Err(err).Msg("synthesis failed, skipping speech")
		return
	}

	handle, err := l.player.Play(audio.Data, text)
	if err != nil {
		l.logger.Warn().Err(err).Msg("playback failed, skipping speech")
		return
	}

	if l.echo != nil {
		l.echo.RecordSpoken(text)
	}
	l.coord.SetAISpeaking(handle)
	l.publish(bus.EventTypeSpeakingStarted, map[string]any{"source": handle.Source})
}

// Pause suspends the session: any in-progress capture is dropped and the
// inactivity timer is cancelled. Wake monitoring keeps running so a wake
// phrase can resume it.
func (l *Loop) Pause() {
	if l.session.Pause() {
		l.mu.Lock()
		if l.inactivity != nil {
			l.inactivity.Stop()
			l.inactivity = nil
		}
		l.mu.Unlock()
		l.attention.AbortCapture()
		l.logger.Info().Msg("session paused")
		l.publish(bus.EventTypeSessionPaused, nil)
	}
}

// Resume reactivates a paused session.
func (l *Loop) Resume() {
	if l.session.Resume() {
		l.resetInactivity()
		l.logger.Info().Msg("session resumed")
		l.publish(bus.EventTypeSessionResumed, nil)
	}
}

// End terminates the session: stop listening, hard-stop playback, cancel
// timers. Idempotent.
func (l *Loop) End() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	if l.inactivity != nil {
		l.inactivity.Stop()
		l.inactivity = nil
	}
	l.mu.Unlock()

	l.attention.Stop()
	l.coord.HardStop()
	l.session.End()
	l.publish(bus.EventTypeSessionEnded, map[string]any{"turns": l.session.Stats().TurnCount})
	l.logger.Info().Int("turns", l.session.Stats().TurnCount).Msg("session ended")
	close(l.done)
}

// Stats returns the session snapshot.
func (l *Loop) Stats() Stats {
	return l.session.Stats()
}

func (l *Loop) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Loop) isEndPhrase(text string) bool {
	words := strings.Fields(wake.Normalize(text))
	for _, phrase := range l.endPhrases {
		if containsRun(words, phrase) {
			return true
		}
	}
	return false
}

// containsRun reports whether run appears in words as consecutive whole
// words.
func containsRun(words, run []string) bool {
	for i := 0; i+len(run) <= len(words); i++ {
		match := true
		for j, w := range run {
			if words[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// resetInactivity (re)arms the auto-pause timer.
func (l *Loop) resetInactivity() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	if l.inactivity != nil {
		l.inactivity.Stop()
	}
	timeout := l.config.InactivityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	l.inactivity = time.AfterFunc(timeout, l.autoPause)
}

func (l *Loop) autoPause() {
	if !l.isActive() || l.session.IsPaused() {
		return
	}
	l.logger.Info().Msg("inactivity timeout, auto-pausing")
	l.Pause()
}

func (l *Loop) publish(t bus.EventType, data map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Publish(bus.Event{Type: t, Data: data})
}
