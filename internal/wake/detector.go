package wake

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfairbank/voicepal/internal/retry"
	"github.com/mfairbank/voicepal/internal/stt"
)

// State is the attention detector's listening mode.
type State string

const (
	// StateKeyword is passive monitoring: waiting for the wake phrase.
	StateKeyword State = "KEYWORD"
	// StateCapturing is active listening: accumulating the user's utterance.
	StateCapturing State = "CAPTURING"
	// StateStopped is terminal.
	StateStopped State = "STOPPED"
)

// DetectorConfig tunes the attention detector.
type DetectorConfig struct {
	// CompletionQuiet is how long capture waits after the last fragment
	// before treating the utterance as complete (default 800ms).
	CompletionQuiet time.Duration
	// MaxUtteranceWords flushes capture early once the utterance is this
	// long (default 40).
	MaxUtteranceWords int
	// Restart governs session restarts after unexpected disconnects.
	Restart retry.Policy
}

// DefaultDetectorConfig returns the production defaults.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		CompletionQuiet:   800 * time.Millisecond,
		MaxUtteranceWords: 40,
		Restart:           retry.DefaultPolicy(),
	}
}

// DetectorCallbacks are the attention detector's events. All callbacks fire
// outside the detector's lock; OnWake fires before the first capture
// fragment is delivered.
type DetectorCallbacks struct {
	OnWake        func(m Match)
	OnUserPartial func(text string)
	OnUserFinal   func(text string)
	OnStateChange func(from, to State)
	// OnDebug receives coarse diagnostic events (wake matches, capture
	// flushes, session restarts) for status displays.
	OnDebug func(event string)
}

// Detector runs the wake-then-capture loop. With a keyword engine it stays in
// a low-cost spotting mode and only opens a transcription session for
// capture; without one it keeps a continuous transcription session open and
// matches wake phrases in the transcript stream.
type Detector struct {
	engine      KeywordEngine // nil selects the transcription fallback
	transcriber stt.Transcriber
	matcher     *Matcher
	echo        *EchoSuppressor
	filter      *stt.Filter
	config      *DetectorConfig
	logger      zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	state      State
	disposed   bool
	expectStop bool
	restarting bool
	fragments  *stt.FragmentBuffer
	flushTimer *time.Timer
	captureGen uint64
	callbacks  DetectorCallbacks
}

// NewDetector creates a Detector. engine may be nil, selecting the
// transcription fallback path. A nil config uses DefaultDetectorConfig.
func NewDetector(engine KeywordEngine, transcriber stt.Transcriber, matcher *Matcher, echo *EchoSuppressor, config *DetectorConfig, logger zerolog.Logger) *Detector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	if matcher == nil {
		matcher = NewMatcher(nil)
	}
	if echo == nil {
		echo = NewEchoSuppressor()
	}
	return &Detector{
		engine:      engine,
		transcriber: transcriber,
		matcher:     matcher,
		echo:        echo,
		filter:      stt.NewFilter(nil),
		config:      config,
		logger:      logger.With().Str("component", "wake").Logger(),
		state:       StateStopped,
		fragments: stt.NewFragmentBuffer(&stt.FragmentConfig{
			QuietPeriod: config.CompletionQuiet,
			MaxWords:    config.MaxUtteranceWords,
		}),
	}
}

// SetCallbacks installs event callbacks. Call before Start.
func (d *Detector) SetCallbacks(cb DetectorCallbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = cb
}

// State returns the current listening mode.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Echo exposes the suppressor so the playback path can record spoken text.
func (d *Detector) Echo() *EchoSuppressor {
	return d.echo
}

// Start begins passive monitoring.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return stt.ErrDisposed
	}
	d.ctx = ctx
	d.expectStop = false
	d.mu.Unlock()

	d.transcriber.SetCallbacks(stt.Callbacks{
		OnInterim:        d.handleInterim,
		OnFinal:          d.handleFinal,
		OnError:          func(err error) { d.logger.Warn().Err(err).Msg("transcription error") },
		OnSessionStopped: d.handleSessionStopped,
	})

	if d.engine != nil {
		if err := d.engine.Start(ctx, d.keywordDetected); err != nil {
			return err
		}
		d.setState(StateKeyword)
		d.logger.Info().Str("mode", "keyword").Msg("attention detector started")
		return nil
	}

	// Fallback: one continuous transcription session for both monitoring
	// and capture.
	if err := d.transcriber.StartStreaming(ctx); err != nil {
		return err
	}
	d.setState(StateKeyword)
	d.logger.Info().Str("mode", "transcription").Msg("attention detector started")
	return nil
}

// setState transitions the listening mode and fires the state callback
// outside the lock.
func (d *Detector) setState(to State) {
	d.mu.Lock()
	from := d.state
	if from == to {
		d.mu.Unlock()
		return
	}
	d.state = to
	cb := d.callbacks
	d.mu.Unlock()

	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}

// debug delivers a diagnostic event to OnDebug when one is installed.
func (d *Detector) debug(event string) {
	d.mu.Lock()
	fn := d.callbacks.OnDebug
	d.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

// Stop halts monitoring and capture. The detector can be started again.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return
	}
	d.captureGen++
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	d.fragments.Flush()
	d.expectStop = true
	from := d.state
	d.state = StateStopped
	cb := d.callbacks
	d.mu.Unlock()

	if d.engine != nil {
		_ = d.engine.Stop()
	}
	_ = d.transcriber.StopStreaming()

	if cb.OnStateChange != nil {
		cb.OnStateChange(from, StateStopped)
	}
	d.logger.Info().Msg("attention detector stopped")
}

// Dispose stops the detector permanently.
func (d *Detector) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.mu.Unlock()

	d.Stop()
	if d.engine != nil {
		d.engine.Dispose()
	}
}

// keywordDetected handles a hit from the keyword engine: pause spotting and
// open a transcription session for capture.
func (d *Detector) keywordDetected() {
	d.mu.Lock()
	if d.disposed || d.state != StateKeyword {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	d.mu.Unlock()

	_ = d.engine.Stop()
	if err := d.transcriber.StartStreaming(ctx); err != nil {
		d.logger.Error().Err(err).Msg("capture session failed to start, resuming keyword spotting")
		_ = d.engine.Start(ctx, d.keywordDetected)
		return
	}

	phrase := ""
	if candidates := d.matcher.Phrases(); len(candidates) > 0 {
		phrase = candidates[0]
	}
	d.beginCapture(Match{Phrase: phrase, Kind: MatchKeyword}, "")
}

// handleInterim surfaces in-progress transcripts during capture.
func (d *Detector) handleInterim(text string) {
	d.mu.Lock()
	capturing := d.state == StateCapturing
	cb := d.callbacks
	d.mu.Unlock()

	if capturing && cb.OnUserPartial != nil {
		cb.OnUserPartial(text)
	}
}

// handleFinal routes a final transcript by state: wake matching while
// monitoring, fragment accumulation while capturing.
func (d *Detector) handleFinal(text string, confidence float64) {
	cleaned, ok := d.filter.Clean(text)
	if !ok {
		return
	}

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	switch state {
	case StateKeyword:
		if d.echo.IsEcho(cleaned) {
			d.logger.Debug().Str("text", cleaned).Msg("echo of own speech, ignored")
			return
		}
		det := d.matcher.DetectWake(cleaned)
		if !det.HasWake {
			return
		}
		d.logger.Info().
			Str("phrase", det.Match.Phrase).
			Str("kind", string(det.Match.Kind)).
			Float64("confidence", confidence).
			Msg("wake phrase detected")
		d.debug("wake matched: " + string(det.Match.Kind))
		d.beginCapture(*det.Match, det.Remainder())

	case StateCapturing:
		d.fragments.Add(cleaned)
		if d.fragments.ShouldFlush() {
			d.finishCapture()
			return
		}
		d.armFlush()
	}
}

// beginCapture transitions to CAPTURING and seeds the fragment buffer with
// whatever followed the wake phrase in the same utterance.
func (d *Detector) beginCapture(m Match, remainder string) {
	d.mu.Lock()
	if d.disposed || d.state != StateKeyword {
		d.mu.Unlock()
		return
	}
	from := d.state
	d.state = StateCapturing
	d.captureGen++
	if remainder != "" {
		d.fragments.Add(remainder)
	}
	cb := d.callbacks
	d.mu.Unlock()

	if cb.OnStateChange != nil {
		cb.OnStateChange(from, StateCapturing)
	}
	if cb.OnWake != nil {
		cb.OnWake(m)
	}

	if d.fragments.ShouldFlush() {
		d.finishCapture()
		return
	}
	d.armFlush()
}

// armFlush (re)starts the completion timer. The generation check at fire time
// drops timers from captures that already ended.
func (d *Detector) armFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCapturing {
		return
	}
	gen := d.captureGen
	if d.flushTimer != nil {
		d.flushTimer.Stop()
	}
	d.flushTimer = time.AfterFunc(d.config.CompletionQuiet, func() {
		d.flushExpired(gen)
	})
}

func (d *Detector) flushExpired(gen uint64) {
	d.mu.Lock()
	stale := d.disposed || d.state != StateCapturing || gen != d.captureGen
	d.mu.Unlock()
	if stale {
		return
	}
	d.finishCapture()
}

// finishCapture flushes the utterance, returns to monitoring, and in keyword
// mode swaps the transcription session back out for the spotter.
func (d *Detector) finishCapture() {
	d.mu.Lock()
	if d.state != StateCapturing {
		d.mu.Unlock()
		return
	}
	d.captureGen++
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	text := d.fragments.Flush()
	d.state = StateKeyword
	if d.engine != nil {
		d.expectStop = true
	}
	ctx := d.ctx
	cb := d.callbacks
	d.mu.Unlock()

	if d.engine != nil {
		_ = d.transcriber.StopStreaming()
		if err := d.engine.Start(ctx, d.keywordDetected); err != nil {
			d.logger.Error().Err(err).Msg("keyword engine failed to resume")
		}
	}

	if cb.OnStateChange != nil {
		cb.OnStateChange(StateCapturing, StateKeyword)
	}
	d.debug("capture flushed")
	if text != "" && cb.OnUserFinal != nil {
		cb.OnUserFinal(text)
	}
}

// AbortCapture discards an in-progress capture and returns to monitoring
// without delivering the utterance. Used when the session pauses
// mid-utterance. In keyword mode the capture session closes and the spotter
// resumes.
func (d *Detector) AbortCapture() {
	d.mu.Lock()
	if d.state != StateCapturing {
		d.mu.Unlock()
		return
	}
	d.captureGen++
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	d.fragments.Flush()
	d.state = StateKeyword
	if d.engine != nil {
		d.expectStop = true
	}
	ctx := d.ctx
	cb := d.callbacks
	d.mu.Unlock()

	if d.engine != nil {
		_ = d.transcriber.StopStreaming()
		if err := d.engine.Start(ctx, d.keywordDetected); err != nil {
			d.logger.Error().Err(err).Msg("keyword engine failed to resume")
		}
	}

	if cb.OnStateChange != nil {
		cb.OnStateChange(StateCapturing, StateKeyword)
	}
	d.debug("capture aborted")
	d.logger.Debug().Msg("capture aborted")
}

// handleSessionStopped restarts the transcription session when it drops
// unexpectedly. Intentional stops and disposal are ignored.
func (d *Detector) handleSessionStopped() {
	d.mu.Lock()
	if d.expectStop {
		d.expectStop = false
		d.mu.Unlock()
		return
	}
	if d.disposed || d.state == StateStopped || d.restarting {
		d.mu.Unlock()
		return
	}
	d.restarting = true
	ctx := d.ctx
	d.mu.Unlock()

	d.logger.Warn().Msg("transcription session dropped, restarting")
	d.debug("session dropped, restarting")
	go func() {
		err := d.config.Restart.Do(ctx, func() error {
			d.mu.Lock()
			dead := d.disposed || d.state == StateStopped
			d.mu.Unlock()
			if dead {
				return nil
			}
			return d.transcriber.StartStreaming(ctx)
		})

		d.mu.Lock()
		d.restarting = false
		d.mu.Unlock()

		if err != nil {
			d.logger.Error().Err(err).Msg("transcription session restart exhausted")
		}
	}()
}
