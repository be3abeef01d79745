// Package vad provides frame-based voice activity detection. A classifier
// scores each audio frame with a speech probability; the detector turns those
// scores into debounced speech segments with pre-roll and redemption handling.
package vad

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Classifier scores a single audio frame with a probability of speech.
// Implementations are selected at configuration time.
type Classifier interface {
	// Probability returns the speech probability for one frame in [0,1].
	Probability(frame []byte) float64
	// Reset clears any internal smoothing state.
	Reset()
}

// Config holds detector configuration.
type Config struct {
	// FrameDuration is the duration covered by one frame (default 30ms).
	FrameDuration time.Duration `json:"frame_duration"`
	// PositiveThreshold confirms speech. High by default to reject
	// background voices.
	PositiveThreshold float64 `json:"positive_threshold"`
	// NegativeThreshold is the level below which a frame counts toward
	// ending the segment.
	NegativeThreshold float64 `json:"negative_threshold"`
	// StartFrames is the number of consecutive positive frames required
	// before a speech-start is confirmed.
	StartFrames int `json:"start_frames"`
	// RedemptionFrames is how many sub-threshold frames are tolerated
	// before the segment ends, so micro-pauses do not split utterances.
	RedemptionFrames int `json:"redemption_frames"`
	// PreRollFrames is how many frames before the confirmed start are
	// prepended to the segment so the first syllable is not lost.
	PreRollFrames int `json:"pre_roll_frames"`
	// MinSpeechDuration discards shorter segments as non-speech noise.
	MinSpeechDuration time.Duration `json:"min_speech_duration"`
	// DebounceCooldown suppresses a new speech-start this soon after the
	// previous segment ended.
	DebounceCooldown time.Duration `json:"debounce_cooldown"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FrameDuration:     30 * time.Millisecond,
		PositiveThreshold: 0.85,
		NegativeThreshold: 0.35,
		// 10 frames at 30ms: a start is confirmed only once the utterance
		// has already lasted the minimum speech duration, so short clicks
		// never produce a start at all.
		StartFrames:       10,
		RedemptionFrames:  8,
		PreRollFrames:     10,
		MinSpeechDuration: 300 * time.Millisecond,
		DebounceCooldown:  500 * time.Millisecond,
	}
}

// Callbacks are invoked by the detector as segments are recognized. All
// callbacks fire synchronously from Process.
type Callbacks struct {
	// OnSpeechStart fires when a speech-start is confirmed.
	OnSpeechStart func()
	// OnSpeechEnd fires with the segment audio (pre-roll included) when a
	// segment of at least MinSpeechDuration ends.
	OnSpeechEnd func(audio []byte, duration time.Duration)
	// OnMisfire fires when a segment ends below the minimum duration.
	OnMisfire func()
}

// Detector consumes audio frames and emits speech segments.
type Detector struct {
	config     *Config
	classifier Classifier
	callbacks  Callbacks
	logger     zerolog.Logger

	mu        sync.Mutex
	running   bool
	destroyed bool

	// Guard can veto a confirmed speech-start; a vetoed start resets
	// timers as if the segment had ended.
	guard func() bool

	frameIndex   int64 // frames processed since Start
	lastEndFrame int64 // frame index when the last segment ended

	inSpeech    bool
	consecutive int // consecutive positive frames while idle
	redemption  int // consecutive negative frames while in speech
	speechCount int // frames counted as speech in the current segment
	started     bool // a segment has ever ended (lastEndFrame valid)

	preRoll [][]byte // ring of recent frames for pre-roll
	segment []byte   // accumulated segment audio
}

// New creates a Detector. A nil config uses DefaultConfig; a nil classifier
// uses the energy classifier.
func New(config *Config, classifier Classifier, callbacks Callbacks, logger zerolog.Logger) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	if classifier == nil {
		classifier = NewEnergyClassifier(nil)
	}
	return &Detector{
		config:     config,
		classifier: classifier,
		callbacks:  callbacks,
		logger:     logger.With().Str("component", "vad").Logger(),
	}
}

// SetStartGuard installs a veto function consulted when a speech-start is
// confirmed. Returning false vetoes the start.
func (d *Detector) SetStartGuard(guard func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guard = guard
}

// Start begins frame processing.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.running = true
	d.logger.Debug().Msg("VAD started")
}

// Pause stops frame processing without clearing configuration. Any segment
// in progress is dropped.
func (d *Detector) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.resetSegmentLocked()
	d.logger.Debug().Msg("VAD paused")
}

// Destroy permanently stops the detector.
func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.destroyed = true
	d.resetSegmentLocked()
	d.preRoll = nil
	d.logger.Debug().Msg("VAD destroyed")
}

// IsActive reports whether a speech segment is currently open.
func (d *Detector) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inSpeech
}

// Process consumes one audio frame. Callbacks fire synchronously before
// Process returns.
func (d *Detector) Process(frame []byte) {
	d.mu.Lock()
	if !d.running || d.destroyed {
		d.mu.Unlock()
		return
	}

	p := d.classifier.Probability(frame)
	d.frameIndex++
	d.pushPreRollLocked(frame)

	var (
		fireStart bool
		fireEnd   bool
		fireMiss  bool
		audio     []byte
		duration  time.Duration
	)

	if !d.inSpeech {
		if p >= d.config.PositiveThreshold {
			d.consecutive++
		} else {
			d.consecutive = 0
		}

		if d.consecutive >= d.config.StartFrames {
			switch {
			case d.inDebounceLocked():
				// Too soon after the previous segment; hold off.
				d.consecutive = 0
			case d.guard != nil && !d.guard():
				// Vetoed start resets timers as if it had ended.
				d.consecutive = 0
				d.lastEndFrame = d.frameIndex
				d.started = true
			default:
				d.inSpeech = true
				d.speechCount = d.consecutive
				d.redemption = 0
				d.segment = d.segment[:0]
				for _, f := range d.preRoll {
					d.segment = append(d.segment, f...)
				}
				d.consecutive = 0
				fireStart = true
			}
		}
	} else {
		d.segment = append(d.segment, frame...)
		d.speechCount++
		if p < d.config.NegativeThreshold {
			d.redemption++
		} else {
			d.redemption = 0
		}

		if d.redemption >= d.config.RedemptionFrames {
			// Trailing redemption frames are silence, not speech.
			speechFrames := d.speechCount - d.redemption
			duration = time.Duration(speechFrames) * d.config.FrameDuration

			if duration < d.config.MinSpeechDuration {
				fireMiss = true
			} else {
				audio = make([]byte, len(d.segment))
				copy(audio, d.segment)
				fireEnd = true
			}

			d.lastEndFrame = d.frameIndex
			d.started = true
			d.resetSegmentLocked()
		}
	}

	cb := d.callbacks
	d.mu.Unlock()

	switch {
	case fireStart:
		d.logger.Debug().Msg("speech start confirmed")
		if cb.OnSpeechStart != nil {
			cb.OnSpeechStart()
		}
	case fireMiss:
		d.logger.Debug().Dur("duration", duration).Msg("segment below minimum duration, discarded")
		if cb.OnMisfire != nil {
			cb.OnMisfire()
		}
	case fireEnd:
		d.logger.Debug().Dur("duration", duration).Int("bytes", len(audio)).Msg("speech segment ended")
		if cb.OnSpeechEnd != nil {
			cb.OnSpeechEnd(audio, duration)
		}
	}
}

// inDebounceLocked reports whether a new start falls inside the cooldown
// following the previous segment's end.
func (d *Detector) inDebounceLocked() bool {
	if !d.started || d.config.DebounceCooldown <= 0 {
		return false
	}
	cooldownFrames := int64(d.config.DebounceCooldown / d.config.FrameDuration)
	return d.frameIndex-d.lastEndFrame < cooldownFrames
}

func (d *Detector) pushPreRollLocked(frame []byte) {
	if d.config.PreRollFrames <= 0 {
		return
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	d.preRoll = append(d.preRoll, buf)
	if len(d.preRoll) > d.config.PreRollFrames {
		d.preRoll = d.preRoll[1:]
	}
}

func (d *Detector) resetSegmentLocked() {
	d.inSpeech = false
	d.consecutive = 0
	d.redemption = 0
	d.speechCount = 0
	d.segment = d.segment[:0]
}

// EnergyClassifier derives a speech probability from smoothed RMS energy of
// 16-bit PCM frames. It is the local fallback model; platform keyword or
// neural VAD engines plug in through the Classifier interface.
type EnergyClassifier struct {
	mu      sync.Mutex
	noise   float64 // running noise-floor estimate
	history []float64
	index   int
	filled  bool
}

// EnergyConfig configures the energy classifier.
type EnergyConfig struct {
	SmoothingFrames int `json:"smoothing_frames"` // default 5
}

// NewEnergyClassifier creates an EnergyClassifier.
func NewEnergyClassifier(cfg *EnergyConfig) *EnergyClassifier {
	frames := 5
	if cfg != nil && cfg.SmoothingFrames > 0 {
		frames = cfg.SmoothingFrames
	}
	return &EnergyClassifier{
		noise:   0.005,
		history: make([]float64, frames),
	}
}

// Probability maps smoothed RMS energy relative to the adaptive noise floor
// onto [0,1].
func (c *EnergyClassifier) Probability(frame []byte) float64 {
	rms := rms16(frame)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history[c.index] = rms
	c.index = (c.index + 1) % len(c.history)
	if c.index == 0 {
		c.filled = true
	}

	n := len(c.history)
	if !c.filled {
		n = c.index
		if n == 0 {
			n = 1
		}
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += c.history[i]
	}
	smoothed := sum / float64(n)

	// Track the noise floor slowly during quiet frames.
	if smoothed < c.noise {
		c.noise = 0.9*c.noise + 0.1*smoothed
	} else {
		c.noise = 0.999*c.noise + 0.001*smoothed
	}

	// Logistic curve centered a few multiples above the noise floor.
	ratio := smoothed / math.Max(c.noise, 1e-5)
	return 1.0 / (1.0 + math.Exp(-(ratio-4.0)))
}

// Reset clears smoothing state.
func (c *EnergyClassifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.history {
		c.history[i] = 0
	}
	c.index = 0
	c.filled = false
}

// rms16 computes the RMS energy of a 16-bit signed little-endian PCM frame.
func rms16(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	count := 0
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(frame[i]) | int16(frame[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}
