// Package playback plays synthesized speech and owns the currently playing
// handle. It supports immediate stop and timed fade-out so the interrupt
// manager can silence the assistant mid-sentence.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrNoDevice   = errors.New("no audio output device")
	ErrNotPlaying = errors.New("handle is not playing")
)

// Status describes a playback handle's lifecycle.
type Status string

const (
	StatusPlaying Status = "playing"
	StatusFading  Status = "fading"
	StatusStopped Status = "stopped"
)

// Stream is a single in-flight playback on the output device.
type Stream interface {
	// SetVolume adjusts playback volume in [0,1]. Best effort.
	SetVolume(v float64)
	// Pause halts output immediately.
	Pause()
	// Rewind resets the stream position for reuse.
	Rewind()
	// Done closes when the audio finishes on its own.
	Done() <-chan struct{}
}

// Device abstracts the platform audio output.
type Device interface {
	// Begin starts playing the audio and returns the live stream.
	Begin(audio []byte) (Stream, error)
}

// Handle identifies one playback. It is owned by the Controller; other
// components hold references only.
type Handle struct {
	Source string

	mu     sync.Mutex
	volume float64
	status Status
	stream Stream
	gen    uint64 // fade/completion generation; bumped to cancel stale work
}

// Volume returns the current volume.
func (h *Handle) Volume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Config holds controller configuration.
type Config struct {
	// FadeDuration is the default fade-out length.
	FadeDuration time.Duration `json:"fade_duration"`
	// FadeStep is the interval between volume decrements.
	FadeStep time.Duration `json:"fade_step"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FadeDuration: 300 * time.Millisecond,
		FadeStep:     20 * time.Millisecond,
	}
}

// Controller plays audio through a Device. At most one handle is playing at
// a time; starting a new playback stops the previous one.
type Controller struct {
	config *Config
	device Device
	logger zerolog.Logger

	mu      sync.Mutex
	current *Handle

	// onComplete fires when a playback finishes without being stopped.
	onComplete func(h *Handle)
}

// NewController creates a Controller for the given device.
func NewController(config *Config, device Device, logger zerolog.Logger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	return &Controller{
		config: config,
		device: device,
		logger: logger.With().Str("component", "playback").Logger(),
	}
}

// OnComplete registers a callback fired when playback finishes naturally.
// Stopped or faded playbacks never fire it.
func (c *Controller) OnComplete(fn func(h *Handle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

// Play starts playing audio, stopping any current handle first. The returned
// handle is the controller's current handle until it stops.
func (c *Controller) Play(audio []byte, source string) (*Handle, error) {
	if c.device == nil {
		return nil, ErrNoDevice
	}

	// Only one handle plays at a time.
	c.StopCurrent()

	stream, err := c.device.Begin(audio)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Source: source,
		volume: 1.0,
		status: StatusPlaying,
		stream: stream,
	}
	stream.SetVolume(1.0)

	c.mu.Lock()
	c.current = h
	c.mu.Unlock()

	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()

	go c.watchCompletion(h, gen)

	c.logger.Debug().Str("source", source).Int("bytes", len(audio)).Msg("playback started")
	return h, nil
}

// watchCompletion waits for natural completion. A generation bump (stop or
// fade) makes the pending completion a no-op, so a stale callback from an
// interrupted playback can never change state afterward.
func (c *Controller) watchCompletion(h *Handle, gen uint64) {
	<-h.stream.Done()

	h.mu.Lock()
	if h.gen != gen || h.status != StatusPlaying {
		h.mu.Unlock()
		return
	}
	h.status = StatusStopped
	h.mu.Unlock()

	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	fn := c.onComplete
	c.mu.Unlock()

	c.logger.Debug().Str("source", h.Source).Msg("playback completed")
	if fn != nil {
		fn(h)
	}
}

// Current returns the handle currently playing or fading, or nil.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// IsPlaying reports whether a handle is currently playing or fading.
func (c *Controller) IsPlaying() bool {
	h := c.Current()
	if h == nil {
		return false
	}
	s := h.Status()
	return s == StatusPlaying || s == StatusFading
}

// Stop hard-stops the handle immediately: pause, rewind, and reset volume
// for reuse. Any pending fade or completion becomes a no-op.
func (c *Controller) Stop(h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.status == StatusStopped {
		h.mu.Unlock()
		return
	}
	h.gen++
	h.status = StatusStopped
	stream := h.stream
	h.mu.Unlock()

	stream.Pause()
	stream.Rewind()
	stream.SetVolume(1.0)

	h.mu.Lock()
	h.volume = 1.0
	h.mu.Unlock()

	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()

	c.logger.Debug().Str("source", h.Source).Msg("playback stopped")
}

// StopCurrent hard-stops whatever is playing, if anything.
func (c *Controller) StopCurrent() {
	c.Stop(c.Current())
}

// FadeOut decrements the handle's volume linearly over the given duration
// (controller default when zero), then pauses, rewinds, and resets volume.
// Starting a fade cancels any fade already in progress on the handle.
func (c *Controller) FadeOut(h *Handle, duration time.Duration) error {
	if h == nil {
		return ErrNotPlaying
	}
	if duration <= 0 {
		duration = c.config.FadeDuration
	}

	h.mu.Lock()
	if h.status == StatusStopped {
		h.mu.Unlock()
		return ErrNotPlaying
	}
	h.gen++ // cancel any pending fade or completion
	gen := h.gen
	h.status = StatusFading
	startVolume := h.volume
	stream := h.stream
	h.mu.Unlock()

	steps := int(duration / c.config.FadeStep)
	if steps < 1 {
		steps = 1
	}
	delta := startVolume / float64(steps)

	go func() {
		ticker := time.NewTicker(c.config.FadeStep)
		defer ticker.Stop()

		for range ticker.C {
			h.mu.Lock()
			if h.gen != gen {
				h.mu.Unlock()
				return // superseded by a newer fade or a hard stop
			}
			h.volume -= delta
			if h.volume <= delta/2 {
				h.volume = 0
			}
			v := h.volume
			h.mu.Unlock()

			stream.SetVolume(v)

			if v == 0 {
				stream.Pause()
				stream.Rewind()
				stream.SetVolume(1.0)

				h.mu.Lock()
				if h.gen == gen {
					h.status = StatusStopped
					h.volume = 1.0
				}
				h.mu.Unlock()

				c.mu.Lock()
				if c.current == h {
					c.current = nil
				}
				c.mu.Unlock()

				c.logger.Debug().Str("source", h.Source).Dur("duration", duration).Msg("fade-out complete")
				return
			}
		}
	}()

	return nil
}
