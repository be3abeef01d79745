// Package audio provides microphone capture for VoicePal. Frames come off
// the platform recording command as raw PCM and are handed to the VAD and
// the streaming transcriber.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrMicUnavailable = errors.New("microphone unavailable")
	ErrCaptureActive  = errors.New("capture already active")
)

// CaptureConfig holds capture settings. The PCM format is fixed at 16-bit
// little-endian mono to match the transcriber and VAD.
type CaptureConfig struct {
	SampleRate    int           // default 16000
	Channels      int           // default 1
	FrameDuration time.Duration // default 30ms
	Device        string        // platform device name, empty for default
}

// DefaultCaptureConfig returns sensible defaults.
func DefaultCaptureConfig() *CaptureConfig {
	return &CaptureConfig{
		SampleRate:    16000,
		Channels:      1,
		FrameDuration: 30 * time.Millisecond,
	}
}

// FrameBytes returns the byte length of one PCM frame.
func (c *CaptureConfig) FrameBytes() int {
	samples := int(float64(c.SampleRate) * c.FrameDuration.Seconds())
	return samples * c.Channels * 2
}

// Capture reads microphone audio through the platform recording command
// (`sox -d` on macOS, `arecord` elsewhere) and emits fixed-size PCM frames.
type Capture struct {
	config *CaptureConfig
	logger zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	onFrame func(frame []byte)
}

// NewCapture creates a Capture. A nil config uses defaults.
func NewCapture(config *CaptureConfig, logger zerolog.Logger) *Capture {
	if config == nil {
		config = DefaultCaptureConfig()
	}
	return &Capture{
		config: config,
		logger: logger.With().Str("component", "audio").Logger(),
	}
}

// SetOnFrame installs the frame callback. Call before Start.
func (c *Capture) SetOnFrame(fn func(frame []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// Start begins capture. Frames are delivered on a dedicated goroutine until
// Stop or ctx cancellation.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrCaptureActive
	}

	cmd, err := c.buildCommand(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMicUnavailable, err)
	}

	c.cmd = cmd
	c.running = true
	c.mu.Unlock()

	c.logger.Info().
		Int("sample_rate", c.config.SampleRate).
		Int("frame_bytes", c.config.FrameBytes()).
		Msg("capture started")

	go func() {
		c.run(stdout)
		cmd.Wait()
	}()
	return nil
}

func (c *Capture) buildCommand(ctx context.Context) (*exec.Cmd, error) {
	rate := fmt.Sprint(c.config.SampleRate)
	channels := fmt.Sprint(c.config.Channels)

	if runtime.GOOS == "darwin" {
		path, err := exec.LookPath("sox")
		if err != nil {
			return nil, fmt.Errorf("%w: sox not installed", ErrMicUnavailable)
		}
		return exec.CommandContext(ctx, path,
			"-q", "-d", "-t", "raw", "-b", "16", "-e", "signed-integer",
			"-r", rate, "-c", channels, "-"), nil
	}

	path, err := exec.LookPath("arecord")
	if err != nil {
		return nil, fmt.Errorf("%w: arecord not installed", ErrMicUnavailable)
	}
	args := []string{"-q", "-f", "S16_LE", "-r", rate, "-c", channels, "-t", "raw"}
	if c.config.Device != "" {
		args = append(args, "-D", c.config.Device)
	}
	return exec.CommandContext(ctx, path, args...), nil
}

// run slices the PCM stream into frames. A short read at stream end is
// dropped rather than padded.
func (c *Capture) run(r io.Reader) {
	frameBytes := c.config.FrameBytes()
	buf := make([]byte, frameBytes)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			c.mu.Lock()
			running := c.running
			c.running = false
			c.mu.Unlock()
			if running && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Warn().Err(err).Msg("capture stream ended")
			}
			return
		}

		c.mu.Lock()
		fn := c.onFrame
		c.mu.Unlock()
		if fn != nil {
			frame := make([]byte, frameBytes)
			copy(frame, buf)
			fn(frame)
		}
	}
}

// IsRunning reports whether capture is active.
func (c *Capture) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop ends capture.
func (c *Capture) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.running = false
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	c.logger.Info().Msg("capture stopped")
}
