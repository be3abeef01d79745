package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// LocalProvider synthesizes with the platform speech command: `say` on
// macOS, `espeak` elsewhere. Quality is rough but it needs no network or
// credentials, which makes it the last link in the fallback chain.
type LocalProvider struct {
	binary string
	logger zerolog.Logger
}

// NewLocalProvider creates a LocalProvider. The returned provider may still
// be unhealthy if no speech command is installed.
func NewLocalProvider(logger zerolog.Logger) *LocalProvider {
	binary := "espeak"
	if runtime.GOOS == "darwin" {
		binary = "say"
	}
	return &LocalProvider{
		binary: binary,
		logger: logger.With().Str("component", "tts").Str("provider", "local").Logger(),
	}
}

func (p *LocalProvider) Name() string { return "local" }

// Synthesize renders text to a temporary wav file and returns its contents.
func (p *LocalProvider) Synthesize(ctx context.Context, req *Request) (*Audio, error) {
	if len(req.Text) > maxTextLength {
		return nil, ErrTextTooLong
	}
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not installed", ErrProviderUnavailable, p.binary)
	}

	out := filepath.Join(os.TempDir(), fmt.Sprintf("voicepal-tts-%d.wav", time.Now().UnixNano()))
	defer os.Remove(out)

	start := time.Now()
	var cmd *exec.Cmd
	if p.binary == "say" {
		cmd = exec.CommandContext(ctx, path, "-o", out, "--data-format=LEI16@16000", req.Text)
	} else {
		cmd = exec.CommandContext(ctx, path, "-w", out, req.Text)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", p.binary, err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}

	p.logger.Debug().Int("bytes", len(data)).Msg("local synthesis complete")
	return &Audio{
		Data:           data,
		Format:         "wav",
		SampleRate:     16000,
		Provider:       p.Name(),
		ProcessingTime: time.Since(start),
	}, nil
}

// Health reports whether the speech command exists.
func (p *LocalProvider) Health(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("%w: %s not installed", ErrProviderUnavailable, p.binary)
	}
	return nil
}
