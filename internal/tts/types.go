// Package tts provides speech synthesis for VoicePal: a provider interface,
// an HTTP gateway adapter, a local command-line fallback, and a chain that
// fails over between them.
package tts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("tts provider unavailable")
	ErrTextTooLong         = errors.New("text exceeds maximum length")
	ErrTimeout             = errors.New("synthesis timeout")
)

// maxTextLength bounds a single synthesis request. Responses are short
// conversational turns; anything longer is a bug upstream.
const maxTextLength = 4096

// Provider is a speech synthesizer.
type Provider interface {
	// Name returns the provider identifier (e.g. "speech-gateway", "local").
	Name() string
	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, req *Request) (*Audio, error)
	// Health checks whether the provider can currently synthesize.
	Health(ctx context.Context) error
}

// Request is a synthesis request.
type Request struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"` // 0.5 to 2.0, 0 means default
}

// Audio is a synthesis result.
type Audio struct {
	Data           []byte        `json:"-"`
	Format         string        `json:"format"`
	SampleRate     int           `json:"sample_rate"`
	Voice          string        `json:"voice"`
	Provider       string        `json:"provider"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Config holds synthesis configuration.
type Config struct {
	Key     string
	Region  string
	Voice   string
	Rate    float64
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Voice:   "en-US-JennyNeural",
		Rate:    1.0,
		Timeout: 10 * time.Second,
	}
}
