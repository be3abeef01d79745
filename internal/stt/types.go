// Package stt provides streaming speech-to-text for VoicePal: a websocket
// session adapter for the speech gateway, plus transcript cleanup used by the
// wake detector's fallback capture path.
package stt

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotInitialized = errors.New("transcriber not initialized")
	ErrSessionActive  = errors.New("a streaming session is already active")
	ErrDisposed       = errors.New("transcriber destroyed")
	ErrNotStreaming   = errors.New("no active streaming session")
	ErrNoSpeech       = errors.New("no speech recognized")
	ErrTimeout        = errors.New("transcription timeout")
)

// Result is one transcript event from the provider.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0-1, finals only
	IsFinal    bool    `json:"is_final"`
	Locale     string  `json:"locale"`
	// LowConfidence flags finals below the configured cutoff. Flagged
	// results are still delivered, never discarded.
	LowConfidence bool `json:"low_confidence"`
}

// Callbacks deliver transcription events. All callbacks may be nil.
type Callbacks struct {
	OnInterim        func(text string)
	OnFinal          func(text string, confidence float64)
	OnError          func(err error)
	OnSessionStarted func()
	OnSessionStopped func()
}

// Config holds transcriber configuration.
type Config struct {
	Key    string `json:"-"`
	Region string `json:"region"`
	Locale string `json:"locale"`

	SampleRate int `json:"sample_rate"` // default 16000
	Channels   int `json:"channels"`    // default 1

	// Short silence timeouts keep the session responsive.
	InitialSilenceTimeout time.Duration `json:"initial_silence_timeout"`
	EndSilenceTimeout     time.Duration `json:"end_silence_timeout"`

	// RemoveDisfluencies and Punctuate are forwarded to the provider.
	RemoveDisfluencies bool `json:"remove_disfluencies"`
	Punctuate          bool `json:"punctuate"`

	// PhraseList biases recognition toward domain vocabulary. Wake-phrase
	// variants are repeated WakePhraseWeight times to raise their recall.
	PhraseList      []string `json:"phrase_list"`
	WakePhrases     []string `json:"wake_phrases"`
	WakePhraseWeight int     `json:"wake_phrase_weight"`

	// LowConfidenceCutoff marks finals below it as low confidence.
	LowConfidenceCutoff float64 `json:"low_confidence_cutoff"`

	DialTimeout time.Duration `json:"dial_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Locale:                "en-US",
		SampleRate:            16000,
		Channels:              1,
		InitialSilenceTimeout: 4 * time.Second,
		EndSilenceTimeout:     800 * time.Millisecond,
		RemoveDisfluencies:    true,
		Punctuate:             true,
		WakePhraseWeight:      3,
		LowConfidenceCutoff:   0.9,
		DialTimeout:           10 * time.Second,
	}
}

// BiasedPhrases returns the phrase list sent to the provider, with wake
// phrases repeated per WakePhraseWeight.
func (c *Config) BiasedPhrases() []string {
	weight := c.WakePhraseWeight
	if weight < 1 {
		weight = 1
	}
	out := make([]string, 0, len(c.PhraseList)+len(c.WakePhrases)*weight)
	out = append(out, c.PhraseList...)
	for _, p := range c.WakePhrases {
		for i := 0; i < weight; i++ {
			out = append(out, p)
		}
	}
	return out
}

// Transcriber is the streaming transcription contract consumed by the wake
// detector and the conversation loop.
type Transcriber interface {
	// Initialize configures provider credentials and locale.
	Initialize(key, region, locale string) error
	// StartStreaming opens a continuous recognition session.
	StartStreaming(ctx context.Context) error
	// StopStreaming tears the session down.
	StopStreaming() error
	// SendAudio feeds PCM audio into the active session.
	SendAudio(audio []byte) error
	// RecognizeOnce transcribes a single utterance and returns its final.
	RecognizeOnce(ctx context.Context, audio []byte) (*Result, error)
	// SetLanguage switches locale, recreating the underlying session while
	// preserving streaming state.
	SetLanguage(locale string) error
	// SetCallbacks installs event callbacks. Must be called before
	// StartStreaming.
	SetCallbacks(cb Callbacks)
	// IsStreaming reports whether a session is active.
	IsStreaming() bool
	// Destroy releases the transcriber permanently.
	Destroy()
}
