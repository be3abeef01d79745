package wake

import (
	"strings"
	"sync"
	"time"
)

// defaultEchoWindow is how long the last spoken utterance remains eligible
// for echo comparison. Playback plus room reverb rarely exceeds this.
const defaultEchoWindow = 15 * time.Second

// defaultEchoOverlap is the token-overlap ratio above which a transcript is
// treated as the system hearing its own synthesized speech.
const defaultEchoOverlap = 0.7

// EchoSuppressor prevents the assistant's own synthesized voice, picked up by
// the microphone, from being mistaken for user input. The playback path
// records what was spoken; transcripts whose tokens mostly overlap the last
// spoken text are rejected.
type EchoSuppressor struct {
	mu         sync.RWMutex
	lastSpoken map[string]struct{}
	spokenAt   time.Time
	window     time.Duration
	overlap    float64
	now        func() time.Time
}

// NewEchoSuppressor creates an EchoSuppressor with the default window and
// overlap ratio.
func NewEchoSuppressor() *EchoSuppressor {
	return &EchoSuppressor{
		window:  defaultEchoWindow,
		overlap: defaultEchoOverlap,
		now:     time.Now,
	}
}

// RecordSpoken notes the text the assistant just played so subsequent
// transcripts can be compared against it.
func (e *EchoSuppressor) RecordSpoken(text string) {
	tokens := strings.Fields(Normalize(text))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastSpoken = make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		e.lastSpoken[tok] = struct{}{}
	}
	e.spokenAt = e.now()
}

// Clear forgets the last spoken text.
func (e *EchoSuppressor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSpoken = nil
}

// IsEcho reports whether the transcript's tokens overlap the most recently
// spoken text by at least the configured ratio.
func (e *EchoSuppressor) IsEcho(transcript string) bool {
	tokens := strings.Fields(Normalize(transcript))
	if len(tokens) == 0 {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.lastSpoken) == 0 || e.now().Sub(e.spokenAt) > e.window {
		return false
	}

	matched := 0
	for _, tok := range tokens {
		if _, ok := e.lastSpoken[tok]; ok {
			matched++
		}
	}

	return float64(matched)/float64(len(tokens)) >= e.overlap
}
