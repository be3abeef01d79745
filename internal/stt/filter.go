package stt

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultDisfluencies are filler tokens stripped from transcripts before the
// wake matcher or the response generator sees them.
var DefaultDisfluencies = []string{
	"um", "uh", "uhh", "umm", "er", "ah", "hmm", "mm",
}

var whitespaceRe = regexp.MustCompile(`\s+`)
var barePunctRe = regexp.MustCompile(`^[.,!?;:\s]+$`)

// Filter removes disfluencies from transcripts. The provider already removes
// most when RemoveDisfluencies is on; this catches what slips through.
type Filter struct {
	mu      sync.RWMutex
	words   map[string]struct{}
	pattern *regexp.Regexp
}

// NewFilter creates a Filter. A nil word list uses DefaultDisfluencies.
func NewFilter(words []string) *Filter {
	if words == nil {
		words = DefaultDisfluencies
	}
	f := &Filter{words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		f.words[strings.ToLower(w)] = struct{}{}
	}
	f.compile()
	return f
}

func (f *Filter) compile() {
	if len(f.words) == 0 {
		f.pattern = nil
		return
	}
	parts := make([]string, 0, len(f.words))
	for w := range f.words {
		parts = append(parts, `\b`+regexp.QuoteMeta(w)+`\b`)
	}
	f.pattern = regexp.MustCompile(`(?i)(` + strings.Join(parts, `|`) + `)`)
}

// Clean strips disfluencies and normalizes whitespace. The second return is
// false when nothing meaningful remains.
func (f *Filter) Clean(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	f.mu.RLock()
	pattern := f.pattern
	f.mu.RUnlock()

	cleaned := text
	if pattern != nil {
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = strings.TrimSpace(whitespaceRe.ReplaceAllString(cleaned, " "))
	if barePunctRe.MatchString(cleaned) {
		cleaned = ""
	}
	return cleaned, cleaned != ""
}

// FragmentBuffer accumulates transcript fragments during capture until a
// quiet period elapses or the utterance is already long, so half-finished
// thoughts are not flushed mid-sentence.
type FragmentBuffer struct {
	mu       sync.Mutex
	buf      strings.Builder
	words    int
	lastAdd  time.Time
	timeout  time.Duration
	maxWords int
	now      func() time.Time
}

// FragmentConfig configures the buffer.
type FragmentConfig struct {
	// QuietPeriod flushes the buffer after this much silence (default 800ms).
	QuietPeriod time.Duration
	// MaxWords flushes early once the utterance is this long (default 40).
	MaxWords int
}

// NewFragmentBuffer creates a FragmentBuffer. A nil config uses defaults.
func NewFragmentBuffer(cfg *FragmentConfig) *FragmentBuffer {
	timeout := 800 * time.Millisecond
	maxWords := 40
	if cfg != nil {
		if cfg.QuietPeriod > 0 {
			timeout = cfg.QuietPeriod
		}
		if cfg.MaxWords > 0 {
			maxWords = cfg.MaxWords
		}
	}
	return &FragmentBuffer{
		timeout:  timeout,
		maxWords: maxWords,
		now:      time.Now,
	}
}

// Add appends a fragment. Returns false for empty fragments.
func (fb *FragmentBuffer) Add(fragment string) bool {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return false
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.buf.Len() > 0 {
		fb.buf.WriteString(" ")
	}
	fb.buf.WriteString(fragment)
	fb.words += len(strings.Fields(fragment))
	fb.lastAdd = fb.now()
	return true
}

// ShouldFlush reports whether the buffer is ready: quiet period elapsed since
// the last fragment, or the utterance is already long.
func (fb *FragmentBuffer) ShouldFlush() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.buf.Len() == 0 {
		return false
	}
	if fb.words >= fb.maxWords {
		return true
	}
	return fb.now().Sub(fb.lastAdd) >= fb.timeout
}

// Flush returns the accumulated text and clears the buffer.
func (fb *FragmentBuffer) Flush() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	out := fb.buf.String()
	fb.buf.Reset()
	fb.words = 0
	fb.lastAdd = time.Time{}
	return out
}

// IsEmpty reports whether the buffer holds no content.
func (fb *FragmentBuffer) IsEmpty() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.buf.Len() == 0
}

// WordCount returns the buffered word count.
func (fb *FragmentBuffer) WordCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.words
}
