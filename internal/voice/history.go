package voice

import (
	"sync"
	"time"

	"github.com/mfairbank/voicepal/internal/respond"
)

// Exchange is one completed user/assistant turn.
type Exchange struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// HistoryConfig configures the bounded conversation history.
type HistoryConfig struct {
	// MaxExchanges is the retention cap (default 20).
	MaxExchanges int
	// ContextWindow is how many recent exchanges go to the responder
	// (default 5).
	ContextWindow int
	// InactivityTimeout expires the history after this much silence
	// (default 5 minutes).
	InactivityTimeout time.Duration
}

// DefaultHistoryConfig returns the production defaults.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxExchanges:      20,
		ContextWindow:     5,
		InactivityTimeout: 5 * time.Minute,
	}
}

// History is a bounded exchange window with inactivity expiry. Expired
// history reads as empty so a stale topic never leaks into a new
// conversation.
type History struct {
	mu           sync.RWMutex
	exchanges    []Exchange
	lastActivity time.Time
	config       HistoryConfig
	now          func() time.Time
}

// NewHistory creates a History. Zero config fields take defaults.
func NewHistory(config HistoryConfig) *History {
	def := DefaultHistoryConfig()
	if config.MaxExchanges <= 0 {
		config.MaxExchanges = def.MaxExchanges
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = def.ContextWindow
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = def.InactivityTimeout
	}
	return &History{
		exchanges:    make([]Exchange, 0, config.MaxExchanges),
		lastActivity: time.Now(),
		config:       config,
		now:          time.Now,
	}
}

// Add records a completed exchange, expiring stale history first and
// trimming to the retention cap.
func (h *History) Add(user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.expiredLocked() {
		h.exchanges = h.exchanges[:0]
	}

	h.exchanges = append(h.exchanges, Exchange{
		User:      user,
		Assistant: assistant,
		At:        h.now(),
	})
	h.lastActivity = h.now()

	if len(h.exchanges) > h.config.MaxExchanges {
		h.exchanges = h.exchanges[len(h.exchanges)-h.config.MaxExchanges:]
	}
}

// Recent returns the last ContextWindow exchanges as responder turns, oldest
// first. Expired or empty history returns nil.
func (h *History) Recent() []respond.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.expiredLocked() || len(h.exchanges) == 0 {
		return nil
	}

	start := len(h.exchanges) - h.config.ContextWindow
	if start < 0 {
		start = 0
	}

	turns := make([]respond.Turn, 0, len(h.exchanges)-start)
	for _, ex := range h.exchanges[start:] {
		turns = append(turns, respond.Turn{User: ex.User, Assistant: ex.Assistant})
	}
	return turns
}

// Len returns the stored exchange count, ignoring expiry.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.exchanges)
}

// Clear removes all history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = h.exchanges[:0]
}

// IsExpired reports whether the history has gone stale.
func (h *History) IsExpired() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.expiredLocked()
}

func (h *History) expiredLocked() bool {
	if len(h.exchanges) == 0 {
		return false
	}
	return h.now().Sub(h.lastActivity) > h.config.InactivityTimeout
}
