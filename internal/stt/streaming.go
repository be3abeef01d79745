package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// speechWSEndpoint is the region-addressed streaming recognition endpoint.
const speechWSEndpoint = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"

// StreamingTranscriber is a websocket adapter for the speech gateway. It
// holds at most one live session; a second StartStreaming while one is
// active fails with ErrSessionActive rather than contending for the
// microphone.
type StreamingTranscriber struct {
	config *Config
	logger zerolog.Logger

	// endpoint overrides the default gateway URL; used by tests.
	endpoint string

	mu          sync.Mutex
	key         string
	region      string
	locale      string
	initialized bool
	disposed    bool

	conn      *websocket.Conn
	streaming bool
	sessionID uint64          // bumped per session; stale readers check it
	streamCtx context.Context // ctx of the live session, for locale restarts

	callbacks Callbacks
}

// NewStreamingTranscriber creates an uninitialized transcriber.
func NewStreamingTranscriber(config *Config, logger zerolog.Logger) *StreamingTranscriber {
	if config == nil {
		config = DefaultConfig()
	}
	return &StreamingTranscriber{
		config: config,
		logger: logger.With().Str("component", "stt").Logger(),
	}
}

// Initialize configures credentials and locale.
func (t *StreamingTranscriber) Initialize(key, region, locale string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return ErrDisposed
	}
	if key == "" || region == "" {
		return fmt.Errorf("initialize transcriber: key and region required")
	}
	if locale == "" {
		locale = t.config.Locale
	}

	t.key = key
	t.region = region
	t.locale = locale
	t.initialized = true
	t.logger.Info().Str("region", region).Str("locale", locale).Msg("transcriber initialized")
	return nil
}

// SetCallbacks installs event callbacks.
func (t *StreamingTranscriber) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// SetPhraseList replaces the domain phrase bias list. Takes effect on the
// next session.
func (t *StreamingTranscriber) SetPhraseList(phrases []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.PhraseList = phrases
}

// IsStreaming reports whether a session is active.
func (t *StreamingTranscriber) IsStreaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaming
}

// sessionConfig is the first message of every session; it carries the
// recognition options and the biased phrase list.
type sessionConfig struct {
	Locale             string   `json:"locale"`
	Format             string   `json:"format"`
	SampleRate         int      `json:"sampleRate"`
	Channels           int      `json:"channels"`
	InitialSilenceMs   int64    `json:"initialSilenceTimeoutMs"`
	EndSilenceMs       int64    `json:"endSilenceTimeoutMs"`
	ProfanityOption    string   `json:"profanity"`
	RemoveDisfluencies bool     `json:"removeDisfluencies"`
	Punctuation        bool     `json:"punctuation"`
	PhraseList         []string `json:"phraseList,omitempty"`
}

// gatewayMessage is a single JSON event from the gateway.
type gatewayMessage struct {
	Path              string `json:"path"` // speech.hypothesis | speech.phrase | speech.endDetected | error
	RecognitionStatus string `json:"RecognitionStatus,omitempty"`
	DisplayText       string `json:"DisplayText,omitempty"`
	Text              string `json:"Text,omitempty"` // hypothesis text
	Message           string `json:"message,omitempty"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Display    string  `json:"Display"`
	} `json:"NBest,omitempty"`
}

// StartStreaming opens a continuous recognition session.
func (t *StreamingTranscriber) StartStreaming(ctx context.Context) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if !t.initialized {
		t.mu.Unlock()
		return ErrNotInitialized
	}
	if t.streaming {
		t.mu.Unlock()
		return ErrSessionActive
	}

	base := t.endpoint
	if base == "" {
		base = fmt.Sprintf(speechWSEndpoint, t.region)
	}
	url := base + "?language=" + t.locale + "&format=detailed"
	header := http.Header{}
	header.Set("Ocp-Apim-Subscription-Key", t.key)

	dialer := websocket.Dialer{HandshakeTimeout: t.config.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			t.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("speech gateway dial failed")
		}
		t.mu.Unlock()
		return fmt.Errorf("dial speech gateway: %w", err)
	}

	cfg := sessionConfig{
		Locale:             t.locale,
		Format:             "detailed",
		SampleRate:         t.config.SampleRate,
		Channels:           t.config.Channels,
		InitialSilenceMs:   t.config.InitialSilenceTimeout.Milliseconds(),
		EndSilenceMs:       t.config.EndSilenceTimeout.Milliseconds(),
		ProfanityOption:    "masked",
		RemoveDisfluencies: t.config.RemoveDisfluencies,
		Punctuation:        t.config.Punctuate,
		PhraseList:         t.config.BiasedPhrases(),
	}
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		t.mu.Unlock()
		return fmt.Errorf("send session config: %w", err)
	}

	t.conn = conn
	t.streaming = true
	t.sessionID++
	t.streamCtx = ctx
	session := t.sessionID
	locale := t.locale
	cb := t.callbacks
	t.mu.Unlock()

	t.logger.Info().Str("locale", locale).Msg("streaming session started")
	if cb.OnSessionStarted != nil {
		cb.OnSessionStarted()
	}

	go t.readLoop(conn, session, cb)
	return nil
}

// readLoop delivers gateway events until the session ends. The session check
// happens at callback time so events from a torn-down session are dropped.
func (t *StreamingTranscriber) readLoop(conn *websocket.Conn, session uint64, cb Callbacks) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := t.sessionID != session || !t.streaming
			if !stale {
				t.streaming = false
				t.conn = nil
			}
			t.mu.Unlock()

			if stale {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug().Msg("session closed normally")
			} else {
				t.logger.Warn().Err(err).Msg("session read error")
				if cb.OnError != nil {
					cb.OnError(fmt.Errorf("session read: %w", err))
				}
			}
			if cb.OnSessionStopped != nil {
				cb.OnSessionStopped()
			}
			return
		}

		if t.isStale(session) {
			return
		}

		var msg gatewayMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			t.logger.Warn().Err(err).Str("message", string(message)).Msg("unparseable gateway message")
			continue
		}

		t.dispatch(&msg, cb)
	}
}

func (t *StreamingTranscriber) isStale(session uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID != session || t.disposed
}

func (t *StreamingTranscriber) dispatch(msg *gatewayMessage, cb Callbacks) {
	switch msg.Path {
	case "speech.hypothesis":
		if msg.Text != "" && cb.OnInterim != nil {
			cb.OnInterim(msg.Text)
		}

	case "speech.phrase":
		res := t.resultFromPhrase(msg)
		if res == nil {
			return
		}
		t.logger.Debug().
			Str("text", res.Text).
			Float64("confidence", res.Confidence).
			Bool("low_confidence", res.LowConfidence).
			Msg("final transcript")
		if cb.OnFinal != nil {
			cb.OnFinal(res.Text, res.Confidence)
		}

	case "speech.endDetected":
		t.logger.Debug().Msg("end of speech detected")

	case "error":
		t.logger.Error().Str("message", msg.Message).Msg("gateway error")
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("speech gateway: %s", msg.Message))
		}
	}
}

// resultFromPhrase extracts text and confidence from a final phrase message.
// NoMatch (silence, noise) yields nil; it is not an error.
func (t *StreamingTranscriber) resultFromPhrase(msg *gatewayMessage) *Result {
	if msg.RecognitionStatus != "Success" {
		return nil
	}

	text := msg.DisplayText
	confidence := 0.0
	if len(msg.NBest) > 0 {
		confidence = msg.NBest[0].Confidence
		if text == "" {
			text = msg.NBest[0].Display
		}
	}
	if text == "" {
		return nil
	}

	t.mu.Lock()
	locale := t.locale
	t.mu.Unlock()

	return &Result{
		Text:          text,
		Confidence:    confidence,
		IsFinal:       true,
		Locale:        locale,
		LowConfidence: confidence > 0 && confidence < t.config.LowConfidenceCutoff,
	}
}

// SendAudio feeds PCM audio into the active session.
func (t *StreamingTranscriber) SendAudio(audio []byte) error {
	t.mu.Lock()
	conn := t.conn
	streaming := t.streaming
	t.mu.Unlock()

	if !streaming || conn == nil {
		return ErrNotStreaming
	}
	return conn.WriteMessage(websocket.BinaryMessage, audio)
}

// StopStreaming tears the session down.
func (t *StreamingTranscriber) StopStreaming() error {
	t.mu.Lock()
	if !t.streaming || t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.conn = nil
	t.streaming = false
	t.sessionID++ // invalidate the reader
	cb := t.callbacks
	t.mu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"path":"endStream"}`))
	err := conn.Close()

	t.logger.Info().Msg("streaming session stopped")
	if cb.OnSessionStopped != nil {
		cb.OnSessionStopped()
	}
	return err
}

// SetLanguage switches the recognition locale. An active session is torn
// down and recreated under its original context so streaming resumes in the
// new locale.
func (t *StreamingTranscriber) SetLanguage(locale string) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	wasStreaming := t.streaming
	ctx := t.streamCtx
	t.locale = locale
	t.mu.Unlock()

	if !wasStreaming {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.StopStreaming(); err != nil {
		return fmt.Errorf("stop session for locale switch: %w", err)
	}
	return t.StartStreaming(ctx)
}

// RecognizeOnce transcribes a single utterance: a short-lived session that
// resolves on the first final transcript.
func (t *StreamingTranscriber) RecognizeOnce(ctx context.Context, audio []byte) (*Result, error) {
	t.mu.Lock()
	saved := t.callbacks
	locale := t.locale
	t.mu.Unlock()
	defer t.SetCallbacks(saved)

	finalCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	t.SetCallbacks(Callbacks{
		OnFinal: func(text string, confidence float64) {
			select {
			case finalCh <- &Result{Text: text, Confidence: confidence, IsFinal: true, Locale: locale}:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	})

	if err := t.StartStreaming(ctx); err != nil {
		return nil, err
	}
	defer t.StopStreaming()

	if err := t.SendAudio(audio); err != nil {
		return nil, err
	}

	timeout := t.config.InitialSilenceTimeout + 10*time.Second
	select {
	case res := <-finalCh:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destroy releases the transcriber permanently.
func (t *StreamingTranscriber) Destroy() {
	_ = t.StopStreaming()
	t.mu.Lock()
	t.disposed = true
	t.mu.Unlock()
	t.logger.Debug().Msg("transcriber destroyed")
}
