package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfairbank/voicepal/internal/playback"
	"github.com/mfairbank/voicepal/internal/respond"
	"github.com/mfairbank/voicepal/internal/tts"
	"github.com/mfairbank/voicepal/internal/wake"
)

type fakeAttention struct {
	mu      sync.Mutex
	cb      wake.DetectorCallbacks
	started chan struct{}
	stops   int
	aborts  int
}

func newFakeAttention() *fakeAttention {
	return &fakeAttention{started: make(chan struct{})}
}

func (f *fakeAttention) SetCallbacks(cb wake.DetectorCallbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeAttention) Start(ctx context.Context) error {
	close(f.started)
	return nil
}

func (f *fakeAttention) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeAttention) AbortCapture() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeAttention) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func (f *fakeAttention) emitWake(m wake.Match) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb.OnWake != nil {
		cb.OnWake(m)
	}
}

func (f *fakeAttention) emitFinal(text string) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb.OnUserFinal != nil {
		cb.OnUserFinal(text)
	}
}

func (f *fakeAttention) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeResponder struct {
	mu        sync.Mutex
	answer    string
	err       error
	questions []string
	histories [][]respond.Turn
}

func (f *fakeResponder) Ask(ctx context.Context, question string, history []respond.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, question)
	f.histories = append(f.histories, history)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeResponder) askCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.questions)
}

type fakeSynth struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, req *tts.Request) (*tts.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, req.Text)
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Audio{Data: []byte(req.Text), Format: "wav"}, nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakePlayer struct {
	mu         sync.Mutex
	err        error
	played     []string
	onComplete func(h *playback.Handle)
	last       *playback.Handle
}

func (f *fakePlayer) Play(audio []byte, source string) (*playback.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.played = append(f.played, source)
	f.last = &playback.Handle{Source: source}
	return f.last, nil
}

func (f *fakePlayer) OnComplete(fn func(h *playback.Handle)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onComplete = fn
}

func (f *fakePlayer) StopCurrent() {}

func (f *fakePlayer) finish() {
	f.mu.Lock()
	fn := f.onComplete
	h := f.last
	f.mu.Unlock()
	if fn != nil && h != nil {
		fn(h)
	}
}

func (f *fakePlayer) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type fakeCoordinator struct {
	mu          sync.Mutex
	speechEnded int
	aiSpeaking  int
	idles       int
	hardStops   int
}

func (f *fakeCoordinator) SpeechEnded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speechEnded++
}

func (f *fakeCoordinator) SetAISpeaking(h *playback.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiSpeaking++
}

func (f *fakeCoordinator) SetIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idles++
}

func (f *fakeCoordinator) HardStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardStops++
}

type loopHarness struct {
	loop      *Loop
	session   *Session
	history   *History
	attention *fakeAttention
	responder *fakeResponder
	synth     *fakeSynth
	player    *fakePlayer
	coord     *fakeCoordinator
	echo      *wake.EchoSuppressor
	runErr    chan error
}

func newLoopHarness(t *testing.T, config *LoopConfig) *loopHarness {
	t.Helper()

	if config == nil {
		config = DefaultLoopConfig()
		config.TurnPause = 0 // keep multi-turn tests fast
	}

	h := &loopHarness{
		session:   NewSession(),
		history:   NewHistory(HistoryConfig{}),
		attention: newFakeAttention(),
		responder: &fakeResponder{answer: "Here is your answer."},
		synth:     &fakeSynth{},
		player:    &fakePlayer{},
		coord:     &fakeCoordinator{},
		echo:      wake.NewEchoSuppressor(),
		runErr:    make(chan error, 1),
	}
	h.loop = NewLoop(h.session, h.history, h.attention, h.responder, h.synth,
		h.player, h.coord, h.echo, nil, config, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.runErr <- h.loop.Run(ctx) }()

	select {
	case <-h.attention.started:
	case <-time.After(time.Second):
		t.Fatal("loop never started listening")
	}
	t.Cleanup(h.loop.End)
	return h
}

func (h *loopHarness) waitEnded(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(time.Second):
		t.Fatal("loop never ended")
		return nil
	}
}

func TestLoop_FullTurn(t *testing.T) {
	h := newLoopHarness(t, nil)

	h.attention.emitWake(wake.Match{Phrase: "heypal", Kind: wake.MatchBigram})
	h.attention.emitFinal("what is rain")

	if got := h.responder.askCount(); got != 1 {
		t.Fatalf("responder calls = %d, want 1", got)
	}
	if got := h.synth.spoken(); len(got) != 1 || got[0] != "Here is your answer." {
		t.Errorf("spoken = %v", got)
	}
	if h.player.playCount() != 1 {
		t.Errorf("play count = %d", h.player.playCount())
	}
	if h.coord.aiSpeaking != 1 {
		t.Errorf("SetAISpeaking calls = %d", h.coord.aiSpeaking)
	}
	if !h.echo.IsEcho("here is your answer") {
		t.Error("spoken answer should be recorded for echo suppression")
	}

	stats := h.loop.Stats()
	if stats.TurnCount != 1 || stats.WakeDetections != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if turns := h.history.Recent(); len(turns) != 1 || turns[0].User != "what is rain" {
		t.Errorf("history = %v", turns)
	}

	h.player.finish()
	h.coord.mu.Lock()
	idles := h.coord.idles
	h.coord.mu.Unlock()
	if idles != 1 {
		t.Errorf("SetIdle calls after completion = %d", idles)
	}
}

func TestLoop_EmptyUtteranceSkipped(t *testing.T) {
	h := newLoopHarness(t, nil)

	h.attention.emitFinal("   ")

	if got := h.responder.askCount(); got != 0 {
		t.Errorf("responder calls = %d, want none for empty input", got)
	}
	if h.loop.Stats().TurnCount != 0 {
		t.Errorf("turn count = %d", h.loop.Stats().TurnCount)
	}
}

func TestLoop_EndPhraseTerminates(t *testing.T) {
	h := newLoopHarness(t, nil)

	h.attention.emitFinal("what is rain")
	h.attention.emitFinal("Goodbye!")

	if err := h.waitEnded(t); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if h.session.State() != SessionEnded {
		t.Errorf("state = %v", h.session.State())
	}
	if h.attention.stopCount() == 0 {
		t.Error("listening should stop on end")
	}
	h.coord.mu.Lock()
	hardStops := h.coord.hardStops
	h.coord.mu.Unlock()
	if hardStops == 0 {
		t.Error("playback should hard-stop on end")
	}

	spoken := h.synth.spoken()
	if len(spoken) == 0 || spoken[len(spoken)-1] != "Okay, goodbye!" {
		t.Errorf("spoken = %v, want a farewell last", spoken)
	}

	// Late transcripts after the end sequence are dropped.
	before := h.responder.askCount()
	h.attention.emitFinal("are you still there")
	if got := h.responder.askCount(); got != before {
		t.Errorf("responder called after end: %d -> %d", before, got)
	}
}

func TestLoop_EndPhraseWithinUtteranceTerminates(t *testing.T) {
	h := newLoopHarness(t, nil)

	// A word that merely contains an end phrase must not end the session.
	h.attention.emitFinal("start a stopwatch")
	if h.session.State() == SessionEnded {
		t.Fatal("\"stopwatch\" must not end the session")
	}

	h.attention.emitFinal("okay bye")

	if err := h.waitEnded(t); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if h.session.State() != SessionEnded {
		t.Errorf("state = %v, an utterance containing an end phrase ends the session", h.session.State())
	}
	spoken := h.synth.spoken()
	if len(spoken) == 0 || spoken[len(spoken)-1] != "Okay, goodbye!" {
		t.Errorf("spoken = %v, want a farewell last", spoken)
	}
}

func TestLoop_TurnCooldownDelaysNextUtterance(t *testing.T) {
	cfg := DefaultLoopConfig()
	cfg.TurnPause = 50 * time.Millisecond
	h := newLoopHarness(t, cfg)

	start := time.Now()
	h.attention.emitFinal("what is rain")
	if elapsed := time.Since(start); elapsed < cfg.TurnPause {
		t.Errorf("turn returned after %v, want at least the %v cooldown", elapsed, cfg.TurnPause)
	}
	if h.loop.Stats().TurnCount != 1 {
		t.Errorf("turn count = %d", h.loop.Stats().TurnCount)
	}
}

func TestLoop_PauseDropsCaptureAndCancelsTimer(t *testing.T) {
	h := newLoopHarness(t, nil)

	h.loop.Pause()

	if got := h.attention.abortCount(); got != 1 {
		t.Errorf("abort count = %d, pausing drops an in-progress capture", got)
	}
	h.loop.mu.Lock()
	timer := h.loop.inactivity
	h.loop.mu.Unlock()
	if timer != nil {
		t.Error("inactivity timer should be cancelled while paused")
	}

	h.loop.Resume()
	h.loop.mu.Lock()
	timer = h.loop.inactivity
	h.loop.mu.Unlock()
	if timer == nil {
		t.Error("inactivity timer should rearm on resume")
	}
}

func TestLoop_ResponderFailureSpeaksContinuation(t *testing.T) {
	h := newLoopHarness(t, nil)
	h.responder.mu.Lock()
	h.responder.err = errors.New("model overloaded")
	h.responder.mu.Unlock()

	h.attention.emitFinal("what is rain")

	spoken := h.synth.spoken()
	if len(spoken) != 1 || spoken[0] != DefaultLoopConfig().ContinuationLine {
		t.Errorf("spoken = %v, want the continuation line", spoken)
	}
	if h.history.Len() != 0 {
		t.Error("failed turns should not enter history")
	}
	if h.loop.Stats().TurnCount != 1 {
		t.Errorf("turn count = %d, the conversation continues", h.loop.Stats().TurnCount)
	}
	if h.session.State() != SessionActive {
		t.Errorf("state = %v, responder failure must not end the session", h.session.State())
	}
}

func TestLoop_SynthesisFailureContinues(t *testing.T) {
	h := newLoopHarness(t, nil)
	h.synth.mu.Lock()
	h.synth.err = errors.New("all providers down")
	h.synth.mu.Unlock()

	h.attention.emitFinal("what is rain")

	if h.player.playCount() != 0 {
		t.Error("nothing should play when synthesis fails")
	}
	if h.session.State() != SessionActive {
		t.Errorf("state = %v", h.session.State())
	}

	// The next turn works once synthesis recovers.
	h.synth.mu.Lock()
	h.synth.err = nil
	h.synth.mu.Unlock()
	h.attention.emitFinal("what is snow")
	if h.player.playCount() != 1 {
		t.Errorf("play count = %d after recovery", h.player.playCount())
	}
}

func TestLoop_PausedIgnoresUtterancesUntilWake(t *testing.T) {
	h := newLoopHarness(t, nil)

	h.loop.Pause()
	h.attention.emitFinal("what is rain")
	if got := h.responder.askCount(); got != 0 {
		t.Errorf("responder calls while paused = %d", got)
	}

	h.attention.emitWake(wake.Match{Phrase: "heypal", Kind: wake.MatchExact})
	if h.session.IsPaused() {
		t.Fatal("wake should resume a paused session")
	}

	h.attention.emitFinal("what is rain")
	if got := h.responder.askCount(); got != 1 {
		t.Errorf("responder calls after resume = %d", got)
	}
}

func TestLoop_InactivityAutoPauses(t *testing.T) {
	cfg := DefaultLoopConfig()
	cfg.InactivityTimeout = 30 * time.Millisecond
	h := newLoopHarness(t, cfg)

	deadline := time.Now().Add(time.Second)
	for !h.session.IsPaused() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.session.IsPaused() {
		t.Fatal("session never auto-paused")
	}
	if h.session.State() == SessionEnded {
		t.Fatal("inactivity pauses, never ends")
	}
}

func TestLoop_ContextCancellationEnds(t *testing.T) {
	h := &loopHarness{
		session:   NewSession(),
		history:   NewHistory(HistoryConfig{}),
		attention: newFakeAttention(),
		responder: &fakeResponder{answer: "ok"},
		synth:     &fakeSynth{},
		player:    &fakePlayer{},
		coord:     &fakeCoordinator{},
		runErr:    make(chan error, 1),
	}
	h.loop = NewLoop(h.session, h.history, h.attention, h.responder, h.synth,
		h.player, h.coord, nil, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.loop.Run(ctx) }()
	<-h.attention.started

	cancel()
	err := <-h.runErr
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if h.session.State() != SessionEnded {
		t.Errorf("state = %v", h.session.State())
	}
}

func TestLoop_ResponderReceivesBoundedHistory(t *testing.T) {
	h := newLoopHarness(t, nil)

	for i := 0; i < 7; i++ {
		h.attention.emitFinal("tell me more")
	}

	h.responder.mu.Lock()
	defer h.responder.mu.Unlock()
	last := h.responder.histories[len(h.responder.histories)-1]
	if len(last) != 5 {
		t.Errorf("history sent = %d turns, want the 5-turn window", len(last))
	}
}
