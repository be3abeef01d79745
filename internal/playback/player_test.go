package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeStream records device interactions for assertions.
type fakeStream struct {
	mu      sync.Mutex
	volumes []float64
	paused  bool
	rewound bool
	done    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes = append(s.volumes, v)
}

func (s *fakeStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *fakeStream) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewound = true
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) finish() { close(s.done) }

func (s *fakeStream) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

type fakeDevice struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDevice) Begin(audio []byte) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func testController(t *testing.T) (*Controller, *fakeDevice) {
	t.Helper()
	cfg := &Config{
		FadeDuration: 100 * time.Millisecond,
		FadeStep:     10 * time.Millisecond,
	}
	dev := &fakeDevice{}
	return NewController(cfg, dev, zerolog.Nop()), dev
}

func TestController_PlayStartsAtFullVolume(t *testing.T) {
	c, _ := testController(t)

	h, err := c.Play([]byte("audio"), "greeting")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if h.Status() != StatusPlaying {
		t.Errorf("expected playing status, got %s", h.Status())
	}
	if h.Volume() != 1.0 {
		t.Errorf("expected volume 1.0, got %f", h.Volume())
	}
	if c.Current() != h {
		t.Error("expected handle to be current")
	}
}

func TestController_SecondPlayStopsFirst(t *testing.T) {
	c, dev := testController(t)

	h1, _ := c.Play([]byte("one"), "a")
	h2, _ := c.Play([]byte("two"), "b")

	if h1.Status() != StatusStopped {
		t.Errorf("expected first handle stopped, got %s", h1.Status())
	}
	if !dev.streams[0].isPaused() {
		t.Error("expected first stream paused")
	}
	if c.Current() != h2 {
		t.Error("expected second handle to be current")
	}
}

func TestController_HardStop(t *testing.T) {
	c, dev := testController(t)

	h, _ := c.Play([]byte("audio"), "reply")
	c.Stop(h)

	if h.Status() != StatusStopped {
		t.Errorf("expected stopped, got %s", h.Status())
	}
	if h.Volume() != 1.0 {
		t.Errorf("expected volume reset to 1.0, got %f", h.Volume())
	}
	s := dev.last()
	if !s.isPaused() || !s.rewound {
		t.Error("expected stream paused and rewound")
	}
	if c.Current() != nil {
		t.Error("expected no current handle after stop")
	}
}

func TestController_FadeOutReachesZeroWithinDuration(t *testing.T) {
	c, dev := testController(t)

	h, _ := c.Play([]byte("audio"), "reply")
	if err := c.FadeOut(h, 100*time.Millisecond); err != nil {
		t.Fatalf("FadeOut: %v", err)
	}
	if h.Status() != StatusFading {
		t.Errorf("expected fading status, got %s", h.Status())
	}

	deadline := time.After(500 * time.Millisecond)
	for h.Status() != StatusStopped {
		select {
		case <-deadline:
			t.Fatal("fade did not complete in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s := dev.last()
	if !s.isPaused() || !s.rewound {
		t.Error("expected stream paused and rewound after fade")
	}
	if h.Volume() != 1.0 {
		t.Errorf("expected volume reset after fade, got %f", h.Volume())
	}

	// The device saw the volume hit zero before the reset.
	s.mu.Lock()
	sawZero := false
	for _, v := range s.volumes {
		if v == 0 {
			sawZero = true
		}
	}
	s.mu.Unlock()
	if !sawZero {
		t.Error("expected device volume to reach zero during fade")
	}
}

func TestController_StopCancelsPendingFade(t *testing.T) {
	c, _ := testController(t)

	h, _ := c.Play([]byte("audio"), "reply")
	_ = c.FadeOut(h, time.Second)
	c.Stop(h)

	if h.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %s", h.Status())
	}

	// The superseded fade goroutine must not flip the handle back.
	time.Sleep(50 * time.Millisecond)
	if h.Status() != StatusStopped {
		t.Errorf("stale fade changed status to %s", h.Status())
	}
	if h.Volume() != 1.0 {
		t.Errorf("stale fade changed volume to %f", h.Volume())
	}
}

func TestController_CompletionCallbackSuppressedAfterStop(t *testing.T) {
	c, dev := testController(t)

	var mu sync.Mutex
	completed := 0
	c.OnComplete(func(h *Handle) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	h, _ := c.Play([]byte("audio"), "reply")
	c.Stop(h)
	dev.last().finish() // stream reports completion after the stop

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if completed != 0 {
		t.Errorf("expected stale completion to be suppressed, fired %d times", completed)
	}
}

func TestController_CompletionCallbackFiresNaturally(t *testing.T) {
	c, dev := testController(t)

	done := make(chan *Handle, 1)
	c.OnComplete(func(h *Handle) { done <- h })

	h, _ := c.Play([]byte("audio"), "reply")
	dev.last().finish()

	select {
	case got := <-done:
		if got != h {
			t.Error("completion fired with wrong handle")
		}
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}
	if c.Current() != nil {
		t.Error("expected current handle cleared after completion")
	}
}

func TestController_FadeStoppedHandleErrors(t *testing.T) {
	c, _ := testController(t)

	h, _ := c.Play([]byte("audio"), "reply")
	c.Stop(h)

	if err := c.FadeOut(h, 0); err == nil {
		t.Error("expected error fading a stopped handle")
	}
	if err := c.FadeOut(nil, 0); err == nil {
		t.Error("expected error fading a nil handle")
	}
}
