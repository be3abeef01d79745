package vad

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptClassifier returns a scripted probability per frame, ignoring audio.
type scriptClassifier struct {
	probs []float64
	i     int
}

func (s *scriptClassifier) Probability(frame []byte) float64 {
	if s.i >= len(s.probs) {
		return 0
	}
	p := s.probs[s.i]
	s.i++
	return p
}

func (s *scriptClassifier) Reset() { s.i = 0 }

type recorder struct {
	starts   int
	ends     int
	misfires int
	audio    []byte
	duration time.Duration
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSpeechStart: func() { r.starts++ },
		OnSpeechEnd: func(audio []byte, d time.Duration) {
			r.ends++
			r.audio = audio
			r.duration = d
		},
		OnMisfire: func() { r.misfires++ },
	}
}

func repeat(p float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func newDetector(t *testing.T, cfg *Config, probs []float64, rec *recorder) *Detector {
	t.Helper()
	d := New(cfg, &scriptClassifier{probs: probs}, rec.callbacks(), zerolog.Nop())
	d.Start()
	return d
}

func feed(d *Detector, n int) {
	frame := make([]byte, 960) // 30ms at 16kHz mono 16-bit
	for i := 0; i < n; i++ {
		d.Process(frame)
	}
}

func TestDetector_ShortClickProducesNoCallbacks(t *testing.T) {
	rec := &recorder{}

	// 120ms click: 4 positive frames, then silence.
	probs := append(repeat(0.95, 4), repeat(0.05, 20)...)
	d := newDetector(t, nil, probs, rec)
	feed(d, len(probs))

	if rec.starts != 0 || rec.ends != 0 || rec.misfires != 0 {
		t.Errorf("expected no callbacks for 120ms click, got starts=%d ends=%d misfires=%d",
			rec.starts, rec.ends, rec.misfires)
	}
}

func TestDetector_SustainedSpeechAccepted(t *testing.T) {
	rec := &recorder{}

	// 450ms utterance: 15 positive frames, then silence past redemption.
	probs := append(repeat(0.95, 15), repeat(0.05, 10)...)
	d := newDetector(t, nil, probs, rec)
	feed(d, len(probs))

	if rec.starts != 1 {
		t.Fatalf("expected 1 speech start, got %d", rec.starts)
	}
	if rec.ends != 1 {
		t.Fatalf("expected 1 speech end, got %d", rec.ends)
	}
	if rec.duration != 450*time.Millisecond {
		t.Errorf("expected 450ms duration, got %v", rec.duration)
	}
	if rec.misfires != 0 {
		t.Errorf("expected no misfires, got %d", rec.misfires)
	}
}

func TestDetector_MisfireBelowMinimumDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartFrames = 3 // confirm early so the duration filter does the work
	rec := &recorder{}

	// 4 positive frames (120ms of speech), then silence.
	probs := append(repeat(0.95, 4), repeat(0.05, 10)...)
	d := newDetector(t, cfg, probs, rec)
	feed(d, len(probs))

	if rec.misfires != 1 {
		t.Fatalf("expected 1 misfire, got %d", rec.misfires)
	}
	if rec.ends != 0 {
		t.Errorf("expected no speech end for sub-minimum segment, got %d", rec.ends)
	}
}

func TestDetector_RedemptionToleratesMicroPause(t *testing.T) {
	rec := &recorder{}

	// Speech with a 4-frame dip (under the 8-frame redemption window),
	// then more speech, then real silence.
	probs := repeat(0.95, 12)
	probs = append(probs, repeat(0.05, 4)...)
	probs = append(probs, repeat(0.95, 10)...)
	probs = append(probs, repeat(0.05, 10)...)
	d := newDetector(t, nil, probs, rec)
	feed(d, len(probs))

	if rec.starts != 1 {
		t.Errorf("expected the micro-pause not to split the segment, got %d starts", rec.starts)
	}
	if rec.ends != 1 {
		t.Errorf("expected exactly 1 segment, got %d ends", rec.ends)
	}
}

func TestDetector_DebounceSuppressesRapidRetrigger(t *testing.T) {
	rec := &recorder{}

	// First segment, then immediately another burst inside the 500ms
	// cooldown (~16 frames at 30ms).
	probs := repeat(0.95, 15)
	probs = append(probs, repeat(0.05, 8)...) // segment ends here
	probs = append(probs, repeat(0.95, 12)...) // inside cooldown
	probs = append(probs, repeat(0.05, 8)...)
	d := newDetector(t, nil, probs, rec)
	feed(d, len(probs))

	if rec.starts != 1 {
		t.Errorf("expected retrigger inside cooldown to be ignored, got %d starts", rec.starts)
	}

	// After the cooldown a new segment is accepted again.
	d2rec := &recorder{}
	probs2 := repeat(0.95, 15)
	probs2 = append(probs2, repeat(0.05, 25)...) // end + full cooldown
	probs2 = append(probs2, repeat(0.95, 15)...)
	probs2 = append(probs2, repeat(0.05, 10)...)
	d2 := newDetector(t, nil, probs2, d2rec)
	feed(d2, len(probs2))

	if d2rec.starts != 2 {
		t.Errorf("expected 2 starts once cooldown elapsed, got %d", d2rec.starts)
	}
}

func TestDetector_GuardVetoesStart(t *testing.T) {
	rec := &recorder{}

	probs := append(repeat(0.95, 15), repeat(0.05, 10)...)
	d := newDetector(t, nil, probs, rec)
	d.SetStartGuard(func() bool { return false })
	feed(d, len(probs))

	if rec.starts != 0 {
		t.Errorf("expected guard to veto the start, got %d starts", rec.starts)
	}

	// A vetoed start resets timers as if the segment had ended, so the
	// debounce cooldown applies to the next burst.
	if !d.inDebounceLocked() {
		t.Error("expected veto to arm the debounce cooldown")
	}
}

func TestDetector_PreRollIncludedInSegment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartFrames = 3
	cfg.PreRollFrames = 4
	rec := &recorder{}

	// One quiet marker frame, 15 speech frames, then silence. The start is
	// confirmed on the third speech frame, so the marker is still inside
	// the 4-frame pre-roll ring.
	probs := append([]float64{0.05}, append(repeat(0.95, 15), repeat(0.05, 10)...)...)
	d := New(cfg, &scriptClassifier{probs: probs}, rec.callbacks(), zerolog.Nop())
	d.Start()

	marker := bytes.Repeat([]byte{0xAB, 0xCD}, 480)
	d.Process(marker)
	frame := make([]byte, 960)
	for i := 0; i < 25; i++ {
		d.Process(frame)
	}

	if rec.ends != 1 {
		t.Fatalf("expected 1 segment, got %d", rec.ends)
	}
	if !bytes.HasPrefix(rec.audio, marker) {
		t.Error("expected segment audio to begin with pre-roll frames")
	}
}

func TestDetector_PauseDropsOpenSegment(t *testing.T) {
	rec := &recorder{}
	d := newDetector(t, nil, repeat(0.95, 40), rec)

	feed(d, 12) // segment open
	d.Pause()
	feed(d, 20) // ignored while paused

	if rec.ends != 0 || rec.misfires != 0 {
		t.Errorf("expected pause to drop the open segment silently, got ends=%d misfires=%d",
			rec.ends, rec.misfires)
	}
	if d.IsActive() {
		t.Error("expected no active segment after pause")
	}
}

func TestDetector_DestroyedIgnoresFrames(t *testing.T) {
	rec := &recorder{}
	d := newDetector(t, nil, repeat(0.95, 40), rec)
	d.Destroy()
	feed(d, 40)

	if rec.starts != 0 {
		t.Errorf("expected destroyed detector to ignore frames, got %d starts", rec.starts)
	}

	// Start after Destroy is a no-op.
	d.Start()
	feed(d, 40)
	if rec.starts != 0 {
		t.Errorf("expected destroyed detector to stay stopped, got %d starts", rec.starts)
	}
}

func TestEnergyClassifier_SilenceVsTone(t *testing.T) {
	c := NewEnergyClassifier(nil)

	quiet := make([]byte, 960)
	loud := make([]byte, 960)
	for i := 0; i+1 < len(loud); i += 2 {
		loud[i] = 0x00
		loud[i+1] = 0x40 // ~0.5 amplitude
	}

	var pQuiet float64
	for i := 0; i < 10; i++ {
		pQuiet = c.Probability(quiet)
	}

	var pLoud float64
	for i := 0; i < 10; i++ {
		pLoud = c.Probability(loud)
	}

	if pLoud <= pQuiet {
		t.Errorf("expected loud frames to score higher: quiet=%f loud=%f", pQuiet, pLoud)
	}
	if pLoud < 0.85 {
		t.Errorf("expected sustained loud tone to exceed the positive threshold, got %f", pLoud)
	}
}
