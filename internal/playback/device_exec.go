package playback

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// ExecDevice plays audio by shelling out to the platform player (afplay on
// macOS, aplay elsewhere). Volume control on a child process is best effort;
// Pause kills the process, which is what fade-out and hard stop need.
type ExecDevice struct {
	player string
	logger zerolog.Logger
}

// NewExecDevice locates the platform audio player. Returns ErrNoDevice if
// none is installed.
func NewExecDevice(logger zerolog.Logger) (*ExecDevice, error) {
	player := "aplay"
	if runtime.GOOS == "darwin" {
		player = "afplay"
	}
	if _, err := exec.LookPath(player); err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrNoDevice, player)
	}
	return &ExecDevice{
		player: player,
		logger: logger.With().Str("component", "playback-exec").Logger(),
	}, nil
}

// Begin writes the audio to a temp file and starts the player process.
func (d *ExecDevice) Begin(audio []byte) (Stream, error) {
	tmp, err := os.CreateTemp("", "voicepal-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp audio file: %w", err)
	}
	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write temp audio file: %w", err)
	}
	tmp.Close()

	cmd := exec.Command(d.player, tmp.Name())
	if err := cmd.Start(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("start %s: %w", d.player, err)
	}

	s := &execStream{
		cmd:    cmd,
		path:   tmp.Name(),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go s.wait()
	return s, nil
}

type execStream struct {
	cmd    *exec.Cmd
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	paused bool
	done   chan struct{}
	closed bool
}

func (s *execStream) wait() {
	err := s.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && !s.paused {
		s.logger.Warn().Err(err).Msg("player exited with error")
	}
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	os.Remove(s.path)
}

// SetVolume is best effort; child-process players expose no volume control,
// so the logical volume lives on the Handle.
func (s *execStream) SetVolume(v float64) {}

// Pause kills the player process. There is no resume for a one-shot child
// process, which matches how fade-out and hard stop use Pause.
func (s *execStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Rewind is a no-op for a one-shot process player.
func (s *execStream) Rewind() {}

// Done closes when the player process exits.
func (s *execStream) Done() <-chan struct{} {
	return s.done
}
