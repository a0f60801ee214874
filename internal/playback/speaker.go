package playback

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FFplaySpeaker writes 16-bit little-endian PCM to an ffplay process
type FFplaySpeaker struct {
	Path       string
	SampleRate int
	Channels   int
	LogLevel   string
	Logger     zerolog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFplaySpeaker creates a speaker for mono PCM at the given rate
func NewFFplaySpeaker(path string, sampleRate int, logger zerolog.Logger) *FFplaySpeaker {
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	return &FFplaySpeaker{
		Path:       path,
		SampleRate: sampleRate,
		Channels:   1,
		LogLevel:   "error",
		Logger:     logger,
	}
}

// Start launches ffplay if it is not already running
func (s *FFplaySpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *FFplaySpeaker) startLocked() error {
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}
	cmd := exec.Command(s.Path, s.args()...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can otherwise pick a dummy backend with no sound
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("failed to start ffplay: %w", err)
	}
	s.Logger.Debug().Int("pid", cmd.Process.Pid).Str("path", s.Path).Msg("ffplay started")

	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *FFplaySpeaker) args() []string {
	layout := "mono"
	if s.Channels == 2 {
		layout = "stereo"
	}
	return []string{
		"-hide_banner",
		"-loglevel", s.LogLevel,
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", fmt.Sprintf("%d", s.SampleRate),
		"-i", "-",
	}
}

// Write sends PCM to ffplay, restarting it if it exited
func (s *FFplaySpeaker) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	stdin := s.stdin
	s.mu.Unlock()
	return stdin.Write(p)
}

// Close stops ffplay
func (s *FFplaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
	return nil
}
