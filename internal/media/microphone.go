package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPermissionDenied means the OS refused access to the capture device
	ErrPermissionDenied = errors.New("media: microphone permission denied")
	// ErrDeviceUnavailable means the capture device could not be opened
	ErrDeviceUnavailable = errors.New("media: microphone unavailable")
)

// Microphone acquires live capture streams
type Microphone interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// FFmpegMicrophone captures the system microphone through an ffmpeg child process
type FFmpegMicrophone struct {
	Path           string // ffmpeg executable
	InputFormat    string // -f value: pulse, alsa, avfoundation, dshow
	Device         string // -i value
	StartupTimeout time.Duration
	Logger         zerolog.Logger
}

// Acquire starts capture and returns once the first frame has arrived, so a
// device the OS refuses surfaces here rather than mid-session
func (m *FFmpegMicrophone) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	timeout := m.StartupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	args := m.args(c)
	cmd := exec.Command(m.path(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, classifyCaptureError(err, "")
	}

	src := &ffmpegSource{
		cmd:    cmd,
		frames: make(chan []byte, 8),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go src.read(stdout, c.FrameBytes())
	go func() {
		src.waitErr = cmd.Wait()
		close(src.exited)
	}()

	m.Logger.Debug().
		Str("ffmpeg", m.path()).
		Strs("args", args).
		Msg("Microphone capture started")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-src.ready:
		return NewStream(src, c), nil
	case <-src.exited:
		return nil, classifyCaptureError(src.waitErr, stderr.String())
	case <-timer.C:
		src.Close()
		return nil, fmt.Errorf("%w: no audio within %v", ErrDeviceUnavailable, timeout)
	case <-ctx.Done():
		src.Close()
		return nil, ctx.Err()
	}
}

func (m *FFmpegMicrophone) path() string {
	if m.Path == "" {
		return "ffmpeg"
	}
	return m.Path
}

func (m *FFmpegMicrophone) args(c Constraints) []string {
	format := m.InputFormat
	if format == "" {
		format = "pulse"
	}
	device := m.Device
	if device == "" {
		device = "default"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", device,
		"-ac", fmt.Sprintf("%d", c.Channels),
		"-ar", fmt.Sprintf("%d", c.SampleRate),
	}

	// Echo cancellation is left to the capture device (e.g. a PulseAudio echo-cancel source)
	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	return append(args, "-f", "s16le", "-")
}

// classifyCaptureError separates refused access from other capture failures
func classifyCaptureError(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	if err != nil {
		msg += " " + strings.ToLower(err.Error())
	}

	for _, marker := range []string{
		"permission denied",
		"operation not permitted",
		"not authorized",
		"access denied",
		"notallowederror",
	} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
		}
	}

	detail := strings.TrimSpace(stderr)
	if detail == "" && err != nil {
		detail = err.Error()
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, detail)
}

type ffmpegSource struct {
	cmd       *exec.Cmd
	frames    chan []byte
	ready     chan struct{}
	exited    chan struct{}
	waitErr   error
	readyOnce sync.Once
	closeOnce sync.Once
}

func (s *ffmpegSource) Frames() <-chan []byte {
	return s.frames
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *ffmpegSource) read(stdout io.Reader, frameBytes int) {
	defer close(s.frames)

	for {
		frame := make([]byte, frameBytes)
		if _, err := io.ReadFull(stdout, frame); err != nil {
			return
		}
		s.readyOnce.Do(func() { close(s.ready) })
		s.frames <- frame
	}
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
