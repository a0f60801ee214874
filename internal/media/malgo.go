package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MalgoMicrophone captures the default input device through miniaudio.
// Processing constraints other than format are left to the OS input chain.
type MalgoMicrophone struct {
	StartupTimeout time.Duration
	Logger         zerolog.Logger
}

// Acquire opens the capture device and returns once the first frame has arrived
func (m *MalgoMicrophone) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	timeout := m.StartupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	contextConfig := malgo.ContextConfig{}
	contextConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	audioCtx, err := malgo.InitContext(nil, contextConfig, nil)
	if err != nil {
		return nil, classifyCaptureError(err, "")
	}

	src := newCaptureSource(c.FrameBytes())

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.Channels)
	deviceConfig.SampleRate = uint32(c.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			src.push(pInputSamples)
		},
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, classifyCaptureError(err, "")
	}

	src.release = func() {
		_ = device.Stop()
		device.Uninit()
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}

	if err := device.Start(); err != nil {
		src.Close()
		return nil, classifyCaptureError(err, "")
	}

	m.Logger.Debug().
		Int("sample_rate", c.SampleRate).
		Int("channels", c.Channels).
		Msg("Microphone capture started")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-src.ready:
		return NewStream(src, c), nil
	case <-timer.C:
		src.Close()
		return nil, fmt.Errorf("%w: no audio within %v", ErrDeviceUnavailable, timeout)
	case <-ctx.Done():
		src.Close()
		return nil, ctx.Err()
	}
}

// captureSource cuts device callbacks into fixed-size frames. Frames are
// dropped rather than blocking the audio thread when the reader falls behind.
type captureSource struct {
	frameBytes int
	frames     chan []byte
	ready      chan struct{}
	release    func()

	mu      sync.Mutex
	pending []byte
	started bool
	closed  bool
	dropped int
}

func newCaptureSource(frameBytes int) *captureSource {
	return &captureSource{
		frameBytes: frameBytes,
		frames:     make(chan []byte, 8),
		ready:      make(chan struct{}),
	}
}

func (s *captureSource) push(samples []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameBytes {
		frame := make([]byte, s.frameBytes)
		copy(frame, s.pending)
		s.pending = s.pending[s.frameBytes:]

		select {
		case s.frames <- frame:
		default:
			s.dropped++
		}
		if !s.started {
			s.started = true
			close(s.ready)
		}
	}
}

func (s *captureSource) Frames() <-chan []byte {
	return s.frames
}

// Close stops the device before closing the frame channel
func (s *captureSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	release := s.release
	s.mu.Unlock()

	// release joins the audio thread, which may be waiting in push
	if release != nil {
		release()
	}

	s.mu.Lock()
	close(s.frames)
	s.mu.Unlock()
	return nil
}
