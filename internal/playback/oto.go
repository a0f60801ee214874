package playback

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

var errSpeakerClosed = errors.New("playback: speaker closed")

// oto allows a single context per process
var (
	otoOnce    sync.Once
	otoContext *oto.Context
	otoErr     error
	otoRate    int
)

func sharedOtoContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   sampleRate * 2 / 10, // 100ms
		})
		if err != nil {
			otoErr = fmt.Errorf("failed to open speaker: %w", err)
			return
		}
		<-ready
		otoContext = ctx
		otoRate = sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("speaker already opened at %d Hz", otoRate)
	}
	return otoContext, nil
}

// OtoSpeaker plays mono 16-bit little-endian PCM through the system output
type OtoSpeaker struct {
	pipe   *pcmPipe
	player *oto.Player
	logger zerolog.Logger
}

// NewOtoSpeaker opens a player on the process-wide output context
func NewOtoSpeaker(sampleRate int, logger zerolog.Logger) (*OtoSpeaker, error) {
	ctx, err := sharedOtoContext(sampleRate)
	if err != nil {
		return nil, err
	}

	// One second of backlog
	pipe := newPCMPipe(sampleRate * 2)
	player := ctx.NewPlayer(pipe)
	player.Play()

	logger.Debug().Int("sample_rate", sampleRate).Msg("Speaker opened")
	return &OtoSpeaker{pipe: pipe, player: player, logger: logger}, nil
}

// Write queues PCM for the player
func (s *OtoSpeaker) Write(p []byte) (int, error) {
	return s.pipe.Write(p)
}

// Close stops the player
func (s *OtoSpeaker) Close() error {
	s.pipe.Close()
	s.player.Pause()
	s.logger.Debug().Msg("Speaker closed")
	return s.player.Close()
}

// pcmPipe hands written PCM to the player. Reads never block so the output
// mixer keeps running; an empty pipe reads as silence.
type pcmPipe struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	closed bool
}

func newPCMPipe(limit int) *pcmPipe {
	return &pcmPipe{limit: limit}
}

func (p *pcmPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errSpeakerClosed
	}
	p.buf = append(p.buf, b...)
	if over := len(p.buf) - p.limit; over > 0 {
		// keep sample alignment when dropping the oldest audio
		over += over & 1
		p.buf = p.buf[over:]
	}
	return len(b), nil
}

func (p *pcmPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	if n == 0 {
		clear(b)
		n = len(b)
	}
	return n, nil
}

func (p *pcmPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.buf = nil
	return nil
}
