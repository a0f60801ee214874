package playback

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
)

func constBuffer(v float32, n int) audio.Buffer {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.Buffer{Samples: samples, SampleRate: DeviceSampleRate}
}

func TestDevice_MixesAtUnityGain(t *testing.T) {
	d := NewDevice(nil, zerolog.Nop())

	if _, err := d.Start(constBuffer(0.5, 4), 0, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := d.Start(constBuffer(0.25, 2), 0, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pcm := d.Render(4)
	if pcm[0] != audio.FloatToSample(0.75) {
		t.Errorf("Expected mixed sample %d, got %d", audio.FloatToSample(0.75), pcm[0])
	}
	if pcm[3] != audio.FloatToSample(0.5) {
		t.Errorf("Expected single voice sample %d, got %d", audio.FloatToSample(0.5), pcm[3])
	}
}

func TestDevice_ClipsMix(t *testing.T) {
	d := NewDevice(nil, zerolog.Nop())
	_, _ = d.Start(constBuffer(0.8, 1), 0, nil)
	_, _ = d.Start(constBuffer(0.8, 1), 0, nil)

	if pcm := d.Render(1); pcm[0] != 32767 {
		t.Errorf("Expected clipped sample 32767, got %d", pcm[0])
	}
}

func TestDevice_ScheduledStart(t *testing.T) {
	d := NewDevice(nil, zerolog.Nop())
	at := 2.0 / float64(DeviceSampleRate)
	_, _ = d.Start(constBuffer(0.5, 2), at, nil)

	pcm := d.Render(4)
	if pcm[0] != 0 || pcm[1] != 0 {
		t.Errorf("Expected silence before start, got %v", pcm[:2])
	}
	if pcm[2] == 0 || pcm[3] == 0 {
		t.Errorf("Expected voice at sample 2, got %v", pcm[2:])
	}
	if got := d.CurrentTime(); got != 4.0/float64(DeviceSampleRate) {
		t.Errorf("Expected clock to advance 4 samples, got %f", got)
	}
}

func TestDevice_OnEndedFiresOnce(t *testing.T) {
	d := NewDevice(nil, zerolog.Nop())
	ended := 0
	_, _ = d.Start(constBuffer(0.1, 3), 0, func() { ended++ })

	d.Render(2)
	if ended != 0 {
		t.Error("Expected voice still playing")
	}
	d.Render(2)
	d.Render(2)
	if ended != 1 {
		t.Errorf("Expected onEnded once, got %d", ended)
	}
	if d.Voices() != 0 {
		t.Errorf("Expected no voices, got %d", d.Voices())
	}
}

func TestDevice_StopSilencesWithoutCallback(t *testing.T) {
	d := NewDevice(nil, zerolog.Nop())
	ended := false
	v, _ := d.Start(constBuffer(0.5, 100), 0, func() { ended = true })

	d.Render(10)
	v.Stop()
	pcm := d.Render(10)

	for i, s := range pcm {
		if s != 0 {
			t.Fatalf("Expected silence after stop, sample %d = %d", i, s)
		}
	}
	if ended {
		t.Error("Expected no end callback after stop")
	}
}

type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestDevice_RunWritesToSink(t *testing.T) {
	sink := &syncBuffer{}
	d := NewDevice(sink, zerolog.Nop())
	go d.Run()

	waitFor(t, "rendered audio", func() bool { return sink.Len() > 0 })
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !sink.closed {
		t.Error("Expected sink closed")
	}
	if _, err := d.Start(constBuffer(0.1, 1), 0, nil); err != ErrDeviceClosed {
		t.Errorf("Expected ErrDeviceClosed, got %v", err)
	}
}

func TestDevice_CloseWithoutRun(t *testing.T) {
	d := NewDevice(nil, zerolog.Nop())
	start := time.Now()
	_ = d.Close()
	_ = d.Close()
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Expected close without run to return promptly")
	}
}

func TestFFplaySpeaker_Args(t *testing.T) {
	s := NewFFplaySpeaker("", 48000, zerolog.Nop())
	if s.Path != "ffplay" {
		t.Errorf("Expected default path ffplay, got %s", s.Path)
	}
	args := s.args()
	want := map[string]string{"-f": "s16le", "-ch_layout": "mono", "-ar": "48000", "-i": "-"}
	for i := 0; i < len(args)-1; i++ {
		if v, ok := want[args[i]]; ok {
			if args[i+1] != v {
				t.Errorf("Expected %s %s, got %s", args[i], v, args[i+1])
			}
			delete(want, args[i])
		}
	}
	if len(want) != 0 {
		t.Errorf("Missing args: %v", want)
	}
}
