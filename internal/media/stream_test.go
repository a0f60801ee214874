package media_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-client/internal/media"
	"github.com/lexiqai/voice-client/internal/media/mock"
)

func TestDefaultConstraints(t *testing.T) {
	c := media.DefaultConstraints()

	if c.SampleRate != 48000 || c.Channels != 1 || c.BitDepth != 16 {
		t.Errorf("Expected mono 48kHz 16-bit, got %+v", c)
	}
	if !c.EchoCancellation || !c.NoiseSuppression || c.AutoGainControl {
		t.Errorf("Expected EC on, NS on, AGC off, got %+v", c)
	}
	if c.FrameBytes() != 1920 {
		t.Errorf("Expected 1920 bytes per 20ms frame, got %d", c.FrameBytes())
	}
}

func TestStream_FanOut(t *testing.T) {
	src := mock.NewSource(4)
	stream := media.NewStream(src, media.DefaultConstraints())
	defer stream.Stop()

	a, cancelA := stream.Subscribe(4)
	b, cancelB := stream.Subscribe(4)
	defer cancelA()
	defer cancelB()

	src.Send([]byte{1, 2})

	for name, ch := range map[string]<-chan []byte{"a": a, "b": b} {
		select {
		case frame := <-ch:
			if len(frame) != 2 || frame[0] != 1 {
				t.Errorf("Subscriber %s: unexpected frame %v", name, frame)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %s: timed out waiting for frame", name)
		}
	}
}

func TestStream_DisabledTrackDeliversSilence(t *testing.T) {
	src := mock.NewSource(4)
	stream := media.NewStream(src, media.DefaultConstraints())
	defer stream.Stop()

	frames, cancel := stream.Subscribe(4)
	defer cancel()

	stream.Tracks()[0].SetEnabled(false)
	src.Send([]byte{9, 9, 9, 9})

	select {
	case frame := <-frames:
		for i, v := range frame {
			if v != 0 {
				t.Errorf("Expected silence at byte %d, got %d", i, v)
			}
		}
		if len(frame) != 4 {
			t.Errorf("Expected frame length preserved, got %d", len(frame))
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for frame")
	}
}

func TestTrack_StopIsIdempotent(t *testing.T) {
	src := mock.NewSource(1)
	stream := media.NewStream(src, media.DefaultConstraints())

	track := stream.Tracks()[0]
	track.Stop()
	track.Stop()
	stream.Stop()

	if src.Closes() != 1 {
		t.Errorf("Expected source closed exactly once, got %d", src.Closes())
	}
	if !track.Stopped() {
		t.Error("Expected track to report stopped")
	}

	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected stream to finish after its track stopped")
	}
}

func TestStream_SubscribeAfterEnd(t *testing.T) {
	src := mock.NewSource(1)
	stream := media.NewStream(src, media.DefaultConstraints())
	stream.Stop()
	<-stream.Done()

	frames, cancel := stream.Subscribe(1)
	defer cancel()

	if _, ok := <-frames; ok {
		t.Error("Expected closed channel after stream end")
	}
}

func TestMockMicrophone_Error(t *testing.T) {
	mic := &mock.Microphone{Err: media.ErrPermissionDenied}

	_, err := mic.Acquire(context.Background(), media.DefaultConstraints())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
	if mic.Acquires() != 1 {
		t.Errorf("Expected 1 acquire, got %d", mic.Acquires())
	}
}
