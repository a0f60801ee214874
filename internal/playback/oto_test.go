package playback

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestPCMPipe_ReadWrite(t *testing.T) {
	p := newPCMPipe(16)

	if _, err := p.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 8)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 4 || !bytes.Equal(buf[:n], []byte{1, 2, 3, 4}) {
		t.Errorf("Expected [1 2 3 4], got %v", buf[:n])
	}
}

func TestPCMPipe_EmptyReadsSilence(t *testing.T) {
	p := newPCMPipe(16)

	buf := []byte{9, 9, 9, 9}
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 4 || !bytes.Equal(buf, make([]byte, 4)) {
		t.Errorf("Expected 4 bytes of silence, got %v", buf[:n])
	}
}

func TestPCMPipe_DropsOldest(t *testing.T) {
	p := newPCMPipe(4)

	p.Write([]byte{1, 2, 3, 4})
	p.Write([]byte{5, 6})

	buf := make([]byte, 8)
	n, _ := p.Read(buf)
	if !bytes.Equal(buf[:n], []byte{3, 4, 5, 6}) {
		t.Errorf("Expected [3 4 5 6], got %v", buf[:n])
	}
}

func TestPCMPipe_Close(t *testing.T) {
	p := newPCMPipe(16)
	p.Write([]byte{1, 2})
	p.Close()

	if _, err := p.Read(make([]byte, 2)); err != io.EOF {
		t.Errorf("Expected io.EOF after close, got %v", err)
	}
	if _, err := p.Write([]byte{3, 4}); !errors.Is(err, errSpeakerClosed) {
		t.Errorf("Expected errSpeakerClosed, got %v", err)
	}
}
