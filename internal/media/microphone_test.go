package media

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		expected error
	}{
		{"pulse refused", "pulse: Connection refused: Access denied", ErrPermissionDenied},
		{"alsa permission", "cannot open audio device default (Permission denied)", ErrPermissionDenied},
		{"macos tcc", "[avfoundation] Failed to get access: not authorized", ErrPermissionDenied},
		{"missing device", "default: No such file or directory", ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyCaptureError(errors.New("exit status 1"), tt.stderr)
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestFFmpegMicrophone_MissingBinary(t *testing.T) {
	mic := &FFmpegMicrophone{Path: "/nonexistent/ffmpeg-binary"}

	_, err := mic.Acquire(context.Background(), DefaultConstraints())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestFFmpegMicrophone_Args(t *testing.T) {
	mic := &FFmpegMicrophone{InputFormat: "alsa", Device: "hw:1"}

	args := strings.Join(mic.args(DefaultConstraints()), " ")

	for _, want := range []string{"-f alsa", "-i hw:1", "-ac 1", "-ar 48000", "-af afftdn", "-f s16le -"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected args to contain %q, got %q", want, args)
		}
	}
	if strings.Contains(args, "dynaudnorm") {
		t.Error("Expected no gain normalisation with AGC off")
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("abcdef"))

	if b.String() != "cdef" {
		t.Errorf("Expected 'cdef', got '%s'", b.String())
	}
}
