package speech

import (
	"math/rand"
	"testing"

	"github.com/lexiqai/voice-client/internal/audio"
)

// noiseFrame returns 20 ms of 48 kHz white noise at the given amplitude
func noiseFrame(rng *rand.Rand, amplitude float64) []byte {
	samples := make([]int16, 960)
	for i := range samples {
		samples[i] = int16((rng.Float64()*2 - 1) * amplitude * 32767)
	}
	return audio.SamplesToBytes(samples)
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	a := NewAnalyser(DefaultConfig())
	a.Write(make([]byte, 4096))

	if level := a.Level(); level != 0 {
		t.Errorf("Expected level 0 for digital silence, got %f", level)
	}
}

func TestAnalyser_NoiseIsLoud(t *testing.T) {
	a := NewAnalyser(DefaultConfig())
	rng := rand.New(rand.NewSource(1))

	var level float64
	for i := 0; i < 10; i++ {
		a.Write(noiseFrame(rng, 0.3))
		level = a.Level()
	}

	if level < DefaultConfig().SpeakingThreshold {
		t.Errorf("Expected broadband noise above speaking threshold, got %f", level)
	}
}

func TestAnalyser_BinCount(t *testing.T) {
	a := NewAnalyser(DefaultConfig())

	if n := len(a.ByteFrequencyData()); n != 1024 {
		t.Errorf("Expected 1024 bins, got %d", n)
	}
}

func TestAnalyser_Reset(t *testing.T) {
	a := NewAnalyser(DefaultConfig())
	rng := rand.New(rand.NewSource(2))
	a.Write(noiseFrame(rng, 0.5))
	a.Level()

	a.Reset()
	if level := a.Level(); level != 0 {
		t.Errorf("Expected level 0 after reset, got %f", level)
	}
}
