package speech

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/lexiqai/voice-client/internal/audio"
)

// Analyser computes smoothed, byte-scaled frequency magnitudes over the most
// recent FFTSize samples of a live PCM stream, the same way a browser
// AnalyserNode reports getByteFrequencyData.
type Analyser struct {
	fftSize   int
	smoothing float64
	minDb     float64
	maxDb     float64

	mu       sync.Mutex
	ring     *audio.RingBuffer
	window   []float64
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	bins     []uint8
	fft      *fourier.FFT
}

// NewAnalyser creates an analyser from the detector configuration
func NewAnalyser(config *Config) *Analyser {
	if config == nil {
		config = DefaultConfig()
	}
	n := config.FFTSize
	if n <= 0 {
		n = 2048
	}

	return &Analyser{
		fftSize:   n,
		smoothing: config.Smoothing,
		minDb:     config.MinDecibels,
		maxDb:     config.MaxDecibels,
		ring:      audio.NewRingBuffer(n),
		window:    blackman(n),
		frame:     make([]float64, n),
		coeffs:    make([]complex128, n/2+1),
		smoothed:  make([]float64, n/2),
		bins:      make([]uint8, n/2),
		fft:       fourier.NewFFT(n),
	}
}

// Write appends little-endian 16-bit mono PCM to the analysis window
func (a *Analyser) Write(pcm []byte) {
	samples := audio.BytesToSamples(pcm)
	f := make([]float64, len(samples))
	for i, s := range samples {
		f[i] = float64(s) / 32768.0
	}
	a.ring.Write(f)
}

// ByteFrequencyData runs one analysis pass and returns FFTSize/2 magnitudes
// in 0-255. The returned slice is reused by the next call.
func (a *Analyser) ByteFrequencyData() []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	// An empty window only decays the smoothing history
	empty := a.ring.IsEmpty()
	if !empty {
		a.ring.Latest(a.frame)
		for i := range a.frame {
			a.frame[i] *= a.window[i]
		}
		a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)
	}

	n := float64(a.fftSize)
	scale := 255.0 / (a.maxDb - a.minDb)
	for k := range a.smoothed {
		magnitude := 0.0
		if !empty {
			magnitude = cmplxAbs(a.coeffs[k]) / n
		}
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*magnitude

		if a.smoothed[k] <= 0 {
			a.bins[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - a.minDb))
		switch {
		case v < 0:
			a.bins[k] = 0
		case v > 255:
			a.bins[k] = 255
		default:
			a.bins[k] = uint8(v)
		}
	}

	return a.bins
}

// Level runs one analysis pass and returns the RMS of the byte magnitudes
func (a *Analyser) Level() float64 {
	bins := a.ByteFrequencyData()
	if len(bins) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bins {
		sum += float64(b) * float64(b)
	}
	return math.Sqrt(sum / float64(len(bins)))
}

// Reset drops buffered audio and smoothing history
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ring.Clear()
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := (1 - alpha) / 2
	a1 := 0.5
	a2 := alpha / 2

	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
