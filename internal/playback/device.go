package playback

import (
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
)

// ErrDeviceClosed is returned when scheduling on a closed device
var ErrDeviceClosed = errors.New("playback: device closed")

// DeviceSampleRate is the rate voices are mixed at
const DeviceSampleRate = 48000

// Device mixes scheduled voices at unity gain and writes the mix to a sink
// in real time. Its clock counts rendered samples.
type Device struct {
	rate   int
	tick   time.Duration
	sink   io.Writer
	logger zerolog.Logger

	mu      sync.Mutex
	clock   int64
	voices  map[*deviceVoice]struct{}
	closed  bool
	running bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type deviceVoice struct {
	d       *Device
	samples []float32
	start   int64
	onEnded func()
}

// Stop removes the voice from the mix without firing its end callback
func (v *deviceVoice) Stop() {
	v.d.mu.Lock()
	delete(v.d.voices, v)
	v.d.mu.Unlock()
}

// NewDevice creates a device writing to sink. A nil sink discards output.
// Call Run to start the real-time loop.
func NewDevice(sink io.Writer, logger zerolog.Logger) *Device {
	if sink == nil {
		sink = io.Discard
	}
	return &Device{
		rate:   DeviceSampleRate,
		tick:   20 * time.Millisecond,
		sink:   sink,
		logger: logger,
		voices: make(map[*deviceVoice]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// CurrentTime returns the device clock in seconds
func (d *Device) CurrentTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.clock) / float64(d.rate)
}

// Start schedules buf to begin at the given clock time. Times in the past
// start at the next rendered sample.
func (d *Device) Start(buf audio.Buffer, at float64, onEnded func()) (Voice, error) {
	samples := audio.Resample(buf.Samples, buf.SampleRate, d.rate)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}

	start := int64(math.Round(at * float64(d.rate)))
	if start < d.clock {
		start = d.clock
	}
	v := &deviceVoice{d: d, samples: samples, start: start, onEnded: onEnded}
	d.voices[v] = struct{}{}
	return v, nil
}

// Render mixes the next n samples and advances the clock
func (d *Device) Render(n int) []int16 {
	mix := make([]float32, n)
	var ended []func()

	d.mu.Lock()
	from := d.clock
	to := from + int64(n)
	for v := range d.voices {
		end := v.start + int64(len(v.samples))
		lo := max(v.start, from)
		hi := min(end, to)
		for t := lo; t < hi; t++ {
			mix[t-from] += v.samples[t-v.start]
		}
		if end <= to {
			delete(d.voices, v)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	d.clock = to
	d.mu.Unlock()

	for _, fn := range ended {
		fn()
	}

	out := make([]int16, n)
	for i, s := range mix {
		out[i] = audio.FloatToSample(s)
	}
	return out
}

// Run renders in real time until Close is called
func (d *Device) Run() {
	d.mu.Lock()
	if d.running || d.closed {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	defer close(d.done)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	began := time.Now()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			due := int64(time.Since(began).Seconds() * float64(d.rate))
			d.mu.Lock()
			n := int(due - d.clock)
			d.mu.Unlock()
			if n <= 0 {
				continue
			}
			pcm := d.Render(n)
			if _, err := d.sink.Write(audio.SamplesToBytes(pcm)); err != nil {
				d.logger.Warn().Err(err).Msg("Speaker write failed")
			}
		}
	}
}

// Close stops the loop, drops every voice and closes the sink if it is closable
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.voices = make(map[*deviceVoice]struct{})
		running := d.running
		d.mu.Unlock()

		close(d.stop)
		if running {
			<-d.done
		}
		if c, ok := d.sink.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Voices returns the number of voices still scheduled
func (d *Device) Voices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}
