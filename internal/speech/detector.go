package speech

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/media"
)

// Detector watches a live microphone stream and reports when the user
// starts and stops speaking. It only reads the stream and never stops it.
type Detector struct {
	config    *Config
	analyser  *Analyser
	hyst      *Hysteresis
	logger    zerolog.Logger
	onStart   func()
	onEnd     func()
	speaking  atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewDetector creates a detector. Callbacks run on the detector goroutine.
func NewDetector(config *Config, logger zerolog.Logger, onStart, onEnd func()) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		config:   config,
		analyser: NewAnalyser(config),
		hyst:     NewHysteresis(config),
		logger:   logger,
		onStart:  onStart,
		onEnd:    onEnd,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins analysing the stream. A detector can be started once.
func (d *Detector) Start(stream *media.Stream) error {
	if stream == nil {
		return errors.New("speech: nil stream")
	}

	err := errors.New("speech: detector already started")
	d.startOnce.Do(func() {
		err = nil
		frames, unsubscribe := stream.Subscribe(32)
		d.started.Store(true)
		go d.run(frames, unsubscribe)
	})
	return err
}

// State returns the current speaking state
func (d *Detector) State() State {
	if d.speaking.Load() {
		return StateSpeaking
	}
	return StateSilent
}

// Teardown stops the analysis loop and releases the analyser. The
// microphone stream is left running. Safe to call more than once.
func (d *Detector) Teardown() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	if d.started.Load() {
		<-d.done
	}
	d.analyser.Reset()
}

func (d *Detector) run(frames <-chan []byte, unsubscribe func()) {
	defer close(d.done)
	defer unsubscribe()

	interval := d.config.FrameInterval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return

		case frame, ok := <-frames:
			if !ok {
				// Stream ended; an empty window reads as silence so SPEAKING ends
				frames = nil
				d.analyser.Reset()
				continue
			}
			d.analyser.Write(frame)

		case <-ticker.C:
			level := d.analyser.Level()
			state, started, ended := d.hyst.Update(level)
			d.speaking.Store(state == StateSpeaking)

			if started {
				d.logger.Debug().Float64("level", level).Msg("Speech started")
				if d.onStart != nil {
					d.onStart()
				}
			}
			if ended {
				d.logger.Debug().Float64("level", level).Msg("Speech ended")
				if d.onEnd != nil {
					d.onEnd()
				}
			}
		}
	}
}
