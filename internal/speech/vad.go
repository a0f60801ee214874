package speech

import "time"

// Config holds configuration for speech activity detection. Levels are the
// RMS of the byte-scaled frequency magnitudes (0-255).
type Config struct {
	SpeakingThreshold float64       // Level that must be exceeded to declare speech
	SilenceThreshold  float64       // Level that must be undercut to declare silence
	SpeakingFrames    int           // Consecutive loud frames before SPEAKING
	SilenceFrames     int           // Consecutive quiet frames before SILENT
	FrameInterval     time.Duration // Analysis cadence

	FFTSize     int     // Analysis window in samples (power of two)
	Smoothing   float64 // Time constant for magnitude smoothing, 0-1
	MinDecibels float64 // Level mapped to byte 0
	MaxDecibels float64 // Level mapped to byte 255
}

// DefaultConfig returns a default detector configuration
func DefaultConfig() *Config {
	return &Config{
		SpeakingThreshold: 30,
		SilenceThreshold:  20,
		SpeakingFrames:    3,  // ~50ms at 16ms frames
		SilenceFrames:     20, // ~320ms
		FrameInterval:     16 * time.Millisecond,
		FFTSize:           2048,
		Smoothing:         0.8,
		MinDecibels:       -100,
		MaxDecibels:       -30,
	}
}

// State is the detector's speaking/silent state
type State int

const (
	StateSilent State = iota
	StateSpeaking
)

func (s State) String() string {
	if s == StateSpeaking {
		return "speaking"
	}
	return "silent"
}

// Hysteresis turns a per-frame level into debounced speaking/silent edges.
// A level between the two thresholds never changes state.
type Hysteresis struct {
	config     *Config
	state      State
	loudCount  int
	quietCount int
}

// NewHysteresis creates a new hysteresis state machine
func NewHysteresis(config *Config) *Hysteresis {
	if config == nil {
		config = DefaultConfig()
	}
	return &Hysteresis{config: config}
}

// Update processes one frame level.
// Returns: (state, speechStarted, speechEnded)
func (h *Hysteresis) Update(level float64) (State, bool, bool) {
	var started, ended bool

	switch h.state {
	case StateSilent:
		if level > h.config.SpeakingThreshold {
			h.loudCount++
		} else {
			h.loudCount = 0
		}
		if h.loudCount >= h.config.SpeakingFrames {
			h.state = StateSpeaking
			h.loudCount = 0
			h.quietCount = 0
			started = true
		}

	case StateSpeaking:
		if level < h.config.SilenceThreshold {
			h.quietCount++
		} else {
			h.quietCount = 0
		}
		if h.quietCount >= h.config.SilenceFrames {
			h.state = StateSilent
			h.loudCount = 0
			h.quietCount = 0
			ended = true
		}
	}

	return h.state, started, ended
}

// Reset returns to SILENT
func (h *Hysteresis) Reset() {
	h.state = StateSilent
	h.loudCount = 0
	h.quietCount = 0
}

// State returns the current state
func (h *Hysteresis) State() State {
	return h.state
}
