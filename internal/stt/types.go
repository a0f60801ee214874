package stt

import "context"

// Result is one recognition result
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal is false for interim results that later results refine
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0), zero when unknown
	Confidence float64

	// StartTime is the start of the utterance in seconds from stream start
	StartTime float64

	// Duration is the length of the utterance in seconds
	Duration float64
}

// Client streams 16-bit PCM to a speech-to-text service
type Client interface {
	// Start opens a transcription session
	Start(ctx context.Context) error

	// SendAudio sends one chunk of little-endian 16-bit PCM
	SendAudio(audioData []byte) error

	// Results delivers recognition results until Close
	Results() <-chan *Result

	// Close ends the session and releases resources
	Close() error
}
