package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus runs at 48 kHz with 20 ms frames throughout the client.
const (
	OpusSampleRate  = 48000
	OpusFrameSizeMs = 20
	// OpusFrameSize is the number of samples per channel per 20 ms frame.
	OpusFrameSize = OpusSampleRate * OpusFrameSizeMs / 1000 // 960

	// opusMaxFrameSize covers the longest Opus frame (120 ms).
	opusMaxFrameSize = OpusSampleRate * 120 / 1000
	opusMaxPacket    = 4000
)

// OpusDecoder wraps a gopus decoder for a single remote stream. Each stream
// needs its own decoder to keep state across consecutive packets.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a 48 kHz decoder with the given channel count
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels <= 0 {
		channels = 1
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode decodes one Opus packet into mono samples
func (d *OpusDecoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Downmix(pcm, d.channels), nil
}

// OpusEncoder wraps a gopus encoder for the local microphone
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates a 48 kHz mono encoder tuned for speech
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(OpusSampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes exactly one 20 ms frame of mono samples
func (e *OpusEncoder) Encode(frame []int16) ([]byte, error) {
	if len(frame) != OpusFrameSize {
		return nil, fmt.Errorf("audio: opus frame must be %d samples, got %d", OpusFrameSize, len(frame))
	}
	packet, err := e.enc.Encode(frame, OpusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
