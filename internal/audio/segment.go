package audio

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// SegmentFormat is the container/codec of outbound microphone segments
const SegmentFormat = "audio/ogg;codecs=opus"

// DefaultSegmentDuration is the slice length handed to the transport
const DefaultSegmentDuration = 100 * time.Millisecond

// SegmentEncoder slices a 48 kHz mono PCM stream into short Ogg/Opus
// segments. The first segment carries the Ogg stream headers; the peer is
// expected to concatenate segments in order.
type SegmentEncoder struct {
	enc              *OpusEncoder
	ogg              *oggwriter.OggWriter
	out              bytes.Buffer
	pending          []int16
	framesPerSegment int
	framesInSegment  int
	sequence         uint16
	timestamp        uint32
}

// NewSegmentEncoder creates an encoder emitting one segment per duration
// (rounded to whole 20 ms frames)
func NewSegmentEncoder(duration time.Duration) (*SegmentEncoder, error) {
	frames := int(duration / (OpusFrameSizeMs * time.Millisecond))
	if frames < 1 {
		frames = 1
	}

	enc, err := NewOpusEncoder()
	if err != nil {
		return nil, err
	}

	s := &SegmentEncoder{
		enc:              enc,
		framesPerSegment: frames,
		pending:          make([]int16, 0, OpusFrameSize*2),
	}

	s.ogg, err = oggwriter.NewWith(&s.out, OpusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create ogg writer: %w", err)
	}

	return s, nil
}

// Write consumes little-endian 16-bit PCM and returns every segment completed by it
func (s *SegmentEncoder) Write(pcm []byte) ([][]byte, error) {
	s.pending = append(s.pending, BytesToSamples(pcm)...)

	var segments [][]byte
	for len(s.pending) >= OpusFrameSize {
		if err := s.writeFrame(s.pending[:OpusFrameSize]); err != nil {
			return segments, err
		}
		s.pending = s.pending[OpusFrameSize:]

		if s.framesInSegment >= s.framesPerSegment {
			segments = append(segments, s.take())
		}
	}

	// Keep the remainder in a fresh slice so the backing array does not grow forever
	if len(s.pending) > 0 {
		s.pending = append(make([]int16, 0, OpusFrameSize*2), s.pending...)
	} else {
		s.pending = s.pending[:0]
	}

	return segments, nil
}

// Flush pads any partial frame with silence and returns the final segment, if any
func (s *SegmentEncoder) Flush() ([]byte, error) {
	if len(s.pending) > 0 {
		frame := make([]int16, OpusFrameSize)
		copy(frame, s.pending)
		s.pending = s.pending[:0]
		if err := s.writeFrame(frame); err != nil {
			return nil, err
		}
	}

	if s.framesInSegment == 0 && s.out.Len() == 0 {
		return nil, nil
	}
	return s.take(), nil
}

// Close releases the container writer
func (s *SegmentEncoder) Close() error {
	return s.ogg.Close()
}

func (s *SegmentEncoder) writeFrame(frame []int16) error {
	packet, err := s.enc.Encode(frame)
	if err != nil {
		return err
	}

	s.sequence++
	s.timestamp += OpusFrameSize
	err = s.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
		},
		Payload: packet,
	})
	if err != nil {
		return fmt.Errorf("audio: write ogg page: %w", err)
	}

	s.framesInSegment++
	return nil
}

func (s *SegmentEncoder) take() []byte {
	segment := make([]byte, s.out.Len())
	copy(segment, s.out.Bytes())
	s.out.Reset()
	s.framesInSegment = 0
	return segment
}
