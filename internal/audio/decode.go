package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/go-audio/wav"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// Well-known chunk formats
const (
	FormatWebMOpus = "audio/webm;codecs=opus"
	FormatOggOpus  = "audio/ogg;codecs=opus"
	FormatPCM      = "audio/pcm"
	FormatPCMU     = "audio/pcmu"
	FormatWAV      = "audio/wav"
)

// DefaultPCMSampleRate applies to raw PCM chunks that do not declare a rate
const DefaultPCMSampleRate = 24000

// ErrUnsupportedFormat is returned for chunks no decoder recognises
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Kind identifies the container/codec family of a chunk
type Kind int

const (
	KindUnknown Kind = iota
	KindPCM
	KindPCMU
	KindWAV
	KindOggOpus
	KindWebMOpus
)

func (k Kind) String() string {
	switch k {
	case KindPCM:
		return "pcm"
	case KindPCMU:
		return "pcmu"
	case KindWAV:
		return "wav"
	case KindOggOpus:
		return "ogg/opus"
	case KindWebMOpus:
		return "webm/opus"
	default:
		return "unknown"
	}
}

// ParseFormat maps a declared format string to a kind and sample rate.
// Accepts MIME types with a rate parameter ("audio/pcm;rate=16000") and the
// short names voice backends commonly use ("pcm_16000", "linear16", "mulaw").
// The rate is zero when the format does not imply one.
func ParseFormat(format string) (Kind, int) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		return KindUnknown, 0
	}

	rate := 0
	base := f
	if mediaType, params, err := mime.ParseMediaType(f); err == nil {
		base = mediaType
		if r, err := strconv.Atoi(params["rate"]); err == nil {
			rate = r
		} else if r, err := strconv.Atoi(params["sample_rate"]); err == nil {
			rate = r
		}
	}

	// Short names with a rate suffix: pcm_16000, ulaw_8000
	if i := strings.LastIndex(base, "_"); i > 0 {
		if r, err := strconv.Atoi(base[i+1:]); err == nil {
			rate = r
			base = base[:i]
		}
	}

	switch base {
	case "audio/pcm", "audio/l16", "audio/raw", "pcm", "pcm16", "pcm_s16le", "s16le", "linear16", "raw":
		return KindPCM, rate
	case "audio/pcmu", "audio/basic", "audio/x-mulaw", "mulaw", "ulaw", "g711_ulaw":
		if rate == 0 {
			rate = 8000
		}
		return KindPCMU, rate
	case "audio/wav", "audio/x-wav", "audio/wave", "wav":
		return KindWAV, rate
	case "audio/ogg", "audio/opus", "ogg", "opus":
		return KindOggOpus, OpusSampleRate
	case "audio/webm", "webm":
		return KindWebMOpus, OpusSampleRate
	}
	return KindUnknown, rate
}

// IsRawFormat reports whether chunks of this format are headerless sample
// runs that can be scheduled back to back
func IsRawFormat(format string) bool {
	kind, _ := ParseFormat(format)
	return kind == KindPCM || kind == KindPCMU
}

// sniff recognises self-describing containers regardless of the declared format
func sniff(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, []byte("OggS")):
		return KindOggOpus
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return KindWebMOpus
	case bytes.HasPrefix(data, []byte("RIFF")):
		return KindWAV
	}
	return KindUnknown
}

// FormatDecoder decodes every chunk format the transports deliver
type FormatDecoder struct {
	// PCMSampleRate is used for raw PCM chunks that do not declare a rate
	PCMSampleRate int
}

// NewDecoder creates a decoder with the default raw PCM rate
func NewDecoder() *FormatDecoder {
	return &FormatDecoder{PCMSampleRate: DefaultPCMSampleRate}
}

// Decode decodes a chunk into mono float samples
func (d *FormatDecoder) Decode(chunk Chunk) (Buffer, error) {
	if len(chunk.Data) == 0 {
		return Buffer{}, fmt.Errorf("audio: empty chunk %d", chunk.Seq)
	}

	kind, rate := ParseFormat(chunk.Format)
	if sniffed := sniff(chunk.Data); sniffed != KindUnknown {
		kind = sniffed
	}

	switch kind {
	case KindPCM:
		if rate == 0 {
			rate = d.PCMSampleRate
		}
		return Buffer{Samples: SamplesToFloat(BytesToSamples(chunk.Data)), SampleRate: rate}, nil
	case KindPCMU:
		samples, err := ConvertPCMUToPCM(chunk.Data)
		if err != nil {
			return Buffer{}, err
		}
		return Buffer{Samples: SamplesToFloat(samples), SampleRate: rate}, nil
	case KindWAV:
		return decodeWAV(chunk.Data)
	case KindOggOpus:
		return decodeOgg(chunk.Data)
	case KindWebMOpus:
		return decodeWebM(chunk.Data)
	}

	return Buffer{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, chunk.Format)
}

func decodeWAV(data []byte) (Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("audio: invalid wav data")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: read wav: %w", err)
	}

	channels := 1
	rate := int(dec.SampleRate)
	if buf.Format != nil {
		channels = buf.Format.NumChannels
		rate = buf.Format.SampleRate
	}
	if channels <= 0 {
		channels = 1
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			v := buf.Data[i*channels+c]
			if bitDepth == 8 {
				// 8-bit WAV is unsigned
				v -= 128
			}
			sum += float32(v) / scale
		}
		samples[i] = sum / float32(channels)
	}

	return Buffer{Samples: samples, SampleRate: rate}, nil
}

// decodeOgg assumes one Opus packet per page, which is how Ogg/Opus
// streaming encoders (including SegmentEncoder) lay out their output
func decodeOgg(data []byte) (Buffer, error) {
	reader, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: read ogg header: %w", err)
	}

	dec, err := NewOpusDecoder(int(header.Channels))
	if err != nil {
		return Buffer{}, err
	}

	var pcm []int16
	for {
		payload, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return Buffer{}, fmt.Errorf("audio: read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}

		samples, err := dec.Decode(payload)
		if err != nil {
			return Buffer{}, err
		}
		pcm = append(pcm, samples...)
	}

	if skip := int(header.PreSkip); skip > 0 && skip < len(pcm) {
		pcm = pcm[skip:]
	}

	return Buffer{Samples: SamplesToFloat(pcm), SampleRate: OpusSampleRate}, nil
}

func decodeWebM(data []byte) (Buffer, error) {
	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	// MediaRecorder blobs may end mid-cluster; whatever parsed is still playable
	if err := ebml.Unmarshal(bytes.NewReader(data), &doc); err != nil &&
		!errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Buffer{}, fmt.Errorf("audio: parse webm: %w", err)
	}

	var trackNumber uint64
	channels := 1
	for _, entry := range doc.Segment.Tracks.TrackEntry {
		if entry.CodecID == "A_OPUS" {
			trackNumber = entry.TrackNumber
			if entry.Audio != nil && entry.Audio.Channels > 0 {
				channels = int(entry.Audio.Channels)
			}
			break
		}
	}
	if trackNumber == 0 {
		return Buffer{}, fmt.Errorf("%w: webm without an opus track", ErrUnsupportedFormat)
	}

	dec, err := NewOpusDecoder(channels)
	if err != nil {
		return Buffer{}, err
	}

	var pcm []int16
	for _, cluster := range doc.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			if block.TrackNumber != trackNumber {
				continue
			}
			for _, frame := range block.Data {
				samples, err := dec.Decode(frame)
				if err != nil {
					return Buffer{}, err
				}
				pcm = append(pcm, samples...)
			}
		}
	}

	return Buffer{Samples: SamplesToFloat(pcm), SampleRate: OpusSampleRate}, nil
}
