package audio

// Chunk is one unit of inbound remote audio: opaque bytes in a declared
// format, tagged with its arrival sequence. The playback scheduler owns a
// chunk once it is delivered.
type Chunk struct {
	Data   []byte
	Format string
	Seq    uint64
}

// Buffer is decoded mono audio ready for scheduling
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length in seconds
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Decoder turns a chunk into a playable buffer
type Decoder interface {
	Decode(chunk Chunk) (Buffer, error)
}
