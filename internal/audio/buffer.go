package audio

import (
	"sync"
)

// RingBuffer is a thread-safe sliding window over the most recent samples.
// Writes never block: once full, the oldest samples are overwritten.
type RingBuffer struct {
	buffer []float64
	size   int
	write  int
	count  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer holding up to size samples
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		buffer: make([]float64, size),
		size:   size,
	}
}

// Write appends samples, overwriting the oldest ones when the window is full.
// Returns the number of previously buffered samples that were overwritten.
func (rb *RingBuffer) Write(samples []float64) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Only the tail of an oversized write can survive
	if len(samples) > rb.size {
		overwritten := rb.count + len(samples) - rb.size
		samples = samples[len(samples)-rb.size:]
		copy(rb.buffer, samples)
		rb.write = 0
		rb.count = rb.size
		return overwritten
	}

	overwritten := 0
	for _, s := range samples {
		rb.buffer[rb.write] = s
		rb.write = (rb.write + 1) % rb.size
		if rb.count < rb.size {
			rb.count++
		} else {
			overwritten++
		}
	}

	return overwritten
}

// Latest copies the most recent samples into dst in chronological order.
// When fewer than len(dst) samples are buffered the front of dst is zero-filled.
// Returns the number of real samples copied.
func (rb *RingBuffer) Latest(dst []float64) int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := len(dst)
	if n > rb.count {
		n = rb.count
	}
	pad := len(dst) - n
	for i := 0; i < pad; i++ {
		dst[i] = 0
	}

	start := (rb.write - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		dst[pad+i] = rb.buffer[(start+i)%rb.size]
	}

	return n
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.write = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count == 0
}
