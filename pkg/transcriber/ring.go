package transcriber

import (
	"fmt"
	"sync"
)

// AudioRing is a fixed-capacity circular PCM buffer shared between an audio
// capture writer and the streaming loop reader. Writes overwrite the oldest
// samples once the buffer is full; reads return the most recent samples in
// arrival order. A single mutex serializes every operation because each write
// touches the backing store, the insertion cursor and the valid length
// together.
type AudioRing struct {
	mu         sync.Mutex
	buf        []float32
	head       int
	length     int
	sampleRate int
	capacityMS int
}

// NewAudioRing allocates a ring holding capacityMS milliseconds of audio at
// the given sample rate. Both arguments must be positive.
func NewAudioRing(capacityMS, sampleRate int) (*AudioRing, error) {
	if capacityMS <= 0 {
		return nil, fmt.Errorf("%w: ring capacity must be positive, got %d ms", ErrInvalidParameter, capacityMS)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidParameter, sampleRate)
	}
	capacity := capacityMS * sampleRate / 1000
	if capacity == 0 {
		return nil, fmt.Errorf("%w: ring rounds to zero samples (%d ms at %d Hz)", ErrInvalidParameter, capacityMS, sampleRate)
	}
	return &AudioRing{
		buf:        make([]float32, capacity),
		sampleRate: sampleRate,
		capacityMS: capacityMS,
	}, nil
}

// Push copies samples into the ring. When the input exceeds the ring capacity
// only the trailing capacity samples are retained.
func (r *AudioRing) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(samples)
	if n > len(r.buf) {
		samples = samples[n-len(r.buf):]
		n = len(r.buf)
	}

	first := copy(r.buf[r.head:], samples)
	if first < n {
		copy(r.buf, samples[first:])
	}
	r.head = (r.head + n) % len(r.buf)
	r.length += n
	if r.length > len(r.buf) {
		r.length = len(r.buf)
	}
}

// ReadInto fills out with the last min(windowMS, stored) milliseconds of
// audio in chronological order. A windowMS of 0 reads the full capacity
// window. The slice is resized as needed and reused across calls.
func (r *AudioRing) ReadInto(windowMS int, out *[]float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms := windowMS
	if ms == 0 {
		ms = r.capacityMS
	}
	n := ms * r.sampleRate / 1000
	if n > r.length {
		n = r.length
	}

	*out = (*out)[:0]
	if n == 0 {
		return
	}
	if cap(*out) < n {
		*out = make([]float32, n)
	} else {
		*out = (*out)[:n]
	}

	start := r.head - n
	if start < 0 {
		start += len(r.buf)
	}
	first := copy(*out, r.buf[start:])
	if first < n {
		copy((*out)[first:], r.buf[:n-first])
	}
}

// Read returns the last min(windowMS, stored) milliseconds of audio as a
// fresh slice. A windowMS of 0 reads the full capacity window.
func (r *AudioRing) Read(windowMS int) []float32 {
	var out []float32
	r.ReadInto(windowMS, &out)
	return out
}

// Clear resets the cursor and valid length. The backing store is not zeroed.
func (r *AudioRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.length = 0
}

// ClearRetainBack logically drops everything but the most recent ms of audio
// by shrinking the valid length. The cursor is unchanged, so retained samples
// stay contiguous with subsequent writes.
func (r *AudioRing) ClearRetainBack(ms int) {
	if ms == 0 {
		r.Clear()
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := ms * r.sampleRate / 1000
	if n < r.length {
		r.length = n
	}
}

// Len returns the number of stored samples.
func (r *AudioRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// LenMS returns the stored audio length in milliseconds.
func (r *AudioRing) LenMS() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length * 1000 / r.sampleRate
}

// Capacity returns the ring capacity in samples.
func (r *AudioRing) Capacity() int {
	return len(r.buf)
}

// CapacityMS returns the ring capacity in milliseconds.
func (r *AudioRing) CapacityMS() int {
	return r.capacityMS
}

// SampleRate returns the configured sample rate in Hz.
func (r *AudioRing) SampleRate() int {
	return r.sampleRate
}
