package transcriber

import (
	"fmt"
	"sync"
)

// VoiceGate wraps a swappable voice activity detector behind a mutex so a
// single detector can be shared across transcription contexts. Within one
// live session the gate is touched by exactly one goroutine, the scheduler.
type VoiceGate struct {
	mu  sync.Mutex
	vad VAD
}

// NewVoiceGate wraps the given detector. The detector must not be nil.
func NewVoiceGate(vad VAD) (*VoiceGate, error) {
	if vad == nil {
		return nil, fmt.Errorf("%w: voice gate requires a detector", ErrInvalidParameter)
	}
	return &VoiceGate{vad: vad}, nil
}

// Voiced reports whether the slice contains speech.
func (g *VoiceGate) Voiced(samples []float32) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	voiced, err := g.vad.VoiceDetected(samples)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVAD, err)
	}
	return voiced, nil
}

// ExtractVoiced returns the concatenation of the voiced sub-frames of the
// slice. Used by the offline pass to strip silence before decoding; the
// realtime loop does not call it.
func (g *VoiceGate) ExtractVoiced(samples []float32) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	voiced, err := g.vad.ExtractVoicedFrames(samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVAD, err)
	}
	return voiced, nil
}

// Reset returns the underlying detector to fresh state. Call between
// sessions or when moving the gate to a different context.
func (g *VoiceGate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.vad.Reset(); err != nil {
		return fmt.Errorf("%w: %v", ErrVAD, err)
	}
	return nil
}
