// Package silero adapts the Silero VAD (via ONNX Runtime) to the transcriber
// VAD interface. Silero is considerably more accurate than energy detection
// but needs the silero_vad.onnx model on disk and the onnxruntime shared
// library at load time.
package silero

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
)

var _ transcriber.VAD = (*Detector)(nil)

const (
	// DefaultThreshold is the speech probability above which a window counts
	// as voiced.
	DefaultThreshold = 0.5
	// DefaultWindowSize is the per-inference window in samples at 16kHz.
	DefaultWindowSize = 1536
	defaultSilenceMS  = 200
	defaultPadMS      = 100
)

// Config holds the detector parameters.
type Config struct {
	// ModelPath locates the silero_vad.onnx file. Required.
	ModelPath string
	// SampleRate of the incoming audio. Silero supports 8 and 16 kHz.
	SampleRate int
	// Threshold is the voiced probability cutoff; 0 selects the default.
	Threshold float32
	// MinSilenceDurationMS closes a speech segment after this much silence.
	MinSilenceDurationMS int
	// SpeechPadMS pads detected segments to avoid clipping word edges.
	SpeechPadMS int
}

// Detector wraps a Silero speech detector. The underlying detector is
// stateful across windows, so every classification resets it first; a mutex
// makes the wrapper safe to hold behind a shared voice gate.
type Detector struct {
	mu         sync.Mutex
	sd         *speech.Detector
	sampleRate int
	window     int
}

// New builds a detector from the config.
func New(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero: model path is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinSilenceDurationMS == 0 {
		cfg.MinSilenceDurationMS = defaultSilenceMS
	}
	if cfg.SpeechPadMS == 0 {
		cfg.SpeechPadMS = defaultPadMS
	}

	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		WindowSize:           DefaultWindowSize,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMS,
		SpeechPadMs:          cfg.SpeechPadMS,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}

	return &Detector{
		sd:         sd,
		sampleRate: cfg.SampleRate,
		window:     DefaultWindowSize,
	}, nil
}

// VoiceDetected reports whether the slice contains any speech segment.
func (d *Detector) VoiceDetected(samples []float32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(samples) < d.window {
		return false, nil
	}
	if err := d.sd.Reset(); err != nil {
		return false, fmt.Errorf("silero: reset: %w", err)
	}
	segments, err := d.sd.Detect(samples)
	if err != nil {
		return false, fmt.Errorf("silero: detect: %w", err)
	}
	return len(segments) > 0, nil
}

// ExtractVoicedFrames returns the concatenation of the detected speech
// ranges of the slice.
func (d *Detector) ExtractVoicedFrames(samples []float32) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(samples) < d.window {
		return nil, nil
	}
	if err := d.sd.Reset(); err != nil {
		return nil, fmt.Errorf("silero: reset: %w", err)
	}
	segments, err := d.sd.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("silero: detect: %w", err)
	}

	voiced := make([]float32, 0, len(samples))
	for _, seg := range segments {
		// Segment boundaries arrive in seconds.
		start := int(seg.SpeechStartAt * float64(d.sampleRate))
		end := len(samples)
		if seg.SpeechEndAt > 0 {
			end = int(seg.SpeechEndAt * float64(d.sampleRate))
		}
		if start < 0 {
			start = 0
		}
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			continue
		}
		voiced = append(voiced, samples[start:end]...)
	}
	return voiced, nil
}

// Reset returns the detector to fresh state.
func (d *Detector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sd.Reset(); err != nil {
		return fmt.Errorf("silero: reset: %w", err)
	}
	return nil
}

// Close destroys the underlying ONNX session. The detector must not be used
// afterwards.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sd == nil {
		return nil
	}
	err := d.sd.Destroy()
	d.sd = nil
	if err != nil {
		return fmt.Errorf("silero: destroy: %w", err)
	}
	return nil
}
