package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
)

// SampleSink receives PCM frames from the capture callback. Push must not
// block; the callback runs on the audio device thread.
type SampleSink interface {
	Push(samples []float32)
}

// RingSink writes captured audio straight into the shared ring the streaming
// loop reads from. This is the closed-loop path: capture feeds transcription
// and nothing else.
type RingSink struct {
	ring *transcriber.AudioRing
}

func NewRingSink(ring *transcriber.AudioRing) *RingSink {
	return &RingSink{ring: ring}
}

func (s *RingSink) Push(samples []float32) {
	s.ring.Push(samples)
}

// ChannelSink fans captured audio out over a bounded channel, for callers
// that process audio concurrently with transcription. Frames are dropped
// when the consumer falls behind; the capture thread never blocks.
type ChannelSink struct {
	ch      chan []float32
	mu      sync.Mutex
	dropped int
}

func NewChannelSink(depth int) *ChannelSink {
	if depth <= 0 {
		depth = 32
	}
	return &ChannelSink{ch: make(chan []float32, depth)}
}

// Frames returns the channel carrying captured frames.
func (s *ChannelSink) Frames() <-chan []float32 {
	return s.ch
}

// Dropped reports how many frames were discarded because the channel was full.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ChannelSink) Push(samples []float32) {
	out := make([]float32, len(samples))
	copy(out, samples)
	select {
	case s.ch <- out:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// FanoutSink duplicates frames to several sinks.
type FanoutSink []SampleSink

func (s FanoutSink) Push(samples []float32) {
	for _, sink := range s {
		sink.Push(samples)
	}
}

// CaptureConfig sets the microphone parameters. The zero value records
// whisper-ready audio: 16 kHz mono float32.
type CaptureConfig struct {
	SampleRate int
	Channels   int
}

// Capture owns a malgo context and capture device, forwarding microphone
// frames to a SampleSink.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewCapture initializes the audio backend and opens the default capture
// device. Call Start to begin recording and Close to release the device.
func NewCapture(cfg CaptureConfig, sink SampleSink) (*Capture, error) {
	if sink == nil {
		return nil, fmt.Errorf("capture requires a sink")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = transcriber.WhisperSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput == nil {
			return
		}
		sink.Push(bytesToFloat32(pInput))
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	return &Capture{ctx: mctx, device: device}, nil
}

// Start begins recording.
func (c *Capture) Start() error {
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

// Stop pauses recording without releasing the device.
func (c *Capture) Stop() error {
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

// Close releases the device and the audio backend.
func (c *Capture) Close() {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	if c.ctx != nil {
		c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

func bytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
