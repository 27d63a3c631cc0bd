package transcriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubVAD struct {
	voiced bool
}

func (s *stubVAD) VoiceDetected(samples []float32) (bool, error) {
	return s.voiced, nil
}

func (s *stubVAD) ExtractVoicedFrames(samples []float32) ([]float32, error) {
	if !s.voiced {
		return nil, nil
	}
	return samples, nil
}

func (s *stubVAD) Reset() error {
	return nil
}

type stubRetriever struct {
	missing bool
}

func (s *stubRetriever) Retrieve(modelID string) (ModelLocation, bool) {
	if s.missing {
		return ModelLocation{}, false
	}
	return ModelLocation{Path: "stub.bin"}, true
}

type stubDecoder struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	lens    []int
	decode  func(call int, samples []float32, prompt string) ([]Segment, error)

	onSegment func(Segment)
}

func (d *stubDecoder) Decode(samples []float32, prompt string) ([]Segment, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.prompts = append(d.prompts, prompt)
	d.lens = append(d.lens, len(samples))
	d.mu.Unlock()

	if d.decode == nil {
		return nil, nil
	}
	segs, err := d.decode(call, samples, prompt)
	if d.onSegment != nil {
		for _, s := range segs {
			d.onSegment(s)
		}
	}
	return segs, err
}

func (d *stubDecoder) SetSegmentCallback(fn func(Segment)) {
	d.onSegment = fn
}

func (d *stubDecoder) Close() error {
	return nil
}

func (d *stubDecoder) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubProvider struct {
	decoder *stubDecoder
	err     error
}

func (p *stubProvider) NewDecoder(loc ModelLocation) (Decoder, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.decoder, nil
}

// outputCollector drains a transcriber's output channel on its own goroutine.
type outputCollector struct {
	mu      sync.Mutex
	outputs []WhisperOutput
	done    chan struct{}
}

func collectOutputs(out <-chan WhisperOutput) *outputCollector {
	c := &outputCollector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for o := range out {
			c.mu.Lock()
			c.outputs = append(c.outputs, o)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *outputCollector) sawControl(phrase ControlPhrase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.outputs {
		if o.Control == phrase {
			return true
		}
	}
	return false
}

func (c *outputCollector) snapshots() []*TranscriptionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var snaps []*TranscriptionSnapshot
	for _, o := range c.outputs {
		if o.Snapshot != nil {
			snaps = append(snaps, o.Snapshot)
		}
	}
	return snaps
}

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.ModelID = "tiny-test"
	cfg.VADWindowMS = 10
	cfg.DecodeWindowMS = 100
	cfg.MinSampleMS = 10
	cfg.RingCapacityMS = 100
	cfg.RetainOnRotateMS = 20
	cfg.VADPauseTimeoutMS = 50
	return cfg
}

func buildTestTranscriber(t *testing.T, cfg Config, vad VAD, dec *stubDecoder) (*RealtimeTranscriber, *AudioRing) {
	t.Helper()
	ring, err := NewAudioRing(cfg.RingCapacityMS, cfg.SampleRate)
	if err != nil {
		t.Fatalf("failed to build ring: %v", err)
	}
	tr, err := NewStreamBuilder().
		WithConfig(cfg).
		WithRing(ring).
		WithVAD(vad).
		WithModelRetriever(&stubRetriever{}).
		WithDecoderProvider(&stubProvider{decoder: dec}).
		Build()
	if err != nil {
		t.Fatalf("failed to build transcriber: %v", err)
	}
	return tr, ring
}

func TestStreamBuilder_MissingFields(t *testing.T) {
	cfg := fastTestConfig()
	ring, _ := NewAudioRing(cfg.RingCapacityMS, cfg.SampleRate)
	vad := &stubVAD{}
	provider := &stubProvider{decoder: &stubDecoder{}}
	retriever := &stubRetriever{}

	cases := []struct {
		name    string
		builder *StreamBuilder
	}{
		{"no config", NewStreamBuilder().WithRing(ring).WithVAD(vad).WithModelRetriever(retriever).WithDecoderProvider(provider)},
		{"no ring", NewStreamBuilder().WithConfig(cfg).WithVAD(vad).WithModelRetriever(retriever).WithDecoderProvider(provider)},
		{"no gate", NewStreamBuilder().WithConfig(cfg).WithRing(ring).WithModelRetriever(retriever).WithDecoderProvider(provider)},
		{"no retriever", NewStreamBuilder().WithConfig(cfg).WithRing(ring).WithVAD(vad).WithDecoderProvider(provider)},
		{"no provider", NewStreamBuilder().WithConfig(cfg).WithRing(ring).WithVAD(vad).WithModelRetriever(retriever)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.builder.Build(); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("expected ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestStreamBuilder_MissingModelID(t *testing.T) {
	cfg := fastTestConfig()
	cfg.ModelID = ""
	ring, _ := NewAudioRing(cfg.RingCapacityMS, cfg.SampleRate)
	_, err := NewStreamBuilder().
		WithConfig(cfg).
		WithRing(ring).
		WithVAD(&stubVAD{}).
		WithModelRetriever(&stubRetriever{}).
		WithDecoderProvider(&stubProvider{decoder: &stubDecoder{}}).
		Build()
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestRunStream_ModelNotFound(t *testing.T) {
	cfg := fastTestConfig()
	dec := &stubDecoder{}
	tr, _ := buildTestTranscriber(t, cfg, &stubVAD{}, dec)
	tr.retriever = &stubRetriever{missing: true}

	if _, err := tr.RunStream(context.Background()); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestRunStream_ModelLoadFailure(t *testing.T) {
	cfg := fastTestConfig()
	dec := &stubDecoder{}
	tr, _ := buildTestTranscriber(t, cfg, &stubVAD{}, dec)
	tr.provider = &stubProvider{err: errors.New("corrupt model file")}

	if _, err := tr.RunStream(context.Background()); !errors.Is(err, ErrModelLoadFailed) {
		t.Errorf("expected ErrModelLoadFailed, got %v", err)
	}
}

func TestRunStream_SilenceNeverDecodes(t *testing.T) {
	cfg := fastTestConfig()
	dec := &stubDecoder{}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: false}, dec)

	ring.Push(make([]float32, ring.Capacity()))

	collector := collectOutputs(tr.Outputs())
	result := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		text, err := tr.RunStream(context.Background())
		result <- text
		errc <- err
	}()

	deadline := time.After(3 * time.Second)
	for !collector.sawControl(ControlPauseDetected) {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a pause to be detected")
		case <-time.After(20 * time.Millisecond):
		}
	}
	tr.Stop()

	text := <-result
	if err := <-errc; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "" {
		t.Errorf("expected an empty transcript from silence, got %q", text)
	}
	if dec.callCount() != 0 {
		t.Errorf("expected the decoder to never run on silence, got %d calls", dec.callCount())
	}
	if len(collector.snapshots()) == 0 {
		t.Error("expected at least one snapshot from the confirmed pause")
	}
}

func TestRunStream_DecodesVoicedAudio(t *testing.T) {
	cfg := fastTestConfig()
	cfg.RingCapacityMS = 1000 // large enough that no rotation happens
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			return []Segment{{Text: "hello world", StartCS: 0, EndCS: 100}}, nil
		},
	}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)

	ring.Push(toneSamples(cfg.SampleRate/2, 0.5))

	collector := collectOutputs(tr.Outputs())
	result := make(chan string, 1)
	go func() {
		text, _ := tr.RunStream(context.Background())
		result <- text
	}()

	deadline := time.After(3 * time.Second)
	for dec.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a decode")
		case <-time.After(20 * time.Millisecond):
		}
	}
	tr.Stop()

	text := <-result
	if text != "hello world" {
		t.Errorf("expected transcript %q, got %q", "hello world", text)
	}

	snaps := collector.snapshots()
	if len(snaps) == 0 {
		t.Fatal("expected at least one snapshot")
	}
	last := snaps[len(snaps)-1]
	if len(last.Tentative) == 0 || last.Tentative[0] != "hello world" {
		t.Errorf("expected tentative tail to carry the decoded text, got %+v", last.Tentative)
	}
}

func TestRunStream_RotationRetainsTailAndPrimesContext(t *testing.T) {
	cfg := fastTestConfig()
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			if call == 1 {
				return []Segment{{Text: "first window"}}, nil
			}
			return []Segment{{Text: "window two"}}, nil
		},
	}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)

	// Fill the ring exactly to capacity so the first decode triggers rotation.
	ring.Push(toneSamples(ring.Capacity(), 0.5))

	result := make(chan string, 1)
	go func() {
		text, _ := tr.RunStream(context.Background())
		result <- text
	}()

	deadline := time.After(3 * time.Second)
	for dec.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the post-rotation decode")
		case <-time.After(20 * time.Millisecond):
		}
	}
	tr.Stop()
	<-result

	dec.mu.Lock()
	defer dec.mu.Unlock()

	if dec.lens[0] != ring.Capacity() {
		t.Errorf("expected first decode over the full window of %d samples, got %d", ring.Capacity(), dec.lens[0])
	}
	retained := cfg.RetainOnRotateMS * cfg.SampleRate / 1000
	if dec.lens[1] != retained {
		t.Errorf("expected post-rotation decode over the retained %d samples, got %d", retained, dec.lens[1])
	}
	if dec.prompts[0] != "" {
		t.Errorf("expected no priming before rotation, got %q", dec.prompts[0])
	}
	if dec.prompts[1] != "first window" {
		t.Errorf("expected the post-rotation decode primed with prior text, got %q", dec.prompts[1])
	}
}

func TestRunStream_SlowStopRunsFinalDecode(t *testing.T) {
	cfg := fastTestConfig()
	cfg.RingCapacityMS = 1000
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			return []Segment{{Text: "the final tail"}}, nil
		},
	}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)
	ring.Push(toneSamples(cfg.SampleRate/4, 0.5))

	result := make(chan string, 1)
	go func() {
		text, _ := tr.RunStream(context.Background())
		result <- text
	}()

	deadline := time.After(3 * time.Second)
	for dec.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a decode")
		case <-time.After(20 * time.Millisecond):
		}
	}
	before := dec.callCount()
	tr.SlowStop()

	text := <-result
	if dec.callCount() <= before {
		t.Error("expected one more decode during slow stop")
	}
	if !strings.Contains(text, "the final tail") {
		t.Errorf("expected the final transcript to include the tail, got %q", text)
	}
}

func TestRunStream_SessionTimeout(t *testing.T) {
	cfg := fastTestConfig()
	cfg.RingCapacityMS = 1000
	cfg.SessionTimeoutMS = 150
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			return []Segment{{Text: "still talking"}}, nil
		},
	}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)
	ring.Push(toneSamples(cfg.SampleRate/4, 0.5))

	collector := collectOutputs(tr.Outputs())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := tr.RunStream(context.Background()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the session to time out on its own")
	}
	if !collector.sawControl(ControlTimeoutElapsed) {
		t.Error("expected a timeout control phrase before shutdown")
	}
}

func TestRunStream_DecoderErrorIsFatal(t *testing.T) {
	cfg := fastTestConfig()
	cfg.RingCapacityMS = 1000
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			return nil, errors.New("inference blew up")
		},
	}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)
	ring.Push(toneSamples(cfg.SampleRate/4, 0.5))

	_, err := tr.RunStream(context.Background())
	if !errors.Is(err, ErrDecoderFailed) {
		t.Errorf("expected ErrDecoderFailed, got %v", err)
	}
}

func TestRunStream_CancellationBeatsDecoderError(t *testing.T) {
	cfg := fastTestConfig()
	cfg.RingCapacityMS = 1000
	var tr *RealtimeTranscriber
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			tr.Stop()
			return nil, errors.New("interrupted mid-decode")
		},
	}
	var ring *AudioRing
	tr, ring = buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)
	ring.Push(toneSamples(cfg.SampleRate/4, 0.5))

	text, err := tr.RunStream(context.Background())
	if err != nil {
		t.Errorf("expected cancellation to win over the decoder error, got %v", err)
	}
	if text != "" {
		t.Errorf("expected an empty transcript, got %q", text)
	}
}

func TestRunStream_VADErrorIsFatal(t *testing.T) {
	cfg := fastTestConfig()
	dec := &stubDecoder{}
	tr, ring := buildTestTranscriber(t, cfg, &failingVAD{}, dec)
	ring.Push(toneSamples(cfg.SampleRate/4, 0.5))

	if _, err := tr.RunStream(context.Background()); !errors.Is(err, ErrVAD) {
		t.Errorf("expected ErrVAD, got %v", err)
	}
}

func TestRunStream_ContextCancelReturnsTranscript(t *testing.T) {
	cfg := fastTestConfig()
	cfg.RingCapacityMS = 1000
	dec := &stubDecoder{
		decode: func(call int, samples []float32, prompt string) ([]Segment, error) {
			return []Segment{{Text: "partial speech"}}, nil
		},
	}
	tr, ring := buildTestTranscriber(t, cfg, &stubVAD{voiced: true}, dec)
	ring.Push(toneSamples(cfg.SampleRate/4, 0.5))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan string, 1)
	go func() {
		text, _ := tr.RunStream(ctx)
		result <- text
	}()

	deadline := time.After(3 * time.Second)
	for dec.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a decode")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()

	if text := <-result; text != "partial speech" {
		t.Errorf("expected the partial transcript on cancellation, got %q", text)
	}
}
