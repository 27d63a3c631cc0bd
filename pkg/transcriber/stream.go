package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// pauseDuration is how long the loop sleeps when pacing or when there is not
// yet enough audio to examine.
const pauseDuration = 100 * time.Millisecond

// StreamBuilder assembles a RealtimeTranscriber. All collaborators except the
// logger and output channel are required; Build fails with
// ErrInvalidParameter when one is missing.
type StreamBuilder struct {
	cfg       *Config
	ring      *AudioRing
	gate      *VoiceGate
	retriever ModelRetriever
	provider  DecoderProvider
	out       chan WhisperOutput
	logger    Logger
}

func NewStreamBuilder() *StreamBuilder {
	return &StreamBuilder{}
}

func (b *StreamBuilder) WithConfig(cfg Config) *StreamBuilder {
	b.cfg = &cfg
	return b
}

// WithRing sets the shared audio ring the capture side writes into.
func (b *StreamBuilder) WithRing(ring *AudioRing) *StreamBuilder {
	b.ring = ring
	return b
}

func (b *StreamBuilder) WithVoiceGate(gate *VoiceGate) *StreamBuilder {
	b.gate = gate
	return b
}

// WithVAD wraps a bare detector in a VoiceGate. Convenience for callers that
// do not share the detector across contexts.
func (b *StreamBuilder) WithVAD(vad VAD) *StreamBuilder {
	if vad != nil {
		b.gate, _ = NewVoiceGate(vad)
	}
	return b
}

func (b *StreamBuilder) WithModelRetriever(retriever ModelRetriever) *StreamBuilder {
	b.retriever = retriever
	return b
}

func (b *StreamBuilder) WithDecoderProvider(provider DecoderProvider) *StreamBuilder {
	b.provider = provider
	return b
}

// WithOutput supplies the channel snapshots and control phrases are published
// on. When unset, Build allocates one of Config.OutputDepth.
func (b *StreamBuilder) WithOutput(out chan WhisperOutput) *StreamBuilder {
	b.out = out
	return b
}

func (b *StreamBuilder) WithLogger(logger Logger) *StreamBuilder {
	b.logger = logger
	return b
}

func (b *StreamBuilder) Build() (*RealtimeTranscriber, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("%w: stream builder is missing a config", ErrInvalidParameter)
	}
	if b.cfg.ModelID == "" {
		return nil, fmt.Errorf("%w: config is missing a model ID", ErrInvalidParameter)
	}
	if b.cfg.SampleRate <= 0 || b.cfg.VADWindowMS <= 0 {
		return nil, fmt.Errorf("%w: sample rate and VAD window must be positive", ErrInvalidParameter)
	}
	if b.ring == nil {
		return nil, fmt.Errorf("%w: stream builder is missing an audio ring", ErrInvalidParameter)
	}
	if b.gate == nil {
		return nil, fmt.Errorf("%w: stream builder is missing a voice gate", ErrInvalidParameter)
	}
	if b.retriever == nil {
		return nil, fmt.Errorf("%w: stream builder is missing a model retriever", ErrInvalidParameter)
	}
	if b.provider == nil {
		return nil, fmt.Errorf("%w: stream builder is missing a decoder provider", ErrInvalidParameter)
	}

	out := b.out
	if out == nil {
		depth := b.cfg.OutputDepth
		if depth <= 0 {
			depth = DefaultConfig().OutputDepth
		}
		out = make(chan WhisperOutput, depth)
	}
	logger := b.logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	return &RealtimeTranscriber{
		cfg:       *b.cfg,
		ring:      b.ring,
		gate:      b.gate,
		retriever: b.retriever,
		provider:  b.provider,
		out:       out,
		logger:    logger,
		rec:       newReconciler(),
	}, nil
}

// RealtimeTranscriber runs the streaming transcription loop: it paces reads
// from the shared audio ring, gates the expensive decoder behind voice
// activity, reconciles overlapping decoder outputs into a growing transcript
// and publishes snapshots. One RunStream call owns the loop; capture and
// snapshot consumption run on their own goroutines.
type RealtimeTranscriber struct {
	cfg       Config
	ring      *AudioRing
	gate      *VoiceGate
	retriever ModelRetriever
	provider  DecoderProvider
	out       chan WhisperOutput
	logger    Logger
	rec       reconciler

	ready    atomic.Bool
	stopped  atomic.Bool
	slowStop atomic.Bool
}

// Outputs returns the channel carrying snapshots and control phrases.
func (t *RealtimeTranscriber) Outputs() <-chan WhisperOutput {
	return t.out
}

// Ready reports whether decoder setup has completed and the loop is running.
func (t *RealtimeTranscriber) Ready() bool {
	return t.ready.Load()
}

// Stop halts the loop at the next iteration boundary. A decode in flight
// runs to completion first.
func (t *RealtimeTranscriber) Stop() {
	t.stopped.Store(true)
}

// SlowStop halts the loop like Stop but performs one final decode over the
// still-buffered audio before returning, so the tail of the session is not
// lost.
func (t *RealtimeTranscriber) SlowStop() {
	t.slowStop.Store(true)
	t.stopped.Store(true)
}

// RunStream runs the transcription loop until the context is cancelled, Stop
// or SlowStop is called, or the session timeout elapses. It returns the final
// transcript. Setup and per-window decoder failures are fatal; when the
// decoder fails after cancellation was already requested, the cancellation
// wins and the transcript gathered so far is returned instead.
func (t *RealtimeTranscriber) RunStream(ctx context.Context) (string, error) {
	t.stopped.Store(false)
	t.slowStop.Store(false)

	t.sendControl(ControlGettingReady, "")

	loc, found := t.retriever.Retrieve(t.cfg.ModelID)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrModelNotFound, t.cfg.ModelID)
	}
	dec, err := t.provider.NewDecoder(loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	defer dec.Close()

	t.ready.Store(true)
	defer t.ready.Store(false)
	t.sendControl(ControlStartSpeaking, "")

	var (
		confirmed string
		working   = make([]Segment, 0, t.cfg.WorkingSetMax+1)
		samples   = make([]float32, 0, t.ring.Capacity())

		// Set when there was too little audio to decode; the next pass skips
		// the voice check and decodes unconditionally so the tail is kept.
		skipVADForceDecode bool
		// Set after a rotation; the next decode is merged into the working
		// set instead of replacing it.
		mergeOnNextPass bool
		// Set after the first pause-timer expiry; a second consecutive expiry
		// confirms the pause.
		pausePendingClear bool
		// Voice has been observed since the ring was last cleared. A session
		// of pure silence never reaches the decoder.
		voicedSinceClear bool
		// Context priming is enabled only for the decode immediately
		// following a rotation.
		useContext bool

		pauseStart   time.Time
		lastTick     = time.Now()
		sessionStart = time.Now()
	)

	vadSamples := t.cfg.VADWindowMS * t.cfg.SampleRate / 1000
	minSamples := t.cfg.MinSampleMS * t.cfg.SampleRate / 1000
	vadWindow := time.Duration(t.cfg.VADWindowMS) * time.Millisecond
	pauseTimeout := time.Duration(t.cfg.VADPauseTimeoutMS) * time.Millisecond
	sessionTimeout := time.Duration(t.cfg.SessionTimeoutMS) * time.Millisecond

	for ctx.Err() == nil && !t.stopped.Load() {
		now := time.Now()
		if now.Sub(lastTick) < vadWindow {
			sleepCtx(ctx, pauseDuration)
			continue
		}
		lastTick = now

		t.ring.ReadInto(t.cfg.VADWindowMS, &samples)
		if len(samples) < vadSamples {
			continue
		}

		pauseDetected := false
		if !skipVADForceDecode {
			voiced, err := t.gate.Voiced(samples)
			if err != nil {
				return "", err
			}
			if voiced {
				voicedSinceClear = true
				pausePendingClear = false
			} else {
				if pauseStart.IsZero() {
					pauseStart = now
				}
				if now.Sub(pauseStart) < pauseTimeout {
					continue
				}
				if pausePendingClear || !voicedSinceClear {
					// Confirmed pause: bake the working set into the prefix
					// and start a fresh window. With no voiced audio buffered
					// there is nothing worth decoding either.
					t.ring.Clear()
					confirmed = t.rec.confirm(confirmed, working)
					working = working[:0]
					t.sendControl(ControlPauseDetected, "")
					t.sendSnapshot(confirmed, working)
					mergeOnNextPass = false
					pausePendingClear = false
					voicedSinceClear = false
					pauseStart = time.Time{}
					continue
				}
				// First expiry: decode the remaining audio so the tail of
				// the utterance is not lost, then expect the confirming
				// expiry on the next unvoiced tick.
				t.sendControl(ControlPauseDetected, "")
				pausePendingClear = true
				pauseDetected = true
			}
		} else {
			pausePendingClear = false
		}
		if !pauseDetected {
			pauseStart = time.Time{}
		}

		t.ring.ReadInto(t.cfg.DecodeWindowMS, &samples)
		if len(samples) < minSamples {
			skipVADForceDecode = true
			continue
		}

		prompt := ""
		if useContext && t.cfg.UseContext {
			prompt = joinSegmentTexts(working)
		}

		segs, err := dec.Decode(samples, prompt)
		if err != nil {
			if ctx.Err() != nil || t.stopped.Load() {
				// Cancellation was already requested; honor it and hand back
				// what was transcribed so far.
				return strings.TrimSpace(t.rec.confirm(confirmed, working)), nil
			}
			return "", fmt.Errorf("%w: %v", ErrDecoderFailed, err)
		}
		if len(segs) == 0 {
			continue
		}
		skipVADForceDecode = false

		if !mergeOnNextPass {
			useContext = false
			if t.ring.LenMS() >= t.ring.CapacityMS() {
				// The window filled: rotate. Keep a short tail of audio so
				// the word straddling the boundary is decoded again, replace
				// the working set with this decode and merge the next one.
				t.ring.ClearRetainBack(t.cfg.RetainOnRotateMS)
				working = append(working[:0], segs...)
				useContext = true
				mergeOnNextPass = true
			} else {
				working = append(working[:0], segs...)
			}
		} else {
			if len(working) == 0 {
				// The working set is empty; nothing to blend against.
				working = append(working, segs...)
				mergeOnNextPass = false
				useContext = false
				continue
			}
			working = t.rec.merge(working, segs)
			confirmed = t.rec.confirm(confirmed, working)
			working = working[:0]
			mergeOnNextPass = false
			useContext = false
		}

		if len(working) > t.cfg.WorkingSetMax {
			surplus := len(working) - t.cfg.WorkingSetMax
			confirmed = t.rec.confirm(confirmed, working[:surplus])
			working = append(working[:0], working[surplus:]...)
		}

		if strings.TrimSpace(confirmed) != "" || len(working) > 0 {
			t.sendSnapshot(confirmed, working)
		}

		if sessionTimeout > 0 && time.Since(sessionStart) > sessionTimeout {
			t.sendControl(ControlTimeoutElapsed, "")
			t.stopped.Store(true)
		}
	}

	if t.slowStop.Load() {
		t.sendControl(ControlSlowStop, "")
		t.ring.ReadInto(t.cfg.DecodeWindowMS, &samples)
		if len(samples) > 0 {
			segs, err := dec.Decode(samples, "")
			switch {
			case err != nil:
				t.logger.Warn("final decode failed during slow stop", "error", err)
			case len(segs) > 0 && mergeOnNextPass:
				working = t.rec.merge(working, segs)
			case len(segs) > 0:
				working = append(working[:0], segs...)
			}
		}
	}

	t.sendControl(ControlEnded, "")
	confirmed = t.rec.confirm(confirmed, working)
	return strings.TrimSpace(confirmed), nil
}

func (t *RealtimeTranscriber) sendSnapshot(confirmed string, working []Segment) {
	texts := make([]string, 0, len(working))
	for _, s := range working {
		texts = append(texts, s.Text)
	}
	snap := &TranscriptionSnapshot{Confirmed: confirmed, Tentative: texts}
	select {
	case t.out <- WhisperOutput{Snapshot: snap}:
	default:
		t.logger.Warn("dropping transcription snapshot, output channel full")
	}
}

func (t *RealtimeTranscriber) sendControl(phrase ControlPhrase, detail string) {
	select {
	case t.out <- WhisperOutput{Control: phrase, Detail: detail}:
	default:
		t.logger.Warn("dropping control phrase, output channel full", "phrase", string(phrase))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
