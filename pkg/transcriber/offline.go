package transcriber

import (
	"context"
	"fmt"
	"strings"
)

// SegmentCallbackDecoder is implemented by decoders that can report segments
// as they are produced during a decode, bridging the underlying model's
// new-segment hook.
type SegmentCallbackDecoder interface {
	SetSegmentCallback(func(Segment))
}

// OfflineTranscriber decodes a complete clip in one pass. It is the
// whole-file counterpart of the streaming loop: no ring, no pacing, one
// decoder invocation over everything, with optional silence stripping
// through a voice gate beforehand.
type OfflineTranscriber struct {
	cfg       Config
	gate      *VoiceGate
	retriever ModelRetriever
	provider  DecoderProvider
	logger    Logger

	// OnSegment, when set, receives each segment as the decoder produces it
	// if the decoder supports callbacks.
	OnSegment func(Segment)
}

// NewOfflineTranscriber builds a whole-file transcriber. The voice gate is
// optional; when present, unvoiced frames are stripped before decoding.
func NewOfflineTranscriber(cfg Config, retriever ModelRetriever, provider DecoderProvider, gate *VoiceGate, logger Logger) (*OfflineTranscriber, error) {
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("%w: config is missing a model ID", ErrInvalidParameter)
	}
	if retriever == nil {
		return nil, fmt.Errorf("%w: offline transcriber is missing a model retriever", ErrInvalidParameter)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: offline transcriber is missing a decoder provider", ErrInvalidParameter)
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &OfflineTranscriber{
		cfg:       cfg,
		gate:      gate,
		retriever: retriever,
		provider:  provider,
		logger:    logger,
	}, nil
}

// Transcribe decodes the clip and returns the joined segment texts.
func (o *OfflineTranscriber) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	loc, found := o.retriever.Retrieve(o.cfg.ModelID)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrModelNotFound, o.cfg.ModelID)
	}
	dec, err := o.provider.NewDecoder(loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	defer dec.Close()

	if o.gate != nil {
		voiced, err := o.gate.ExtractVoiced(samples)
		if err != nil {
			return "", err
		}
		if len(voiced) == 0 {
			o.logger.Info("no voiced frames in clip, skipping decode")
			return "", nil
		}
		samples = voiced
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if o.OnSegment != nil {
		if cb, ok := dec.(SegmentCallbackDecoder); ok {
			cb.SetSegmentCallback(o.OnSegment)
		}
	}

	segs, err := dec.Decode(samples, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecoderFailed, err)
	}

	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.TrimSpace(joinNonEmpty(parts...)), nil
}
