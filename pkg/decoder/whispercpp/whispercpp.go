// Package whispercpp implements the transcriber Decoder on top of the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whispercpp

import (
	"fmt"
	"os"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
)

// Compile-time assertions against the core interfaces.
var (
	_ transcriber.DecoderProvider        = (*Provider)(nil)
	_ transcriber.Decoder                = (*Decoder)(nil)
	_ transcriber.SegmentCallbackDecoder = (*Decoder)(nil)
)

// Provider loads whisper models and hands out decoders. The zero value is
// usable; fields tune every decoder it creates.
type Provider struct {
	// Language code ("en", "de", ...); empty or "auto" lets whisper detect.
	Language string
	// Translate asks whisper to translate into English.
	Translate bool
	// Threads used per decode; 0 keeps the binding default.
	Threads int
}

// NewDecoder loads the model at the given location. The C API only loads
// from disk, so an in-memory buffer is spilled to a temporary file that is
// removed again once the model has been read.
func (p *Provider) NewDecoder(loc transcriber.ModelLocation) (transcriber.Decoder, error) {
	path := loc.Path
	if path == "" {
		if len(loc.Buffer) == 0 {
			return nil, fmt.Errorf("model location has neither a path nor a buffer")
		}
		tmp, err := os.CreateTemp("", "whisper-model-*.bin")
		if err != nil {
			return nil, fmt.Errorf("spill model buffer: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(loc.Buffer); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("spill model buffer: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return nil, fmt.Errorf("spill model buffer: %w", err)
		}
		path = tmp.Name()
	}

	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", path, err)
	}
	return &Decoder{
		model:     m,
		language:  p.Language,
		translate: p.Translate,
		threads:   p.Threads,
	}, nil
}

// Decoder runs whisper.cpp inference over audio windows. It is not safe for
// concurrent use; the model is shared but each Decode creates a fresh
// whisper context because contexts are single-threaded.
type Decoder struct {
	model     whisperlib.Model
	language  string
	translate bool
	threads   int

	onSegment func(transcriber.Segment)
}

// SetSegmentCallback installs a hook that receives each segment as whisper
// emits it mid-decode. The bindings bridge the hook through the C new-segment
// callback; the closure must stay reachable for the duration of Decode, which
// holding it on the receiver guarantees.
func (d *Decoder) SetSegmentCallback(fn func(transcriber.Segment)) {
	d.onSegment = fn
}

// Decode runs the full model over the window and returns the ordered
// segments with centisecond timestamps. A non-empty prompt is fed to whisper
// as the initial prompt, priming the decode with prior transcribed text.
func (d *Decoder) Decode(samples []float32, prompt string) ([]transcriber.Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	ctx, err := d.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}

	if d.threads > 0 {
		ctx.SetThreads(uint(d.threads))
	}
	ctx.SetTranslate(d.translate)
	if lang := strings.TrimSpace(d.language); lang != "" && lang != "auto" {
		if err := ctx.SetLanguage(lang); err != nil {
			return nil, fmt.Errorf("set language %q: %w", lang, err)
		}
	}
	if prompt != "" {
		ctx.SetInitialPrompt(prompt)
	}

	var segments []transcriber.Segment
	segmentCb := func(seg whisperlib.Segment) {
		out := transcriber.Segment{
			Text:    strings.TrimSpace(seg.Text),
			StartCS: int64(seg.Start / (10 * time.Millisecond)),
			EndCS:   int64(seg.End / (10 * time.Millisecond)),
		}
		segments = append(segments, out)
		if d.onSegment != nil {
			d.onSegment(out)
		}
	}

	if err := ctx.Process(samples, nil, segmentCb, nil); err != nil {
		return nil, fmt.Errorf("whisper inference: %w", err)
	}
	return segments, nil
}

// Close releases the underlying model.
func (d *Decoder) Close() error {
	if d.model != nil {
		return d.model.Close()
	}
	return nil
}
