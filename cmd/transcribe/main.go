package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jordan-clayton/ribble-whisper/pkg/audio"
	"github.com/jordan-clayton/ribble-whisper/pkg/decoder/whispercpp"
	"github.com/jordan-clayton/ribble-whisper/pkg/model"
	"github.com/jordan-clayton/ribble-whisper/pkg/server"
	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
	"github.com/jordan-clayton/ribble-whisper/pkg/vad/silero"
)

// stdLogger adapts the standard library logger to the transcriber Logger.
type stdLogger struct{}

func (s *stdLogger) log(level, msg string, args []interface{}) {
	if len(args) == 0 {
		log.Printf("%s %s", level, msg)
		return
	}
	log.Printf("%s %s %v", level, msg, args)
}

func (s *stdLogger) Debug(msg string, args ...interface{}) {}
func (s *stdLogger) Info(msg string, args ...interface{})  { s.log("INFO", msg, args) }
func (s *stdLogger) Warn(msg string, args ...interface{})  { s.log("WARN", msg, args) }
func (s *stdLogger) Error(msg string, args ...interface{}) { s.log("ERROR", msg, args) }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	var (
		filePath   = flag.String("file", "", "transcribe a 16-bit PCM WAV file instead of the microphone")
		modelID    = flag.String("model", envOr("WHISPER_MODEL", ""), "whisper model path or ID")
		modelsDir  = flag.String("models-dir", envOr("WHISPER_MODELS_DIR", "models"), "directory of ggml model files")
		sileroPath = flag.String("silero", envOr("SILERO_MODEL", ""), "silero VAD onnx model path (empty uses energy VAD)")
		language   = flag.String("language", envOr("LANGUAGE", "auto"), "language code, or auto")
		translate  = flag.Bool("translate", false, "translate the transcript into English")
		threads    = flag.Int("threads", 0, "decoder threads (0 = default)")
		timeoutSec = flag.Int("timeout", 0, "session timeout in seconds (0 = unbounded)")
		listenAddr = flag.String("listen", "", "serve snapshots to websocket clients on this address")
	)
	flag.Parse()

	if *modelID == "" {
		log.Fatal("Error: a whisper model must be set via -model or WHISPER_MODEL")
	}

	cfg := transcriber.DefaultConfig()
	cfg.ModelID = *modelID
	cfg.Language = *language
	cfg.Translate = *translate
	cfg.Threads = *threads
	cfg.SessionTimeoutMS = *timeoutSec * 1000

	logger := &stdLogger{}
	retriever := model.NewDir(*modelsDir)
	provider := &whispercpp.Provider{
		Language:  cfg.Language,
		Translate: cfg.Translate,
		Threads:   cfg.Threads,
	}

	gate, cleanup, err := buildVoiceGate(*sileroPath, cfg.SampleRate)
	if err != nil {
		log.Fatalf("Error: failed to set up VAD: %v", err)
	}
	defer cleanup()

	if *filePath != "" {
		runFile(cfg, retriever, provider, gate, logger, *filePath)
		return
	}
	runRealtime(cfg, retriever, provider, gate, logger, *listenAddr)
}

func buildVoiceGate(sileroPath string, sampleRate int) (*transcriber.VoiceGate, func(), error) {
	if sileroPath == "" {
		gate, err := transcriber.NewVoiceGate(transcriber.NewEnergyVAD(0, 0, sampleRate))
		return gate, func() {}, err
	}
	detector, err := silero.New(silero.Config{
		ModelPath:  sileroPath,
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, nil, err
	}
	gate, err := transcriber.NewVoiceGate(detector)
	if err != nil {
		detector.Close()
		return nil, nil, err
	}
	return gate, func() { detector.Close() }, nil
}

func runFile(cfg transcriber.Config, retriever transcriber.ModelRetriever, provider transcriber.DecoderProvider, gate *transcriber.VoiceGate, logger transcriber.Logger, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error: failed to read %s: %v", path, err)
	}
	samples, rate, err := audio.DecodeWav(data)
	if err != nil {
		log.Fatalf("Error: failed to decode %s: %v", path, err)
	}
	if rate != cfg.SampleRate {
		log.Fatalf("Error: %s is sampled at %d Hz, expected %d Hz", path, rate, cfg.SampleRate)
	}

	ot, err := transcriber.NewOfflineTranscriber(cfg, retriever, provider, gate, logger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	ot.OnSegment = func(seg transcriber.Segment) {
		fmt.Printf("[%6.2fs -> %6.2fs] %s\n", float64(seg.StartCS)/100, float64(seg.EndCS)/100, seg.Text)
	}

	text, err := ot.Transcribe(context.Background(), samples)
	if err != nil {
		log.Fatalf("Error: transcription failed: %v", err)
	}
	fmt.Println(text)
}

func runRealtime(cfg transcriber.Config, retriever transcriber.ModelRetriever, provider transcriber.DecoderProvider, gate *transcriber.VoiceGate, logger transcriber.Logger, listenAddr string) {
	ring, err := transcriber.NewAudioRing(cfg.RingCapacityMS, cfg.SampleRate)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	rt, err := transcriber.NewStreamBuilder().
		WithConfig(cfg).
		WithRing(ring).
		WithVoiceGate(gate).
		WithModelRetriever(retriever).
		WithDecoderProvider(provider).
		WithLogger(logger).
		Build()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	capture, err := audio.NewCapture(audio.CaptureConfig{SampleRate: cfg.SampleRate}, audio.NewRingSink(ring))
	if err != nil {
		log.Fatalf("Error: failed to open microphone: %v", err)
	}
	defer capture.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	render := func(out transcriber.WhisperOutput) {
		switch {
		case out.Snapshot != nil:
			fmt.Printf("\r\033[K%s", out.Snapshot.String())
		case out.Control == transcriber.ControlDebug:
			// Debug traffic stays off the console.
		case out.Control != "":
			fmt.Printf("\n%s\n", out.Control)
		}
	}

	if listenAddr != "" {
		srv := server.New(logger)
		go srv.Pump(ctx, rt.Outputs(), render)
		go func() {
			log.Printf("serving snapshots on ws://%s", listenAddr)
			if err := http.ListenAndServe(listenAddr, srv); err != nil {
				log.Printf("snapshot server stopped: %v", err)
			}
		}()
	} else {
		go func() {
			for out := range rt.Outputs() {
				render(out)
			}
		}()
	}

	if err := capture.Start(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	// First interrupt drains the buffered tail before exiting; a second one
	// stops immediately.
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nFinishing up... press Ctrl+C again to stop now")
		rt.SlowStop()
		<-sig
		cancel()
	}()

	fmt.Println("Listening. Press Ctrl+C to finish.")
	text, err := rt.RunStream(ctx)
	if err != nil {
		log.Fatalf("Error: transcription failed: %v", err)
	}

	if strings.TrimSpace(text) != "" {
		fmt.Printf("\n\nFinal transcript:\n%s\n", text)
	} else {
		fmt.Println("\n\nNo speech transcribed.")
	}
}
