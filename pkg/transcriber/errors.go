package transcriber

import "errors"

var (
	// ErrInvalidParameter marks a missing builder field, zero capacity or
	// zero sample rate.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrModelNotFound is returned when the retriever cannot resolve a model ID.
	ErrModelNotFound = errors.New("model not found")

	// ErrModelLoadFailed is returned when decoder construction fails.
	ErrModelLoadFailed = errors.New("model load failed")

	// ErrDecoderFailed is returned when the acoustic model errors on a window.
	ErrDecoderFailed = errors.New("decoder failed")

	// ErrVAD is returned when the voice activity detector errors on a slice.
	ErrVAD = errors.New("voice activity detection failed")

	// ErrChannelClosed marks a send to an abandoned output channel.
	ErrChannelClosed = errors.New("output channel closed")
)
