// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one text segment into playable audio and reports the
// audio's duration, measured from the synthesised samples or estimated when
// the service gives no timing signal. The playback queue relies on that
// duration to pace consecutive segments, so implementations should prefer a
// measured value.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"
)

// Audio is one synthesised speech segment.
type Audio struct {
	// PCM holds raw 16-bit little-endian mono samples.
	PCM []byte

	// SampleRate is the sample rate of PCM in Hz.
	SampleRate int

	// Duration is how long the audio plays for.
	Duration time.Duration
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts one text segment into audio. An error applies to
	// that segment only; the caller decides whether to retry or skip.
	Synthesize(ctx context.Context, text string) (*Audio, error)
}
