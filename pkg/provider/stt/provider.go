// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes the
// turn-boundary stream the orchestrator consumes: once opened, a session
// accepts raw PCM audio frames and emits one [Utterance] per end-of-turn,
// carrying the final transcript together with the timing metadata the
// interruption classifier needs. Speech that resumes after an apparent pause
// is folded into the same utterance with the resumed flag set, rather than
// emitted as two.
//
// Implementations must be safe for concurrent use. Audio input and utterance
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/candorlabs/viva/internal/classify"
)

// StreamConfig describes the audio format for a new STT session. All fields
// must be compatible with what the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (browser capture).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// Utterance is one end-of-turn event: the student finished speaking.
type Utterance struct {
	// Text is the final transcript for the whole turn.
	Text string

	// Metadata carries the timing signals the interruption classifier uses.
	// HadTurnResumed is set when the student kept talking after an apparent
	// pause within this same turn.
	Metadata classify.TurnMetadata

	// Confidence is the provider's recognition confidence in [0, 1].
	Confidence float64
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to
// do so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the format agreed in StreamConfig. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Utterances returns a read-only channel emitting one value per
	// end-of-turn. The channel is closed when the session ends.
	Utterances() <-chan Utterance

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Utterances channel is
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously, one per connected student.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns
	// the handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
