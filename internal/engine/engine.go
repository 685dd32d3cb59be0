// Package engine defines the Engine interface and its supporting types.
//
// An Engine is the conversational brain of a proctoring session: given the
// restored session fields and the student's latest utterance, it decides what
// the examiner says next and whether the exam moves to the next item. The
// decision arrives as a stream of tagged events so the orchestrator can speak
// an early acknowledgment while the engine keeps working on the substantive
// answer.
//
// A turn's event stream contains zero or more [EventAcknowledgment] events,
// zero or one [EventAdvance] event, and exactly one terminating [EventFinal]
// event. How the engine reaches its decision (which model, which tools) is an
// implementation detail; the orchestrator only consumes the tagged stream.
//
// Implementations are provided by provider-specific packages. The interface is
// intentionally narrow so that the orchestrator remains provider-agnostic.
package engine

import (
	"context"
	"time"

	"github.com/candorlabs/viva/internal/questionbank"
)

// EventKind discriminates the variants of a turn [Event].
type EventKind int

const (
	// EventAcknowledgment carries a short utterance to speak immediately,
	// before the engine has finished the turn.
	EventAcknowledgment EventKind = iota

	// EventAdvance carries the decision to move the session to the next item.
	EventAdvance

	// EventFinal carries the substantive response and terminates the stream.
	EventFinal
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAcknowledgment:
		return "acknowledgment"
	case EventAdvance:
		return "advance"
	case EventFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Completion describes how the student handled an item, as judged by the
// engine when it decides to advance.
type Completion string

const (
	CompletionAnswered Completion = "answered"
	CompletionSkipped  Completion = "skipped"
	CompletionPartial  Completion = "partial"
)

// ResponseKind tags a final response for UI side-channel display. It never
// affects orchestration.
type ResponseKind string

const (
	ResponseQuestion    ResponseKind = "question"
	ResponseFeedback    ResponseKind = "feedback"
	ResponseInstruction ResponseKind = "instruction"
)

// Advance is the payload of an [EventAdvance] event.
type Advance struct {
	// NewPosition is the zero-based index the session moves to.
	NewPosition int

	// Completion is the engine's judgement of the item just finished.
	Completion Completion
}

// Event is one tagged element of a turn's event stream.
type Event struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind EventKind

	// Text is the utterance for [EventAcknowledgment] and [EventFinal] events.
	Text string

	// ResponseKind tags the final response. Set only on [EventFinal].
	ResponseKind ResponseKind

	// Choices optionally lists answer options to mirror on the UI side
	// channel. Set only on [EventFinal]. Never spoken.
	Choices []string

	// Advance is the position decision. Set only on [EventAdvance].
	Advance *Advance
}

// TurnInput bundles everything the engine needs for one turn: the restored
// session fields plus the student's new utterance.
type TurnInput struct {
	// SessionID identifies the session this turn belongs to.
	SessionID string

	// Utterance is the student's transcribed speech. For the synthetic
	// first-contact turn this is an internal marker, not real speech.
	Utterance string

	// Synthetic is true for the first-contact marker turn. The engine must
	// only greet on a synthetic turn; advancing position is a protocol
	// violation.
	Synthetic bool

	// Started reports whether the greeting has already been given.
	Started bool

	// Position is the session's current zero-based item index.
	Position int

	// TotalItems is the length of the exam sequence.
	TotalItems int

	// Item is the cached item at Position. Nil on the synthetic turn.
	Item *questionbank.Item

	// SessionElapsed is the time since the session started.
	SessionElapsed time.Duration

	// SessionRemaining is the time left before the session expires.
	SessionRemaining time.Duration

	// PositionElapsed is the time spent on the current item so far.
	PositionElapsed time.Duration
}

// Engine decides what the examiner says and when the exam advances.
//
// A single Engine instance may serve many sessions, but at most one
// [Engine.StartTurn] invocation should be live per session at a time; the
// orchestrator cancels a stale invocation before starting a new one.
//
// Cancelling the context passed to StartTurn aborts the in-flight turn and
// closes the event channel.
type Engine interface {
	// StartTurn begins processing one turn and returns a channel of tagged
	// events. The channel is closed after the [EventFinal] event, on error,
	// or when ctx is cancelled. A stream that closes without an EventFinal
	// and without ctx being cancelled indicates an engine failure; the
	// orchestrator treats the turn as failed.
	//
	// An error is returned only when the turn cannot be started at all.
	StartTurn(ctx context.Context, input TurnInput) (<-chan Event, error)

	// Close releases all resources held by the engine. Safe to call multiple
	// times; subsequent calls return nil.
	Close() error
}
