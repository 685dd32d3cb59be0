// Package checkpoint defines the durable per-session state record and the
// store interface used to persist it across turns and process restarts.
//
// The orchestrator restores a [State] at the start of every inbound turn and
// persists it again after the turn completes. The record therefore has to be
// fully self-describing: position, the cached item at that position, timing
// history, and the one-shot warning flags all travel together.
//
// Serialisation round-trips must be stable: loading a state, mutating
// nothing, and saving it again produces an identical record.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/candorlabs/viva/internal/engine"
	"github.com/candorlabs/viva/internal/questionbank"
)

// ErrNotFound is returned by [Store.Load] when no checkpoint exists for a
// session. Callers treat it as "first contact" and initialise defaults.
var ErrNotFound = errors.New("checkpoint: not found")

// Phase is the lifecycle phase of a session.
type Phase string

const (
	// PhaseNotStarted means no greeting has been given yet.
	PhaseNotStarted Phase = "not_started"

	// PhaseGreeted means the greeting was spoken but no item is underway.
	PhaseGreeted Phase = "greeted"

	// PhaseInProgress means the student is working through the sequence.
	PhaseInProgress Phase = "in_progress"

	// PhaseFinished is terminal: sequence exhausted, time expired, or the
	// session was abandoned. A finished state is never advanced again.
	PhaseFinished Phase = "finished"
)

// PositionTiming records how one finished item went.
type PositionTiming struct {
	// ActualSeconds is the time the student spent on the item.
	ActualSeconds float64 `json:"actual_seconds"`

	// ExpectedSeconds is the item's nominal time budget.
	ExpectedSeconds float64 `json:"expected_seconds"`

	// Status is the engine's completion judgement for the item.
	Status engine.Completion `json:"status"`
}

// State is the durable record for one session. It is the unit of storage for
// [Store] implementations and must marshal deterministically.
type State struct {
	// SessionID identifies the session. Store partition key.
	SessionID string `json:"session_id"`

	// ExamID names the exam sequence the session walks.
	ExamID string `json:"exam_id"`

	// Phase is the session lifecycle phase.
	Phase Phase `json:"phase"`

	// Started reports whether the greeting has been given. Redundant with
	// Phase but kept explicit because the engine input carries it verbatim.
	Started bool `json:"started"`

	// Position is the current zero-based item index.
	Position int `json:"position"`

	// TotalItems is the length of the exam sequence.
	TotalItems int `json:"total_items"`

	// Item caches the item at Position so an ordinary turn never blocks on a
	// content fetch. Refreshed when Position advances.
	Item *questionbank.Item `json:"item,omitempty"`

	// AllottedSeconds is the session's total time budget. Zero means the
	// session is not time-boxed.
	AllottedSeconds float64 `json:"allotted_seconds"`

	// StartedAt is when the greeting was given. Zero until Started.
	StartedAt time.Time `json:"started_at"`

	// PositionStartedAt is when work on the current item began.
	PositionStartedAt time.Time `json:"position_started_at"`

	// Timing maps finished positions to their timing records.
	Timing map[int]PositionTiming `json:"timing"`

	// One-shot remaining-time warnings. Each fires at most once per session.
	WarnedFiveMin bool `json:"warned_five_min"`
	WarnedTwoMin  bool `json:"warned_two_min"`
	WarnedOneMin  bool `json:"warned_one_min"`
}

// NewState returns the default state for a session that has had no contact
// yet.
func NewState(sessionID, examID string, totalItems int, allotted time.Duration) *State {
	return &State{
		SessionID:       sessionID,
		ExamID:          examID,
		Phase:           PhaseNotStarted,
		TotalItems:      totalItems,
		AllottedSeconds: allotted.Seconds(),
		Timing:          map[int]PositionTiming{},
	}
}

// Elapsed returns the time since the session started, or zero before the
// greeting.
func (s *State) Elapsed(now time.Time) time.Duration {
	if !s.Started || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Remaining returns the time left in the session's budget. Returns zero when
// the budget is spent and a large positive value when the session is not
// time-boxed.
func (s *State) Remaining(now time.Time) time.Duration {
	if s.AllottedSeconds <= 0 {
		return time.Duration(1<<62 - 1)
	}
	rem := time.Duration(s.AllottedSeconds*float64(time.Second)) - s.Elapsed(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// PositionElapsed returns the time spent on the current item so far.
func (s *State) PositionElapsed(now time.Time) time.Duration {
	if s.PositionStartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.PositionStartedAt)
}

// Exhausted reports whether the sequence has no further items.
func (s *State) Exhausted() bool {
	return s.Position >= s.TotalItems
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := *s
	if s.Item != nil {
		item := *s.Item
		out.Item = &item
	}
	out.Timing = make(map[int]PositionTiming, len(s.Timing))
	for k, v := range s.Timing {
		out.Timing[k] = v
	}
	return &out
}

// Store persists session state records keyed by session identifier. The value
// is always the full record; Save overwrites.
//
// Implementations must survive process restarts except where explicitly
// documented otherwise (see [MemStore]).
type Store interface {
	// Load returns the latest persisted state for sessionID.
	// Returns [ErrNotFound] when no checkpoint exists.
	Load(ctx context.Context, sessionID string) (*State, error)

	// Save persists the full state record, overwriting any previous one.
	Save(ctx context.Context, state *State) error

	// Close releases the store's resources.
	Close() error
}
