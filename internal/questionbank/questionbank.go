// Package questionbank defines the exam content model and the store interface
// used to fetch it.
//
// An exam session walks an ordered sequence of items. The orchestrator caches
// the current item inside the session state so that an ordinary turn never
// blocks on a content fetch; the store is consulted only when the position
// advances.
//
// Implementations are provided by backend-specific subpackages. See
// [github.com/candorlabs/viva/internal/questionbank/postgres] for the
// production store and the mock subpackage for tests.
package questionbank

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an exam or item does not exist.
var ErrNotFound = errors.New("questionbank: not found")

// Item is a single question or topic in an exam sequence.
type Item struct {
	// ID uniquely identifies the item within its exam.
	ID string `json:"id"`

	// Position is the zero-based index of the item in the exam sequence.
	Position int `json:"position"`

	// Prompt is the question text the examiner reads to the student.
	Prompt string `json:"prompt"`

	// Topic is a short subject label used for grading and UI display.
	Topic string `json:"topic"`

	// ExpectedSeconds is how long a well-prepared student should need for
	// this item. Used for pacing feedback and the per-position timing record.
	ExpectedSeconds float64 `json:"expected_seconds"`

	// Rubric holds grading guidance passed to the agent engine. Never spoken.
	Rubric string `json:"rubric,omitempty"`
}

// Store provides read access to exam content.
type Store interface {
	// Item returns the item at the given position of an exam.
	// Returns [ErrNotFound] if the exam or position does not exist.
	Item(ctx context.Context, examID string, position int) (*Item, error)

	// Count returns the total number of items in an exam.
	// Returns [ErrNotFound] if the exam does not exist.
	Count(ctx context.Context, examID string) (int, error)

	// Close releases the store's resources.
	Close() error
}
