// Package mock provides an in-memory mock implementation of
// [questionbank.Store] for use in unit tests.
//
// Populate Items in exam order; Count derives from the slice length. The mock
// records every call and is safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/candorlabs/viva/internal/questionbank"
)

// Compile-time interface assertion.
var _ questionbank.Store = (*Store)(nil)

// ItemCall records the arguments of a single [Store.Item] call.
type ItemCall struct {
	ExamID   string
	Position int
}

// Store is a mock implementation of [questionbank.Store].
type Store struct {
	mu sync.Mutex

	// Items is the exam sequence, indexed by position.
	Items []*questionbank.Item

	// ItemError, when non-nil, is returned by every Item call.
	ItemError error

	// CountError, when non-nil, is returned by every Count call.
	CountError error

	// ItemCalls records all Item invocations.
	ItemCalls []ItemCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Item implements [questionbank.Store].
func (s *Store) Item(_ context.Context, examID string, position int) (*questionbank.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ItemCalls = append(s.ItemCalls, ItemCall{ExamID: examID, Position: position})
	if s.ItemError != nil {
		return nil, s.ItemError
	}
	if position < 0 || position >= len(s.Items) {
		return nil, questionbank.ErrNotFound
	}
	item := *s.Items[position]
	return &item, nil
}

// Count implements [questionbank.Store].
func (s *Store) Count(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountError != nil {
		return 0, s.CountError
	}
	if len(s.Items) == 0 {
		return 0, questionbank.ErrNotFound
	}
	return len(s.Items), nil
}

// Close implements [questionbank.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}
