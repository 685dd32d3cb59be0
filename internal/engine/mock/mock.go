// Package mock provides an in-memory mock implementation of [engine.Engine]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure the
// event stream via exported fields. It is safe for concurrent use.
//
// Example:
//
//	e := &mock.Engine{
//	    StartTurnEvents: []engine.Event{
//	        {Kind: engine.EventAcknowledgment, Text: "One moment."},
//	        {Kind: engine.EventFinal, Text: "Tell me about photosynthesis.", ResponseKind: engine.ResponseQuestion},
//	    },
//	}
//	events, err := e.StartTurn(ctx, input)
package mock

import (
	"context"
	"sync"

	"github.com/candorlabs/viva/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// StartTurnCall records the arguments of a single [Engine.StartTurn] call.
type StartTurnCall struct {
	// Input is the turn input passed to StartTurn.
	Input engine.TurnInput
}

// Engine is a mock implementation of [engine.Engine].
// All exported *Events, *Error, and *Func fields control behaviour.
// All exported *Calls fields accumulate invocation records.
type Engine struct {
	mu sync.Mutex

	// StartTurnEvents are emitted on the channel returned by
	// [Engine.StartTurn], in order, then the channel is closed. Events are
	// delivered on a separate goroutine that honours ctx cancellation.
	StartTurnEvents []engine.Event

	// StartTurnError is returned by [Engine.StartTurn]. When non-nil, no
	// channel is created.
	StartTurnError error

	// StartTurnFunc, when non-nil, replaces the default event delivery
	// entirely. The call is still recorded.
	StartTurnFunc func(ctx context.Context, input engine.TurnInput) (<-chan engine.Event, error)

	// HoldOpen, when non-nil, delays closing the event channel after the
	// configured events have been sent until HoldOpen is closed or ctx is
	// cancelled. Use it to simulate a slow engine for barge-in tests.
	HoldOpen chan struct{}

	// CloseError is returned by [Engine.Close].
	CloseError error

	// StartTurnCalls records all StartTurn invocations.
	StartTurnCalls []StartTurnCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// StartTurn implements [engine.Engine].
func (e *Engine) StartTurn(ctx context.Context, input engine.TurnInput) (<-chan engine.Event, error) {
	e.mu.Lock()
	e.StartTurnCalls = append(e.StartTurnCalls, StartTurnCall{Input: input})
	events := make([]engine.Event, len(e.StartTurnEvents))
	copy(events, e.StartTurnEvents)
	fn := e.StartTurnFunc
	hold := e.HoldOpen
	err := e.StartTurnError
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, input)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan engine.Event)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Close implements [engine.Engine]. Returns CloseError.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// Calls returns a copy of all recorded StartTurn invocations.
func (e *Engine) Calls() []StartTurnCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StartTurnCall, len(e.StartTurnCalls))
	copy(out, e.StartTurnCalls)
	return out
}
