package resilience

import (
	"context"
	"errors"

	"github.com/candorlabs/viva/internal/checkpoint"
)

// Compile-time interface assertion.
var _ checkpoint.Store = (*GuardedStore)(nil)

// GuardedStore wraps a [checkpoint.Store] with a [CircuitBreaker]. When the
// backing database becomes unreachable, Load and Save fail fast with
// [ErrCircuitOpen] instead of stalling every turn on a connection timeout;
// the orchestrator then runs on its in-memory fallback state until the
// breaker closes again.
//
// [checkpoint.ErrNotFound] is a normal outcome and never counts as a
// failure.
type GuardedStore struct {
	inner   checkpoint.Store
	breaker *CircuitBreaker
}

// NewGuardedStore wraps inner. cfg.Name defaults to "checkpoint".
func NewGuardedStore(inner checkpoint.Store, cfg CircuitBreakerConfig) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "checkpoint"
	}
	return &GuardedStore{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Load implements [checkpoint.Store].
func (g *GuardedStore) Load(ctx context.Context, sessionID string) (*checkpoint.State, error) {
	var (
		state    *checkpoint.State
		notFound bool
	)
	err := g.breaker.Execute(func() error {
		s, err := g.inner.Load(ctx, sessionID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, checkpoint.ErrNotFound
	}
	return state, nil
}

// Save implements [checkpoint.Store].
func (g *GuardedStore) Save(ctx context.Context, state *checkpoint.State) error {
	return g.breaker.Execute(func() error {
		return g.inner.Save(ctx, state)
	})
}

// Close implements [checkpoint.Store] by closing the wrapped store.
func (g *GuardedStore) Close() error {
	return g.inner.Close()
}

// State reports the breaker state, for tests and diagnostics.
func (g *GuardedStore) State() State {
	return g.breaker.State()
}
