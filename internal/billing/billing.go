// Package billing defines the usage-accounting interface invoked when a
// session terminates.
//
// The orchestrator reports the connected duration exactly once per session,
// on normal finish and on abandonment. Implementations live in subpackages;
// see stripe for the production recorder and mock for tests.
package billing

import (
	"context"
	"time"
)

// Recorder accepts one usage record per terminated session.
type Recorder interface {
	// RecordUsage reports the connected duration for a session. Called on
	// the session-termination path only.
	RecordUsage(ctx context.Context, sessionID string, connected time.Duration) error
}

// Noop is a [Recorder] that discards usage records. Used when billing is not
// configured.
type Noop struct{}

// RecordUsage implements [Recorder].
func (Noop) RecordUsage(context.Context, string, time.Duration) error { return nil }
