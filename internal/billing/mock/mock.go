// Package mock provides an in-memory mock implementation of
// [billing.Recorder] for use in unit tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/candorlabs/viva/internal/billing"
)

// Compile-time interface assertion.
var _ billing.Recorder = (*Recorder)(nil)

// UsageCall records the arguments of a single [Recorder.RecordUsage] call.
type UsageCall struct {
	SessionID string
	Connected time.Duration
}

// Recorder is a mock implementation of [billing.Recorder].
type Recorder struct {
	mu sync.Mutex

	// RecordUsageError is returned by every RecordUsage call.
	RecordUsageError error

	// UsageCalls records all RecordUsage invocations.
	UsageCalls []UsageCall
}

// RecordUsage implements [billing.Recorder].
func (r *Recorder) RecordUsage(_ context.Context, sessionID string, connected time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UsageCalls = append(r.UsageCalls, UsageCall{SessionID: sessionID, Connected: connected})
	return r.RecordUsageError
}

// Calls returns a copy of all recorded RecordUsage invocations.
func (r *Recorder) Calls() []UsageCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UsageCall, len(r.UsageCalls))
	copy(out, r.UsageCalls)
	return out
}
