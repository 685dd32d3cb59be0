// Package mock provides an in-memory mock implementation of [report.Trigger]
// for use in unit tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/candorlabs/viva/internal/report"
)

// Compile-time interface assertion.
var _ report.Trigger = (*Trigger)(nil)

// SubmitCall records the arguments of a single [Trigger.Submit] call.
type SubmitCall struct {
	SessionID     string
	TranscriptRef string
}

// Trigger is a mock implementation of [report.Trigger].
type Trigger struct {
	mu sync.Mutex

	// SubmitError is returned by every Submit call.
	SubmitError error

	// SubmitCalls records all Submit invocations.
	SubmitCalls []SubmitCall
}

// Submit implements [report.Trigger]. Job identifiers are sequential.
func (t *Trigger) Submit(_ context.Context, sessionID, transcriptRef string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SubmitCalls = append(t.SubmitCalls, SubmitCall{SessionID: sessionID, TranscriptRef: transcriptRef})
	if t.SubmitError != nil {
		return "", t.SubmitError
	}
	return fmt.Sprintf("job-%d", len(t.SubmitCalls)), nil
}

// Calls returns a copy of all recorded Submit invocations.
func (t *Trigger) Calls() []SubmitCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SubmitCall, len(t.SubmitCalls))
	copy(out, t.SubmitCalls)
	return out
}
