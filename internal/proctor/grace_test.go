package proctor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/candorlabs/viva/internal/checkpoint"
	"github.com/candorlabs/viva/internal/classify"
)

func TestReconnectWithinGraceResumes(t *testing.T) {
	f := newFixture(t, withAllotted(30*time.Minute), withGrace(time.Hour))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.orch.OnDisconnect()
	if got := f.orch.ConnState(); got != DisconnectedGrace {
		t.Fatalf("conn state = %v, want disconnected_grace", got)
	}

	if err := f.orch.OnReconnect(ctx); err != nil {
		t.Fatalf("OnReconnect: %v", err)
	}
	if got := f.orch.ConnState(); got != Connected {
		t.Errorf("conn state = %v, want connected", got)
	}

	if err := f.queue.WaitUntilEmpty(ctx); err != nil {
		t.Fatalf("WaitUntilEmpty: %v", err)
	}
	if !f.spoken.contains("Welcome back") {
		t.Errorf("no resumption message spoken; spoken = %v", f.spoken.all())
	}
	if !f.spoken.contains("question 1 of 3") {
		t.Errorf("resumption message lacks position; spoken = %v", f.spoken.all())
	}
	if got := f.terminations(); len(got) != 0 {
		t.Errorf("terminations = %v, want none", got)
	}
}

func TestReconnectBeforeGreetingRetriesGreeting(t *testing.T) {
	f := newFixture(t, withGrace(time.Hour))
	ctx := context.Background()

	// The connection drops before any greeting completed.
	f.orch.OnDisconnect()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.OnReconnect(ctx); err != nil {
		t.Fatalf("OnReconnect: %v", err)
	}

	// The reconnect ran the greeting, not a resumption summary.
	calls := f.engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(calls))
	}
	if !calls[0].Input.Synthetic {
		t.Error("greeting retry not marked synthetic")
	}
	if f.spoken.contains("Welcome back") {
		t.Errorf("resumption summary spoken for a session that never began; spoken = %v", f.spoken.all())
	}
	if !f.spoken.contains("Welcome to your biology exam.") {
		t.Errorf("greeting not spoken; spoken = %v", f.spoken.all())
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Phase != checkpoint.PhaseGreeted || !state.Started {
		t.Errorf("phase = %q started = %t, want greeted and started", state.Phase, state.Started)
	}
}

func TestGraceExpiryAbandonsSession(t *testing.T) {
	f := newFixture(t, withGrace(30*time.Millisecond))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.orch.OnDisconnect()
	waitUntil(t, func() bool { return f.orch.ConnState() == Abandoned })

	state := mustLoad(t, f.store, "sess-1")
	if state.Phase != checkpoint.PhaseFinished {
		t.Errorf("phase = %q, want finished after abandonment", state.Phase)
	}
	waitUntil(t, func() bool { return len(f.terminations()) == 1 })
	if got := f.terminations(); got[0] != ReasonAbandoned {
		t.Errorf("termination reason = %q, want abandoned", got[0])
	}
	if got := f.billing.Calls(); len(got) != 1 {
		t.Fatalf("billing calls = %d, want 1", len(got))
	}
	if got := f.report.Calls(); len(got) != 1 {
		t.Errorf("report calls = %d, want 1", len(got))
	}

	// Too late: the student cannot resume an abandoned session.
	if err := f.orch.OnReconnect(ctx); !errors.Is(err, ErrSessionOver) {
		t.Errorf("OnReconnect after abandonment = %v, want ErrSessionOver", err)
	}
}

func TestDisconnectAfterFinishIsIgnored(t *testing.T) {
	f := newFixture(t, withAllotted(30*time.Minute), withGrace(10*time.Millisecond))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.clock.Advance(31 * time.Minute)
	f.engine.StartTurnEvents = answerEvents()
	if err := f.orch.HandleUtterance(ctx, "continuing my answer right now", classify.TurnMetadata{DurationMs: 3000, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if got := f.terminations(); len(got) != 1 {
		t.Fatalf("terminations = %v, want exactly one", got)
	}

	// The session already terminated; a late disconnect must not double-bill.
	f.orch.OnDisconnect()
	time.Sleep(50 * time.Millisecond)
	if got := f.billing.Calls(); len(got) != 1 {
		t.Errorf("billing calls = %d, want 1", len(got))
	}
	if got := f.terminations(); len(got) != 1 {
		t.Errorf("terminations = %v, want exactly one", got)
	}
}

func TestDoubleDisconnectArmsOneTimer(t *testing.T) {
	f := newFixture(t, withGrace(30*time.Millisecond))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.orch.OnDisconnect()
	f.orch.OnDisconnect()
	waitUntil(t, func() bool { return len(f.terminations()) == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := f.billing.Calls(); len(got) != 1 {
		t.Errorf("billing calls = %d, want 1", len(got))
	}
}
