package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/candorlabs/viva/internal/checkpoint"
)

// ConnState is the per-connection sub-state, orthogonal to the session phase.
// It is never persisted; it is reconstructed in memory per live connection.
type ConnState int

const (
	// Connected means the audio channel is live.
	Connected ConnState = iota

	// DisconnectedGrace means the channel dropped and the grace timer is
	// armed.
	DisconnectedGrace

	// Abandoned means the grace timer expired before a reconnect.
	Abandoned
)

// String returns the lowercase name of the connection state.
func (c ConnState) String() string {
	switch c {
	case Connected:
		return "connected"
	case DisconnectedGrace:
		return "disconnected_grace"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// ErrSessionOver is returned by [Orchestrator.OnReconnect] when the session
// already reached a terminal state.
var ErrSessionOver = errors.New("proctor: session over")

// ConnState returns the current connection sub-state.
func (o *Orchestrator) ConnState() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn
}

// OnDisconnect marks the connection dropped and arms the grace timer. If the
// student does not reconnect before it fires, the session is abandoned. Safe
// to call multiple times; only the first call per connection cycle has
// effect.
func (o *Orchestrator) OnDisconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminated || o.conn != Connected {
		return
	}
	o.conn = DisconnectedGrace
	o.connected += o.now().Sub(o.connectedAt)

	// The timer is canceled-and-discarded on reconnect, never reused.
	o.graceTimer = time.AfterFunc(o.cfg.GracePeriod, o.abandon)

	o.logger.Info("connection dropped, grace window armed",
		"grace_period", o.cfg.GracePeriod,
	)
}

// OnReconnect cancels the grace timer, restores the session, and speaks a
// context-appropriate resumption message instead of a generic greeting.
// Returns [ErrSessionOver] if the grace window already expired or the
// session otherwise finished.
func (o *Orchestrator) OnReconnect(ctx context.Context) error {
	o.mu.Lock()
	if o.terminated || o.conn == Abandoned {
		o.mu.Unlock()
		return ErrSessionOver
	}
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	o.conn = Connected
	o.connectedAt = o.now()
	o.mu.Unlock()

	o.turnMu.Lock()
	state := o.restoreState(ctx)
	o.turnMu.Unlock()

	if state.Phase == checkpoint.PhaseFinished {
		o.cfg.Queue.Enqueue(sessionOverMsg)
		return ErrSessionOver
	}

	if !state.Started {
		// The greeting never completed before the drop. Retry it instead of
		// welcoming the student back to a session that never began; a failed
		// retry speaks the apology line and the next utterance tries again.
		if err := o.StartSession(ctx); err != nil {
			o.logger.Warn("greeting retry on reconnect failed", "error", err)
		}
		return nil
	}

	o.cfg.Queue.Enqueue(o.resumptionLine(state))
	o.logger.Info("session resumed after reconnect",
		"position", state.Position,
		"phase", string(state.Phase),
	)
	return nil
}

// resumptionLine builds the welcome-back message from the restored state.
func (o *Orchestrator) resumptionLine(state *checkpoint.State) string {
	line := fmt.Sprintf("Welcome back. We were on question %d of %d.",
		state.Position+1, state.TotalItems)
	if state.AllottedSeconds > 0 {
		rem := state.Remaining(o.now()).Round(time.Minute)
		if rem > 0 {
			line += fmt.Sprintf(" You have about %d minutes remaining.",
				int(rem.Minutes()))
		}
	}
	return line
}

// abandon fires when the grace window expires: the session transitions to
// the terminal phase, the terminal state is persisted, and usage accounting
// and grading are finalised.
func (o *Orchestrator) abandon() {
	ctx := context.Background()

	o.mu.Lock()
	if o.terminated || o.conn != DisconnectedGrace {
		o.mu.Unlock()
		return
	}
	o.conn = Abandoned
	o.graceTimer = nil
	o.mu.Unlock()

	o.logger.Info("grace window expired, abandoning session")

	o.turnMu.Lock()
	state := o.restoreState(ctx)
	state.Phase = checkpoint.PhaseFinished
	o.persist(ctx, state)
	o.turnMu.Unlock()

	o.cfg.Queue.ClearAndInterrupt()
	o.terminate(ctx, state, ReasonAbandoned)
}
