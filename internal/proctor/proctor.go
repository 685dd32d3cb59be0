// Package proctor implements the per-session control loop that decides who
// speaks, when speech may be interrupted, and how the conversation's position
// survives disconnects and process restarts.
//
// One [Orchestrator] owns one session. It restores the durable
// [checkpoint.State] at the start of every inbound turn, routes barge-ins
// through the interruption classifier, drives the playback queue with the
// engine's event stream, and persists the updated state after the turn. A
// reconnect grace window (see grace.go) covers the time between a dropped
// connection and either resumption or abandonment.
//
// Turns for one session are strictly serialised: no two turns interleave
// their read-modify-write of the session state. A substantive barge-in
// cancels the live turn before starting its own.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/candorlabs/viva/internal/billing"
	"github.com/candorlabs/viva/internal/checkpoint"
	"github.com/candorlabs/viva/internal/classify"
	"github.com/candorlabs/viva/internal/engine"
	"github.com/candorlabs/viva/internal/observe"
	"github.com/candorlabs/viva/internal/playback"
	"github.com/candorlabs/viva/internal/questionbank"
	"github.com/candorlabs/viva/internal/report"
)

// FirstContactMarker is the synthetic utterance injected when a session's
// audio channel first opens. It triggers the greeting without revealing the
// first item and never comes from real student speech.
const FirstContactMarker = "__session_start__"

// Remaining-time warning thresholds, tightest last. Each fires at most once
// per session.
const (
	warnFiveMin = 5 * time.Minute
	warnTwoMin  = 2 * time.Minute
	warnOneMin  = 1 * time.Minute
)

// Spoken fallback lines. Recoverable failures always produce a short neutral
// message rather than silence, and never leak internal detail.
const (
	apologyLine    = "Sorry, I had trouble processing that. Could you say it again?"
	timeUpLine     = "I'm afraid our time is up. Thank you, this concludes the session."
	allDoneLine    = "That was the final question. Thank you, this concludes the session."
	fiveMinLine    = "A quick note: five minutes remaining."
	twoMinLine     = "Two minutes remaining."
	oneMinLine     = "One minute remaining, please wrap up."
	sessionOverMsg = "This session has already concluded."
)

// Termination reasons passed to the configured TerminateFunc and recorded in
// metrics.
const (
	ReasonTimeExpired = "time_expired"
	ReasonExhausted   = "sequence_exhausted"
	ReasonAbandoned   = "abandoned"
)

// ErrEngineFailure reports that the agent engine failed mid-turn. The turn
// was aborted without mutating the persisted position.
var ErrEngineFailure = errors.New("proctor: engine failure")

// ErrTurnSuperseded reports that a newer utterance cancelled this turn.
var ErrTurnSuperseded = errors.New("proctor: turn superseded")

// ErrProtocolViolation reports an engine event that is illegal in the
// session's current phase. The turn is dropped and nothing is persisted.
var ErrProtocolViolation = errors.New("proctor: protocol violation")

// UIMessage mirrors a spoken response on a visual surface.
type UIMessage struct {
	Kind    engine.ResponseKind `json:"kind"`
	Text    string              `json:"text"`
	Choices []string            `json:"choices,omitempty"`
}

// UINotifier receives side-channel messages for final responses. Delivery is
// best effort; failures never affect orchestration.
type UINotifier interface {
	NotifyResponse(ctx context.Context, msg UIMessage)
}

// Config assembles an [Orchestrator]'s collaborators.
type Config struct {
	// SessionID identifies the session this orchestrator owns.
	SessionID string

	// ExamID names the exam sequence the session walks.
	ExamID string

	// Allotted is the session's total time budget. Zero disables time-boxing
	// and the remaining-time warnings.
	Allotted time.Duration

	// Store is the durable checkpoint store.
	Store checkpoint.Store

	// Bank provides exam content for position advances.
	Bank questionbank.Store

	// Engine is the agent engine consulted on substantive turns.
	Engine engine.Engine

	// Queue is the session's playback queue. The orchestrator assumes
	// exclusive ownership and expects it already started.
	Queue *playback.Queue

	// Classifier decides what a barge-in utterance means.
	Classifier *classify.Classifier

	// Billing receives the usage record on session termination. Nil means
	// [billing.Noop].
	Billing billing.Recorder

	// Report receives the grading job on session termination. Nil means
	// [report.Noop].
	Report report.Trigger

	// UI receives side-channel messages. May be nil.
	UI UINotifier

	// TerminateFunc is called once when the session reaches a terminal
	// condition, after the terminal state has been persisted. May be nil.
	TerminateFunc func(reason string)

	// GracePeriod is the reconnect window armed on disconnect.
	// Defaults to 2 minutes.
	GracePeriod time.Duration

	// Logger is the structured logger. Defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics records orchestration counters. May be nil.
	Metrics *observe.Metrics

	// Now overrides the clock, for tests. Defaults to [time.Now].
	Now func() time.Time
}

// Orchestrator drives one session's turn protocol. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	// turnMu serialises the read-modify-write of session state across turns.
	turnMu sync.Mutex

	// mu guards the fields below.
	mu          sync.Mutex
	liveCancel  context.CancelFunc // cancels the in-flight turn, nil when none
	liveGen     uint64             // identifies which turn registered liveCancel
	fallback    *checkpoint.State  // last known state, used when the store is unreachable
	conn        ConnState
	connectedAt time.Time
	connected   time.Duration // accumulated across reconnects
	graceTimer  *time.Timer
	terminated  bool
}

// New creates an Orchestrator for one session. The session counts as
// connected from this moment.
func New(cfg Config) *Orchestrator {
	if cfg.Billing == nil {
		cfg.Billing = billing.Noop{}
	}
	if cfg.Report == nil {
		cfg.Report = report.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger.With("session_id", cfg.SessionID),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		conn:    Connected,
	}
	o.connectedAt = o.now()
	return o
}

// StartSession runs the synthetic first-contact turn: greet the student
// without revealing the first item. Call once when the audio channel opens
// for a session that has not been greeted yet; for a session that already
// has a checkpoint the engine simply resumes in whatever phase it restored.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	return o.runTurn(ctx, FirstContactMarker, true)
}

// HandleUtterance processes one inbound student utterance according to the
// turn protocol. If the playback queue is busy, the utterance is first
// classified: an acknowledgment is discarded, a cancel clears playback
// without consulting the engine, and new input clears playback, cancels any
// stale in-flight turn, and runs a fresh one.
func (o *Orchestrator) HandleUtterance(ctx context.Context, text string, meta classify.TurnMetadata) error {
	if !o.cfg.Queue.IsIdle() {
		intent := o.cfg.Classifier.WithProsody(text, meta)
		if o.metrics != nil {
			o.metrics.RecordBargeIn(ctx, intent.String())
		}
		o.logger.Info("barge-in classified",
			"intent", intent.String(),
			"word_count", meta.WordCount,
			"duration_ms", meta.DurationMs,
		)

		switch intent {
		case classify.IntentAcknowledgment:
			return nil
		case classify.IntentCancel:
			o.cancelLiveTurn()
			o.cfg.Queue.ClearAndInterrupt()
			return nil
		case classify.IntentNewInput:
			o.cancelLiveTurn()
			o.cfg.Queue.ClearAndInterrupt()
		}
	}
	return o.runTurn(ctx, text, false)
}

// cancelLiveTurn aborts the in-flight turn, if any.
func (o *Orchestrator) cancelLiveTurn() {
	o.mu.Lock()
	cancel := o.liveCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runTurn executes the six-step turn protocol for one utterance.
func (o *Orchestrator) runTurn(ctx context.Context, utterance string, synthetic bool) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.liveGen++
	gen := o.liveGen
	o.liveCancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		// Only clear our own registration; a newer turn may have replaced it.
		if o.liveGen == gen {
			o.liveCancel = nil
		}
		o.mu.Unlock()
	}()

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	// A barge-in may have superseded this turn while it waited for the lock.
	if turnCtx.Err() != nil {
		return ErrTurnSuperseded
	}

	start := o.now()
	defer func() {
		if o.metrics != nil {
			o.metrics.TurnDuration.Record(ctx, o.now().Sub(start).Seconds())
		}
	}()

	state := o.restoreState(turnCtx)
	if state.Phase == checkpoint.PhaseFinished {
		o.cfg.Queue.Enqueue(sessionOverMsg)
		return nil
	}

	working := state.Clone()
	now := o.now()

	input := engine.TurnInput{
		SessionID:        o.cfg.SessionID,
		Utterance:        utterance,
		Synthetic:        synthetic,
		Started:          state.Started,
		Position:         state.Position,
		TotalItems:       state.TotalItems,
		Item:             state.Item,
		SessionElapsed:   state.Elapsed(now),
		SessionRemaining: state.Remaining(now),
		PositionElapsed:  state.PositionElapsed(now),
	}

	events, err := o.cfg.Engine.StartTurn(turnCtx, input)
	if err != nil {
		return o.failTurn(ctx, state, err)
	}

	var (
		sawFinal bool
		final    engine.Event
	)
	for ev := range events {
		switch ev.Kind {
		case engine.EventAcknowledgment:
			o.cfg.Queue.Enqueue(ev.Text)
		case engine.EventAdvance:
			if err := o.applyAdvance(turnCtx, working, ev.Advance, synthetic, now); err != nil {
				// Fatal to the turn, not the session: drop without persisting.
				o.logger.Warn("turn dropped", "error", err)
				return err
			}
		case engine.EventFinal:
			sawFinal = true
			final = ev
		}
	}

	if turnCtx.Err() != nil {
		return ErrTurnSuperseded
	}
	if !sawFinal {
		return o.failTurn(ctx, state, fmt.Errorf("event stream closed without a final response"))
	}

	// Phase transitions driven by the turn itself. A substantive turn that
	// completes while the session is still unstarted opens it too: the
	// greeting may have failed or been cut short by a disconnect, and the
	// session must not stay wedged before its own clock.
	if working.Phase == checkpoint.PhaseNotStarted {
		working.Phase = checkpoint.PhaseGreeted
		working.Started = true
		working.StartedAt = now
		working.PositionStartedAt = now
	}
	if !synthetic && working.Phase == checkpoint.PhaseGreeted {
		working.Phase = checkpoint.PhaseInProgress
	}

	o.cfg.Queue.Enqueue(final.Text)
	o.notifyUI(ctx, final)

	// Let this turn's speech drain before judging time thresholds, so a
	// warning never talks over the answer. A barge-in unblocks the wait.
	if err := o.cfg.Queue.WaitUntilEmpty(turnCtx); err == nil {
		o.evaluateTime(working)
	}

	terminal := ""
	switch {
	case working.Phase == checkpoint.PhaseFinished && working.Exhausted():
		terminal = ReasonExhausted
	case working.Phase == checkpoint.PhaseFinished:
		terminal = ReasonTimeExpired
	}

	o.persist(ctx, working)
	if terminal != "" {
		o.terminate(ctx, working, terminal)
	}
	return nil
}

// failTurn handles an agent-engine failure: apology, state persisted
// unchanged, position untouched so the next turn retries cleanly.
func (o *Orchestrator) failTurn(ctx context.Context, state *checkpoint.State, cause error) error {
	o.logger.Error("engine invocation failed", "error", cause)
	o.cfg.Queue.Enqueue(apologyLine)
	o.persist(ctx, state)
	return fmt.Errorf("%w: %v", ErrEngineFailure, cause)
}

// applyAdvance records the finished position's timing, moves the position
// forward, and refreshes the cached item. An advance before the greeting, or
// on the synthetic turn, is a protocol violation.
func (o *Orchestrator) applyAdvance(ctx context.Context, working *checkpoint.State, adv *engine.Advance, synthetic bool, now time.Time) error {
	if adv == nil {
		return fmt.Errorf("%w: advance event without payload", ErrProtocolViolation)
	}
	if synthetic {
		return fmt.Errorf("%w: advance on synthetic first-contact turn", ErrProtocolViolation)
	}
	if !working.Started || working.Phase == checkpoint.PhaseNotStarted {
		return fmt.Errorf("%w: advance before greeting", ErrProtocolViolation)
	}
	if working.Exhausted() {
		return fmt.Errorf("%w: advance past end of sequence", ErrProtocolViolation)
	}
	if adv.NewPosition <= working.Position {
		return fmt.Errorf("%w: non-monotonic advance from %d to %d",
			ErrProtocolViolation, working.Position, adv.NewPosition)
	}

	expected := 0.0
	if working.Item != nil {
		expected = working.Item.ExpectedSeconds
	}
	working.Timing[working.Position] = checkpoint.PositionTiming{
		ActualSeconds:   working.PositionElapsed(now).Seconds(),
		ExpectedSeconds: expected,
		Status:          adv.Completion,
	}

	working.Position = adv.NewPosition
	working.PositionStartedAt = now
	working.Item = nil

	if working.Exhausted() {
		working.Phase = checkpoint.PhaseFinished
		o.cfg.Queue.Enqueue(allDoneLine)
		return nil
	}

	// Refresh the cached item. A fetch failure is transient: the turn
	// continues and the next advance retries.
	item, err := o.cfg.Bank.Item(ctx, o.cfg.ExamID, working.Position)
	if err != nil {
		o.logger.Warn("item fetch failed, continuing without cache",
			"position", working.Position,
			"error", err,
		)
		return nil
	}
	working.Item = item
	return nil
}

// evaluateTime fires any newly crossed remaining-time warning (tightest
// first, each at most once per session) and transitions to the finished
// phase when the budget is fully spent.
func (o *Orchestrator) evaluateTime(working *checkpoint.State) {
	if working.AllottedSeconds <= 0 || !working.Started || working.Phase == checkpoint.PhaseFinished {
		return
	}

	rem := working.Remaining(o.now())
	if rem <= 0 {
		o.cfg.Queue.Enqueue(timeUpLine)
		working.Phase = checkpoint.PhaseFinished
		return
	}

	var line string
	switch {
	case rem <= warnOneMin && !working.WarnedOneMin:
		line = oneMinLine
	case rem <= warnTwoMin && !working.WarnedTwoMin:
		line = twoMinLine
	case rem <= warnFiveMin && !working.WarnedFiveMin:
		line = fiveMinLine
	default:
		return
	}

	// Crossing a tight threshold consumes the looser ones too, so a session
	// that jumps straight past five minutes never hears a stale warning.
	if rem <= warnFiveMin {
		working.WarnedFiveMin = true
	}
	if rem <= warnTwoMin {
		working.WarnedTwoMin = true
	}
	if rem <= warnOneMin {
		working.WarnedOneMin = true
	}

	o.cfg.Queue.Enqueue(line)
	if o.metrics != nil {
		o.metrics.TimeWarnings.Add(context.Background(), 1)
	}
	o.logger.Info("time warning spoken", "remaining", rem.Round(time.Second))
}

// restoreState loads the persisted state, falling back to defaults on first
// contact and to the last known in-memory copy when the store is
// unreachable. A turn never fails solely because restoration degraded.
func (o *Orchestrator) restoreState(ctx context.Context) *checkpoint.State {
	state, err := o.cfg.Store.Load(ctx, o.cfg.SessionID)
	switch {
	case err == nil:
		if o.metrics != nil {
			o.metrics.RecordCheckpointOp(ctx, "load", "ok")
		}
		o.setFallback(state)
		return state
	case errors.Is(err, checkpoint.ErrNotFound):
		state = o.freshState(ctx)
		o.setFallback(state)
		return state
	default:
		if o.metrics != nil {
			o.metrics.RecordCheckpointOp(ctx, "load", "degraded")
		}
		o.logger.Warn("checkpoint load failed, using in-memory state", "error", err)
		o.mu.Lock()
		fb := o.fallback
		o.mu.Unlock()
		if fb != nil {
			return fb.Clone()
		}
		return o.freshState(ctx)
	}
}

// freshState builds the default state for first contact, pre-caching the
// first item and the sequence length when the bank is reachable.
func (o *Orchestrator) freshState(ctx context.Context) *checkpoint.State {
	state := checkpoint.NewState(o.cfg.SessionID, o.cfg.ExamID, 0, o.cfg.Allotted)

	count, err := o.cfg.Bank.Count(ctx, o.cfg.ExamID)
	if err != nil {
		o.logger.Warn("exam count fetch failed", "exam_id", o.cfg.ExamID, "error", err)
		return state
	}
	state.TotalItems = count

	item, err := o.cfg.Bank.Item(ctx, o.cfg.ExamID, 0)
	if err != nil {
		o.logger.Warn("first item fetch failed", "exam_id", o.cfg.ExamID, "error", err)
		return state
	}
	state.Item = item
	return state
}

// persist writes the state back to the checkpoint store and refreshes the
// in-memory fallback. A store failure degrades rather than failing the turn.
func (o *Orchestrator) persist(ctx context.Context, state *checkpoint.State) {
	o.setFallback(state)
	if err := o.cfg.Store.Save(ctx, state); err != nil {
		if o.metrics != nil {
			o.metrics.RecordCheckpointOp(ctx, "save", "degraded")
		}
		o.logger.Warn("checkpoint save failed, state kept in memory", "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.RecordCheckpointOp(ctx, "save", "ok")
	}
}

func (o *Orchestrator) setFallback(state *checkpoint.State) {
	o.mu.Lock()
	o.fallback = state.Clone()
	o.mu.Unlock()
}

// notifyUI mirrors the final response on the UI side channel.
func (o *Orchestrator) notifyUI(ctx context.Context, final engine.Event) {
	if o.cfg.UI == nil {
		return
	}
	o.cfg.UI.NotifyResponse(ctx, UIMessage{
		Kind:    final.ResponseKind,
		Text:    final.Text,
		Choices: final.Choices,
	})
}

// terminate runs the session-termination path exactly once: usage
// accounting, the grading job, metrics, and the configured callback.
func (o *Orchestrator) terminate(ctx context.Context, state *checkpoint.State, reason string) {
	o.mu.Lock()
	if o.terminated {
		o.mu.Unlock()
		return
	}
	o.terminated = true
	connected := o.connected
	if o.conn == Connected {
		connected += o.now().Sub(o.connectedAt)
	}
	o.mu.Unlock()

	o.logger.Info("session terminated",
		"reason", reason,
		"position", state.Position,
		"connected", connected.Round(time.Second),
	)
	if o.metrics != nil {
		o.metrics.RecordTermination(ctx, reason)
	}

	if err := o.cfg.Billing.RecordUsage(ctx, o.cfg.SessionID, connected); err != nil {
		o.logger.Error("usage accounting failed", "error", err)
	}
	jobID, err := o.cfg.Report.Submit(ctx, o.cfg.SessionID, "transcripts/"+o.cfg.SessionID)
	if err != nil {
		o.logger.Error("grading job submission failed", "error", err)
	} else if jobID != "" {
		o.logger.Info("grading job submitted", "job_id", jobID)
	}

	if o.cfg.TerminateFunc != nil {
		o.cfg.TerminateFunc(reason)
	}
}
