package proctor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	billmock "github.com/candorlabs/viva/internal/billing/mock"
	"github.com/candorlabs/viva/internal/checkpoint"
	"github.com/candorlabs/viva/internal/classify"
	"github.com/candorlabs/viva/internal/engine"
	engmock "github.com/candorlabs/viva/internal/engine/mock"
	"github.com/candorlabs/viva/internal/playback"
	"github.com/candorlabs/viva/internal/questionbank"
	qbmock "github.com/candorlabs/viva/internal/questionbank/mock"
	repmock "github.com/candorlabs/viva/internal/report/mock"
)

// fakeClock is a controllable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// spokenRecorder collects everything handed to the playback synthesizer.
type spokenRecorder struct {
	mu    sync.Mutex
	lines []string

	blockCh chan struct{} // when non-nil, synthesis blocks until closed or ctx cancels
}

func (r *spokenRecorder) synth(ctx context.Context, text string) (time.Duration, error) {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	block := r.blockCh
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, nil
}

func (r *spokenRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func (r *spokenRecorder) count(line string) int {
	n := 0
	for _, l := range r.all() {
		if l == line {
			n++
		}
	}
	return n
}

func (r *spokenRecorder) contains(substr string) bool {
	for _, l := range r.all() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	orch    *Orchestrator
	store   *checkpoint.MemStore
	engine  *engmock.Engine
	bank    *qbmock.Store
	billing *billmock.Recorder
	report  *repmock.Trigger
	spoken  *spokenRecorder
	queue   *playback.Queue
	clock   *fakeClock

	mu      sync.Mutex
	reasons []string
}

func (f *fixture) terminations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reasons))
	copy(out, f.reasons)
	return out
}

type fixtureOpt func(*Config)

func withAllotted(d time.Duration) fixtureOpt {
	return func(c *Config) { c.Allotted = d }
}

func withGrace(d time.Duration) fixtureOpt {
	return func(c *Config) { c.GracePeriod = d }
}

func withStore(s checkpoint.Store) fixtureOpt {
	return func(c *Config) { c.Store = s }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	f := &fixture{
		store:   checkpoint.NewMemStore(),
		engine:  &engmock.Engine{},
		billing: &billmock.Recorder{},
		report:  &repmock.Trigger{},
		spoken:  &spokenRecorder{},
		clock:   newFakeClock(),
	}
	f.bank = &qbmock.Store{
		Items: []*questionbank.Item{
			{ID: "q1", Position: 0, Prompt: "Describe photosynthesis.", Topic: "plants", ExpectedSeconds: 120},
			{ID: "q2", Position: 1, Prompt: "Explain osmosis.", Topic: "cells", ExpectedSeconds: 90},
			{ID: "q3", Position: 2, Prompt: "What is mitosis?", Topic: "cells", ExpectedSeconds: 90},
		},
	}
	f.queue = playback.New(f.spoken.synth, playback.WithMinGap(time.Millisecond))
	f.queue.Start()
	t.Cleanup(f.queue.Stop)

	cfg := Config{
		SessionID:  "sess-1",
		ExamID:     "exam-biology",
		Store:      f.store,
		Bank:       f.bank,
		Engine:     f.engine,
		Queue:      f.queue,
		Classifier: classify.New(classify.DefaultConfig()),
		Billing:    f.billing,
		Report:     f.report,
		Now:        f.clock.Now,
		TerminateFunc: func(reason string) {
			f.mu.Lock()
			f.reasons = append(f.reasons, reason)
			f.mu.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.orch = New(cfg)
	return f
}

func greetEvents() []engine.Event {
	return []engine.Event{
		{Kind: engine.EventFinal, Text: "Welcome to your biology exam.", ResponseKind: engine.ResponseInstruction},
	}
}

func answerEvents() []engine.Event {
	return []engine.Event{
		{Kind: engine.EventAcknowledgment, Text: "One moment."},
		{Kind: engine.EventFinal, Text: "Good. Tell me more.", ResponseKind: engine.ResponseFeedback},
	}
}

func advanceEvents(newPos int, completion engine.Completion) []engine.Event {
	return []engine.Event{
		{Kind: engine.EventAcknowledgment, Text: "Alright."},
		{Kind: engine.EventAdvance, Advance: &engine.Advance{NewPosition: newPos, Completion: completion}},
		{Kind: engine.EventFinal, Text: "Next question: explain osmosis.", ResponseKind: engine.ResponseQuestion},
	}
}

func mustLoad(t *testing.T, store checkpoint.Store, id string) *checkpoint.State {
	t.Helper()
	s, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%q): %v", id, err)
	}
	return s
}

func TestFirstContactGreetsWithoutAdvancing(t *testing.T) {
	f := newFixture(t)
	f.engine.StartTurnEvents = greetEvents()

	if err := f.orch.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Phase != checkpoint.PhaseGreeted {
		t.Errorf("phase = %q, want greeted", state.Phase)
	}
	if !state.Started {
		t.Error("started flag not set after greeting")
	}
	if state.Position != 0 {
		t.Errorf("position = %d, want 0", state.Position)
	}
	if len(state.Timing) != 0 {
		t.Errorf("timing entries = %d, want 0", len(state.Timing))
	}
	if state.Item == nil || state.Item.ID != "q1" {
		t.Errorf("cached item = %+v, want q1", state.Item)
	}
	if state.TotalItems != 3 {
		t.Errorf("total items = %d, want 3", state.TotalItems)
	}

	calls := f.engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(calls))
	}
	if !calls[0].Input.Synthetic {
		t.Error("first-contact turn not marked synthetic")
	}
	if calls[0].Input.Utterance != FirstContactMarker {
		t.Errorf("utterance = %q, want the first-contact marker", calls[0].Input.Utterance)
	}
	if !f.spoken.contains("Welcome to your biology exam.") {
		t.Errorf("greeting not spoken; spoken = %v", f.spoken.all())
	}
}

func TestAdvanceRecordsTimingAndMovesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.clock.Advance(100 * time.Second)
	f.engine.StartTurnEvents = advanceEvents(1, engine.CompletionAnswered)
	if err := f.orch.HandleUtterance(ctx, "ready, chlorophyll absorbs light", classify.TurnMetadata{DurationMs: 3500, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Position != 1 {
		t.Errorf("position = %d, want 1", state.Position)
	}
	if state.Phase != checkpoint.PhaseInProgress {
		t.Errorf("phase = %q, want in_progress", state.Phase)
	}
	timing, ok := state.Timing[0]
	if !ok {
		t.Fatal("no timing entry recorded for position 0")
	}
	if timing.Status != engine.CompletionAnswered {
		t.Errorf("completion = %q, want answered", timing.Status)
	}
	if timing.ActualSeconds != 100 {
		t.Errorf("actual seconds = %v, want 100", timing.ActualSeconds)
	}
	if timing.ExpectedSeconds != 120 {
		t.Errorf("expected seconds = %v, want 120", timing.ExpectedSeconds)
	}
	if state.Item == nil || state.Item.ID != "q2" {
		t.Errorf("cached item = %+v, want q2", state.Item)
	}
}

func TestRestartRecoversPersistedPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	f.engine.StartTurnEvents = advanceEvents(1, engine.CompletionAnswered)
	if err := f.orch.HandleUtterance(ctx, "here is my answer", classify.TurnMetadata{DurationMs: 3000, WordCount: 4}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	// A fresh orchestrator over the same store stands in for a restarted
	// process.
	f2 := newFixture(t, withStore(f.store))
	f2.engine.StartTurnEvents = advanceEvents(2, engine.CompletionPartial)
	if err := f2.orch.HandleUtterance(ctx, "my osmosis answer is water moves", classify.TurnMetadata{DurationMs: 4000, WordCount: 6}); err != nil {
		t.Fatalf("HandleUtterance after restart: %v", err)
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Position != 2 {
		t.Errorf("position after restart = %d, want 2 (never reset)", state.Position)
	}
	if _, ok := state.Timing[1]; !ok {
		t.Error("timing entry for position 1 missing after restart")
	}

	calls := f2.engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls after restart = %d, want 1", len(calls))
	}
	if calls[0].Input.Position != 1 {
		t.Errorf("restored position fed to engine = %d, want 1", calls[0].Input.Position)
	}
	if !calls[0].Input.Started {
		t.Error("restored started flag not fed to engine")
	}
}

func TestEngineFailureSpeaksApologyAndPreservesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	before := mustLoad(t, f.store, "sess-1")

	// A stream that closes without a final response is an engine failure.
	f.engine.StartTurnEvents = nil
	err := f.orch.HandleUtterance(ctx, "my answer about chloroplasts", classify.TurnMetadata{DurationMs: 2500, WordCount: 4})
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("error = %v, want ErrEngineFailure", err)
	}

	if err := f.queue.WaitUntilEmpty(ctx); err != nil {
		t.Fatalf("WaitUntilEmpty: %v", err)
	}
	if f.spoken.count(apologyLine) != 1 {
		t.Errorf("apology spoken %d times, want 1", f.spoken.count(apologyLine))
	}

	after := mustLoad(t, f.store, "sess-1")
	if after.Position != before.Position {
		t.Errorf("position mutated on engine failure: %d -> %d", before.Position, after.Position)
	}
	if len(after.Timing) != len(before.Timing) {
		t.Error("timing mutated on engine failure")
	}
}

func TestAdvanceOnSyntheticTurnDropsTurn(t *testing.T) {
	f := newFixture(t)

	f.engine.StartTurnEvents = []engine.Event{
		{Kind: engine.EventAdvance, Advance: &engine.Advance{NewPosition: 1, Completion: engine.CompletionAnswered}},
		{Kind: engine.EventFinal, Text: "Welcome."},
	}
	err := f.orch.StartSession(context.Background())
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("error = %v, want ErrProtocolViolation", err)
	}

	// A dropped turn persists nothing.
	if _, err := f.store.Load(context.Background(), "sess-1"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("state persisted despite dropped turn: %v", err)
	}
}

func TestBargeInAcknowledgmentIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Occupy the queue with a blocked segment so the utterance counts as a
	// barge-in.
	block := make(chan struct{})
	f.spoken.mu.Lock()
	f.spoken.blockCh = block
	f.spoken.mu.Unlock()
	f.queue.Enqueue("a long explanation in progress")
	waitUntil(t, func() bool { return f.queue.IsSpeaking() })

	engineCallsBefore := len(f.engine.Calls())
	if err := f.orch.HandleUtterance(ctx, "okay", classify.TurnMetadata{DurationMs: 500, WordCount: 1}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	if got := len(f.engine.Calls()); got != engineCallsBefore {
		t.Errorf("engine invoked on an acknowledgment barge-in")
	}
	if !f.queue.IsSpeaking() {
		t.Error("acknowledgment disturbed ongoing playback")
	}
	close(block)
}

func TestBargeInCancelClearsPlaybackSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	block := make(chan struct{})
	f.spoken.mu.Lock()
	f.spoken.blockCh = block
	f.spoken.mu.Unlock()
	f.queue.Enqueue("segment one")
	f.queue.Enqueue("segment two")
	waitUntil(t, func() bool { return f.queue.IsSpeaking() })

	engineCallsBefore := len(f.engine.Calls())
	if err := f.orch.HandleUtterance(ctx, "stop", classify.TurnMetadata{DurationMs: 600, WordCount: 1}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	if got := len(f.engine.Calls()); got != engineCallsBefore {
		t.Error("engine invoked on a cancel barge-in")
	}
	if err := f.queue.WaitUntilEmpty(ctx); err != nil {
		t.Fatalf("WaitUntilEmpty: %v", err)
	}
	if f.spoken.count("segment two") != 0 {
		t.Error("pending segment spoken after cancel")
	}
}

func TestBargeInNewInputClearsAndInvokesEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	block := make(chan struct{})
	f.spoken.mu.Lock()
	f.spoken.blockCh = block
	f.spoken.mu.Unlock()
	f.queue.Enqueue("mid utterance playback")
	waitUntil(t, func() bool { return f.queue.IsSpeaking() })
	f.spoken.mu.Lock()
	f.spoken.blockCh = nil
	f.spoken.mu.Unlock()

	f.engine.StartTurnEvents = answerEvents()
	// Three words, 1200ms, no acknowledgment or cancel vocabulary.
	err := f.orch.HandleUtterance(ctx, "explain cell walls", classify.TurnMetadata{DurationMs: 1200, WordCount: 3})
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	calls := f.engine.Calls()
	if len(calls) != 2 {
		t.Fatalf("engine calls = %d, want 2 (greeting + barge-in)", len(calls))
	}
	if calls[1].Input.Utterance != "explain cell walls" {
		t.Errorf("engine got %q, want the barge-in utterance", calls[1].Input.Utterance)
	}
	if !f.spoken.contains("Good. Tell me more.") {
		t.Errorf("final response not spoken; spoken = %v", f.spoken.all())
	}
}

func TestTimeWarningsFireOnceEach(t *testing.T) {
	f := newFixture(t, withAllotted(30*time.Minute))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.engine.StartTurnEvents = answerEvents()
	meta := classify.TurnMetadata{DurationMs: 3000, WordCount: 6}

	// Two turns inside the five-minute window: the warning fires once.
	f.clock.Advance(26 * time.Minute)
	for range 2 {
		if err := f.orch.HandleUtterance(ctx, "here is some more answer detail", meta); err != nil {
			t.Fatalf("HandleUtterance: %v", err)
		}
	}
	if got := f.spoken.count(fiveMinLine); got != 1 {
		t.Errorf("five-minute warning spoken %d times, want 1", got)
	}

	// Crossing two minutes fires the next warning exactly once.
	f.clock.Advance(2 * time.Minute)
	for range 2 {
		if err := f.orch.HandleUtterance(ctx, "here is some more answer detail", meta); err != nil {
			t.Fatalf("HandleUtterance: %v", err)
		}
	}
	if got := f.spoken.count(twoMinLine); got != 1 {
		t.Errorf("two-minute warning spoken %d times, want 1", got)
	}
	if got := f.spoken.count(fiveMinLine); got != 1 {
		t.Errorf("five-minute warning re-fired; spoken %d times", got)
	}

	state := mustLoad(t, f.store, "sess-1")
	if !state.WarnedFiveMin || !state.WarnedTwoMin {
		t.Error("warning flags not persisted")
	}
	if state.WarnedOneMin {
		t.Error("one-minute flag set before its threshold")
	}
}

func TestTimeExpiryTerminatesSession(t *testing.T) {
	f := newFixture(t, withAllotted(30*time.Minute))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	f.clock.Advance(31 * time.Minute)
	f.engine.StartTurnEvents = answerEvents()
	if err := f.orch.HandleUtterance(ctx, "let me continue my answer now", classify.TurnMetadata{DurationMs: 3000, WordCount: 6}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Phase != checkpoint.PhaseFinished {
		t.Errorf("phase = %q, want finished", state.Phase)
	}
	if got := f.spoken.count(timeUpLine); got != 1 {
		t.Errorf("time-up line spoken %d times, want 1", got)
	}
	if got := f.terminations(); len(got) != 1 || got[0] != ReasonTimeExpired {
		t.Errorf("terminations = %v, want [time_expired]", got)
	}
	if got := f.billing.Calls(); len(got) != 1 {
		t.Errorf("billing calls = %d, want 1", len(got))
	}
	if got := f.report.Calls(); len(got) != 1 {
		t.Errorf("report calls = %d, want 1", len(got))
	}

	// Further turns speak the session-over message without engine work.
	engineCallsBefore := len(f.engine.Calls())
	if err := f.orch.HandleUtterance(ctx, "hello are you still there", classify.TurnMetadata{DurationMs: 2000, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance after finish: %v", err)
	}
	if got := len(f.engine.Calls()); got != engineCallsBefore {
		t.Error("engine invoked after session finished")
	}
}

func TestSequenceExhaustionFinishesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	meta := classify.TurnMetadata{DurationMs: 3000, WordCount: 5}
	for pos := 1; pos <= 3; pos++ {
		f.engine.StartTurnEvents = advanceEvents(pos, engine.CompletionAnswered)
		if err := f.orch.HandleUtterance(ctx, "my answer to this question", meta); err != nil {
			t.Fatalf("HandleUtterance %d: %v", pos, err)
		}
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Phase != checkpoint.PhaseFinished {
		t.Errorf("phase = %q, want finished", state.Phase)
	}
	if len(state.Timing) != 3 {
		t.Errorf("timing entries = %d, want 3", len(state.Timing))
	}
	if got := f.spoken.count(allDoneLine); got != 1 {
		t.Errorf("all-done line spoken %d times, want 1", got)
	}
	if got := f.terminations(); len(got) != 1 || got[0] != ReasonExhausted {
		t.Errorf("terminations = %v, want [sequence_exhausted]", got)
	}
}

func TestGreetingFailureDoesNotStrandSession(t *testing.T) {
	f := newFixture(t, withAllotted(30*time.Minute))
	ctx := context.Background()

	// The greeting turn fails: the stream closes with no final response.
	f.engine.StartTurnEvents = nil
	if err := f.orch.StartSession(ctx); !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("StartSession error = %v, want ErrEngineFailure", err)
	}

	// The next substantive turn still opens the session.
	f.engine.StartTurnEvents = answerEvents()
	if err := f.orch.HandleUtterance(ctx, "hello, can we begin please", classify.TurnMetadata{DurationMs: 2200, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	state := mustLoad(t, f.store, "sess-1")
	if !state.Started {
		t.Error("session never opened after the failed greeting")
	}
	if state.Phase != checkpoint.PhaseInProgress {
		t.Errorf("phase = %q, want in_progress", state.Phase)
	}
	if state.StartedAt.IsZero() {
		t.Error("session clock never armed")
	}

	// Advances work from here on.
	f.engine.StartTurnEvents = advanceEvents(1, engine.CompletionAnswered)
	if err := f.orch.HandleUtterance(ctx, "chlorophyll absorbs light for energy", classify.TurnMetadata{DurationMs: 3200, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance with advance: %v", err)
	}
	if got := mustLoad(t, f.store, "sess-1").Position; got != 1 {
		t.Errorf("position = %d, want 1", got)
	}
}

func TestRegressiveAdvanceDropsTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	f.engine.StartTurnEvents = advanceEvents(1, engine.CompletionAnswered)
	if err := f.orch.HandleUtterance(ctx, "my answer to question one", classify.TurnMetadata{DurationMs: 3000, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	// An engine moving the position backwards must not be trusted.
	f.engine.StartTurnEvents = advanceEvents(0, engine.CompletionAnswered)
	err := f.orch.HandleUtterance(ctx, "my answer to question two", classify.TurnMetadata{DurationMs: 3000, WordCount: 5})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("error = %v, want ErrProtocolViolation", err)
	}

	state := mustLoad(t, f.store, "sess-1")
	if state.Position != 1 {
		t.Errorf("position = %d, want 1 (never moved backwards)", state.Position)
	}
	timing, ok := state.Timing[0]
	if !ok {
		t.Fatal("timing entry for position 0 missing")
	}
	if timing.Status != engine.CompletionAnswered {
		t.Errorf("timing for position 0 overwritten: %q", timing.Status)
	}
}

func TestNewInputBargeInCancelsLiveTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// First turn: the engine acknowledges, then stalls with its stream open.
	// Block synthesis so the acknowledgment keeps the queue busy.
	hold := make(chan struct{})
	block := make(chan struct{})
	f.engine.StartTurnEvents = []engine.Event{
		{Kind: engine.EventAcknowledgment, Text: "Let me think about that."},
	}
	f.engine.HoldOpen = hold
	f.spoken.mu.Lock()
	f.spoken.blockCh = block
	f.spoken.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.orch.HandleUtterance(ctx, "my first answer attempt here", classify.TurnMetadata{DurationMs: 3000, WordCount: 5})
	}()
	waitUntil(t, func() bool { return len(f.engine.Calls()) == 2 })
	waitUntil(t, func() bool { return f.queue.IsSpeaking() })

	// Second substantive utterance: classified as new input, it must cancel
	// the stalled turn and run its own.
	f.engine.HoldOpen = nil
	f.engine.StartTurnEvents = advanceEvents(1, engine.CompletionAnswered)
	f.spoken.mu.Lock()
	f.spoken.blockCh = nil
	f.spoken.mu.Unlock()

	if err := f.orch.HandleUtterance(ctx, "actually here is my real answer", classify.TurnMetadata{DurationMs: 3500, WordCount: 6}); err != nil {
		t.Fatalf("HandleUtterance (barge-in): %v", err)
	}

	// The stalled turn observed its context cancellation.
	if err := <-errCh; !errors.Is(err, ErrTurnSuperseded) {
		t.Fatalf("superseded turn error = %v, want ErrTurnSuperseded", err)
	}

	calls := f.engine.Calls()
	if len(calls) != 3 {
		t.Fatalf("engine calls = %d, want 3 (greeting + stalled + barge-in)", len(calls))
	}
	if calls[2].Input.Utterance != "actually here is my real answer" {
		t.Errorf("barge-in turn got %q", calls[2].Input.Utterance)
	}

	// Only the barge-in turn persisted.
	state := mustLoad(t, f.store, "sess-1")
	if state.Position != 1 {
		t.Errorf("position = %d, want 1", state.Position)
	}
}

// failStore always errors, standing in for an unreachable checkpoint store.
type failStore struct{}

func (failStore) Load(context.Context, string) (*checkpoint.State, error) {
	return nil, errors.New("connection refused")
}
func (failStore) Save(context.Context, *checkpoint.State) error {
	return errors.New("connection refused")
}
func (failStore) Close() error { return nil }

func TestUnreachableStoreDegradesToMemory(t *testing.T) {
	f := newFixture(t, withStore(failStore{}))
	ctx := context.Background()

	f.engine.StartTurnEvents = greetEvents()
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession with failing store: %v", err)
	}

	// The greeting survived in memory: the next turn sees started=true.
	f.engine.StartTurnEvents = advanceEvents(1, engine.CompletionAnswered)
	if err := f.orch.HandleUtterance(ctx, "my first answer goes here", classify.TurnMetadata{DurationMs: 3000, WordCount: 5}); err != nil {
		t.Fatalf("HandleUtterance with failing store: %v", err)
	}

	calls := f.engine.Calls()
	if len(calls) != 2 {
		t.Fatalf("engine calls = %d, want 2", len(calls))
	}
	if !calls[1].Input.Started {
		t.Error("in-memory fallback lost the started flag")
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
