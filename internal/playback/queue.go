// Package playback implements the ordered speech delivery queue for a single
// proctoring session.
//
// A [Queue] owns one consumer goroutine that hands text segments to a
// [Synthesizer] strictly in submission order, pacing consecutive segments
// with a configurable minimum gap so back-to-back speech does not sound
// clipped. The queue exposes the composite busy signal
// ([Queue.IsIdle]) that the orchestrator uses to decide whether an inbound
// utterance counts as a barge-in, and a single cancellation primitive
// ([Queue.ClearAndInterrupt]) that discards all pending segments and stops
// the in-flight one as soon as possible.
//
// One Queue belongs to exactly one session's outgoing audio at a time.
// All exported methods are safe for concurrent use.
package playback

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/candorlabs/viva/internal/observe"
)

// Synthesizer turns a text segment into audible speech and reports how long
// the resulting audio runs. When the underlying service has no completion
// signal, implementations return an estimated duration; the consumer waits it
// out so that pacing and idle reporting stay correct. An error applies to
// that segment only.
type Synthesizer func(ctx context.Context, text string) (time.Duration, error)

// defaultMinGap is the pause inserted between consecutive segments when the
// configuration does not specify one.
const defaultMinGap = 300 * time.Millisecond

// Queue is an ordered, cancelable delivery pipeline for outgoing speech
// segments. Construct with [New], then call [Queue.Start] before enqueuing.
type Queue struct {
	synth   Synthesizer
	minGap  time.Duration
	metrics *observe.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []string
	speaking bool
	started  bool
	stopped  bool
	cancel   context.CancelFunc // cancels the in-flight synthesis, nil when idle
	idle     chan struct{}      // closed while the queue is idle, replaced when busy
	lastEnd  time.Time          // completion time of the previous segment

	wake         chan struct{}
	done         chan struct{}
	consumerDone chan struct{}
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithMinGap sets the minimum pause between the completion of one segment
// and the start of the next. Non-positive values fall back to the default
// of 300ms.
func WithMinGap(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.minGap = d
		}
	}
}

// WithMetrics wires an [observe.Metrics] instance for per-segment counters
// and synthesis latency. When unset, the queue records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a Queue that delivers segments to synth. The queue does not
// process anything until [Queue.Start] is called.
func New(synth Synthesizer, opts ...Option) *Queue {
	idle := make(chan struct{})
	close(idle) // a fresh queue is idle
	q := &Queue{
		synth:        synth,
		minGap:       defaultMinGap,
		logger:       slog.Default(),
		idle:         idle,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start launches the consumer goroutine. Idempotent; calling Start on a
// stopped queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Enqueue appends a speech segment to the pending sequence and returns
// immediately. Segments that are empty after trimming are dropped. Enqueue
// has no effect before [Queue.Start] or after [Queue.Stop].
func (q *Queue) Enqueue(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, text)
	q.markBusyLocked()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// IsSpeaking reports whether a segment is actively being synthesised or
// played right now.
func (q *Queue) IsSpeaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// IsIdle reports whether the pending sequence is empty and nothing is being
// spoken. This is the signal callers use to decide whether an inbound
// utterance is a barge-in.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.speaking && len(q.pending) == 0
}

// WaitUntilEmpty blocks until the queue becomes idle, ctx is cancelled, or
// the queue is stopped. Returns ctx.Err() on cancellation and nil otherwise.
func (q *Queue) WaitUntilEmpty(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
			// The idle channel observed here may be stale: a new segment can
			// have arrived between the read and the close. Re-check state.
			if q.IsIdle() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		}
	}
}

// ClearAndInterrupt atomically discards every pending segment and signals the
// in-flight synthesis to stop as soon as possible. The currently playing
// segment may finish naturally, but no segment enqueued before the call will
// start after it returns. Idempotent and safe to call from any goroutine.
func (q *Queue) ClearAndInterrupt() {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 || cancel != nil {
		q.logger.Info("playback interrupted",
			"dropped_segments", dropped,
			"was_speaking", cancel != nil,
		)
	}
	if q.metrics != nil {
		for range dropped {
			q.metrics.RecordPlaybackSegment(context.Background(), "dropped")
		}
	}
}

// Stop shuts the queue down permanently: pending segments are discarded, the
// in-flight synthesis is interrupted, and the consumer goroutine exits.
// After Stop, Enqueue is a no-op. Safe to call multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.pending = nil
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(q.done)
	if started {
		<-q.consumerDone
	}
}

// markBusyLocked replaces the closed idle channel with an open one when the
// queue transitions from idle to busy. Caller must hold q.mu.
func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
		// Already busy.
	}
}

// markIdleLocked closes the idle channel when the queue has fully drained.
// Caller must hold q.mu.
func (q *Queue) markIdleLocked() {
	if !q.speaking && len(q.pending) == 0 {
		select {
		case <-q.idle:
			// Already closed.
		default:
			close(q.idle)
		}
	}
}

// run is the consumer loop: dequeue, pace, synthesise, repeat.
func (q *Queue) run() {
	defer close(q.consumerDone)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			q.markIdleLocked()
			q.mu.Unlock()
			select {
			case <-q.done:
				return
			case <-q.wake:
			}
			q.mu.Lock()
		}

		// Pacing: segment n+1 starts no earlier than minGap after segment n
		// finished. Interruptible so Stop does not leak the consumer.
		if wait := q.minGap - time.Since(q.lastEnd); !q.lastEnd.IsZero() && wait > 0 {
			q.mu.Unlock()
			select {
			case <-q.done:
				return
			case <-time.After(wait):
			}
			q.mu.Lock()
			// A ClearAndInterrupt during the gap may have emptied the queue.
			if len(q.pending) == 0 {
				q.mu.Unlock()
				continue
			}
		}

		text := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.speaking = true
		q.mu.Unlock()

		q.play(ctx, text)
		cancel()

		q.mu.Lock()
		q.cancel = nil
		q.speaking = false
		q.lastEnd = time.Now()
		q.markIdleLocked()
		q.mu.Unlock()
	}
}

// play synthesises one segment and waits out its reported duration so that
// IsSpeaking covers actual playback, not just dispatch.
func (q *Queue) play(ctx context.Context, text string) {
	start := time.Now()
	dur, err := q.synth(ctx, text)
	elapsed := time.Since(start)

	if q.metrics != nil {
		q.metrics.SynthesisDuration.Record(ctx, elapsed.Seconds())
	}

	if err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-synthesis; not a synthesizer failure.
			return
		}
		// One bad segment must not stall the queue: log and move on.
		q.logger.Warn("synthesis failed, skipping segment",
			"error", err,
			"text_len", len(text),
		)
		if q.metrics != nil {
			q.metrics.RecordPlaybackSegment(context.Background(), "failed")
		}
		return
	}

	// If the synthesizer returned before the audio finished playing, wait
	// for the remainder. A ClearAndInterrupt cancels this wait.
	if remaining := dur - elapsed; remaining > 0 {
		select {
		case <-ctx.Done():
		case <-q.done:
		case <-time.After(remaining):
		}
	}

	if q.metrics != nil {
		q.metrics.RecordPlaybackSegment(context.Background(), "played")
	}
}
