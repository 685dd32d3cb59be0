package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/candorlabs/viva/internal/billing"
	"github.com/candorlabs/viva/internal/checkpoint"
	"github.com/candorlabs/viva/internal/classify"
	"github.com/candorlabs/viva/internal/config"
	"github.com/candorlabs/viva/internal/engine"
	"github.com/candorlabs/viva/internal/observe"
	"github.com/candorlabs/viva/internal/playback"
	"github.com/candorlabs/viva/internal/proctor"
	"github.com/candorlabs/viva/internal/questionbank"
	"github.com/candorlabs/viva/internal/report"
	"github.com/candorlabs/viva/pkg/provider/stt"
	"github.com/candorlabs/viva/pkg/provider/tts"
)

// Deps holds the shared collaborators every session is built from.
// All fields except Billing, Report, Metrics, and Logger are required.
type Deps struct {
	Config  *config.Config
	Store   checkpoint.Store
	Bank    questionbank.Store
	Engine  engine.Engine
	STT     stt.Provider
	TTS     tts.Provider
	Billing billing.Recorder
	Report  report.Trigger
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// Now overrides the session clock, for tests. Defaults to [time.Now].
	Now func() time.Time
}

// Session bundles one session's orchestrator with its playback queue and
// the swappable write side of its socket.
type Session struct {
	id    string
	orch  *proctor.Orchestrator
	queue *playback.Queue
	sink  *sink
}

// Manager owns the set of live sessions. A session is created on first
// attach, survives disconnects through the orchestrator's grace window, and
// is torn down when the orchestrator reports termination. All exported
// methods are safe for concurrent use.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Attach binds conn to the session, creating the session on first contact.
// The second return value reports whether this was a reconnect into an
// existing session. For a reconnect the orchestrator speaks its resumption
// summary before Attach returns; a finished session yields
// [proctor.ErrSessionOver].
func (m *Manager) Attach(ctx context.Context, sessionID string, conn *websocket.Conn) (*Session, bool, error) {
	m.mu.Lock()
	if ls, ok := m.sessions[sessionID]; ok {
		ls.sink.set(conn)
		m.mu.Unlock()

		// On ErrSessionOver the session may still have a goodbye line queued;
		// the caller drains the queue before closing the socket.
		if err := ls.orch.OnReconnect(ctx); err != nil {
			return ls, true, err
		}
		m.logger.Info("session reconnected", "session_id", sessionID)
		return ls, true, nil
	}

	ls := m.create(sessionID)
	m.sessions[sessionID] = ls
	m.mu.Unlock()

	ls.sink.set(conn)
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Add(ctx, 1)
	}
	m.logger.Info("session created", "session_id", sessionID, "exam_id", m.deps.Config.Exam.ExamID)
	return ls, false, nil
}

// create builds the per-session collaborator graph. Caller holds m.mu.
func (m *Manager) create(sessionID string) *Session {
	sk := &sink{}

	queue := playback.New(
		m.synthesizer(sk),
		playback.WithMinGap(m.deps.Config.Session.MinGap()),
		playback.WithMetrics(m.deps.Metrics),
		playback.WithLogger(m.logger.With("session_id", sessionID)),
	)
	queue.Start()

	classifier := classify.New(classify.Config(m.deps.Config.Session.Classifier))

	orch := proctor.New(proctor.Config{
		SessionID:   sessionID,
		ExamID:      m.deps.Config.Exam.ExamID,
		Allotted:    m.deps.Config.Exam.Allotted(),
		Store:       m.deps.Store,
		Bank:        m.deps.Bank,
		Engine:      m.deps.Engine,
		Queue:       queue,
		Classifier:  classifier,
		Billing:     m.deps.Billing,
		Report:      m.deps.Report,
		UI:          sk,
		GracePeriod: m.deps.Config.Session.GracePeriod(),
		Logger:      m.logger,
		Metrics:     m.deps.Metrics,
		Now:         m.deps.Now,
		TerminateFunc: func(reason string) {
			m.finish(sessionID, reason)
		},
	})

	return &Session{id: sessionID, orch: orch, queue: queue, sink: sk}
}

// synthesizer adapts the TTS provider into the playback queue's contract:
// synthesise the segment, stream it to the client, report its duration so
// the queue can pace the next segment.
func (m *Manager) synthesizer(sk *sink) playback.Synthesizer {
	return func(ctx context.Context, text string) (time.Duration, error) {
		audio, err := m.deps.TTS.Synthesize(ctx, text)
		if err != nil {
			return 0, err
		}
		if err := sk.sendEvent(ctx, outboundEvent{Type: eventSpeak, Text: text}); err != nil {
			return 0, fmt.Errorf("server: announce segment: %w", err)
		}
		if err := sk.sendBinary(ctx, audio.PCM); err != nil {
			return 0, fmt.Errorf("server: stream segment: %w", err)
		}
		return audio.Duration, nil
	}
}

// Detach records that conn dropped. If it is still the session's active
// connection the orchestrator starts its grace window.
func (m *Manager) Detach(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if ls.sink.current() != conn {
		return
	}
	ls.sink.clear(conn)
	ls.orch.OnDisconnect()
	m.logger.Info("session disconnected", "session_id", sessionID)
}

// finish removes a terminated session and tells the client why. Called by
// the orchestrator's TerminateFunc after the terminal state is persisted.
func (m *Manager) finish(sessionID, reason string) {
	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The terminal goodbye was enqueued just before termination; let it
	// stream to the client before the socket goes away.
	_ = ls.queue.WaitUntilEmpty(ctx)
	_ = ls.sink.sendEvent(ctx, outboundEvent{Type: eventSessionEnd, Reason: reason})
	ls.sink.close(websocket.StatusNormalClosure, reason)
	ls.queue.Stop()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveSessions.Add(ctx, -1)
	}
	m.logger.Info("session finished", "session_id", sessionID, "reason", reason)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every live session socket and stops the playback queues.
// Session state survives in the checkpoint store for later resumption.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, ls := range m.sessions {
		sessions = append(sessions, ls)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, ls := range sessions {
		ls.sink.close(websocket.StatusGoingAway, "server shutting down")
		ls.queue.Stop()
		if m.deps.Metrics != nil {
			m.deps.Metrics.ActiveSessions.Add(ctx, -1)
		}
	}
	if len(sessions) > 0 {
		m.logger.Info("closed live sessions for shutdown", "count", len(sessions))
	}
}
