package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/candorlabs/viva/internal/proctor"
	"github.com/candorlabs/viva/pkg/provider/stt"
)

// sttStreamConfig is the audio format candidates stream over the socket:
// 16-bit little-endian mono PCM.
var sttStreamConfig = stt.StreamConfig{
	SampleRate: 48000,
	Channels:   1,
	Language:   "en-US",
}

// inboundEvent is the JSON envelope for text frames received from the
// client. Binary frames are always audio and bypass this.
type inboundEvent struct {
	Type string `json:"type"`
}

// handleSession upgrades the request to a websocket and runs the session's
// audio loop until the client disconnects or the session terminates.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	ctx := r.Context()
	logger := s.logger.With("session_id", sessionID)

	ls, resumed, err := s.manager.Attach(ctx, sessionID, conn)
	if err != nil {
		if errors.Is(err, proctor.ErrSessionOver) {
			s.closeFinished(ctx, ls, conn)
			return
		}
		logger.Error("session attach failed", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	sttSess, err := s.deps.STT.StartStream(ctx, sttStreamConfig)
	if err != nil {
		logger.Error("speech recognition unavailable", "error", err)
		s.manager.Detach(sessionID, conn)
		_ = conn.Close(websocket.StatusInternalError, "speech recognition unavailable")
		return
	}
	defer sttSess.Close()

	go s.pumpUtterances(ctx, ls, sttSess)

	if !resumed {
		go func() {
			if err := ls.orch.StartSession(ctx); err != nil {
				logger.Warn("first-contact turn failed", "error", err)
			}
		}()
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.manager.Detach(sessionID, conn)
			logger.Debug("socket closed", "error", err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if err := sttSess.SendAudio(data); err != nil {
				logger.Warn("audio forward failed", "error", err)
			}
		case websocket.MessageText:
			s.handleClientEvent(logger, data)
		}
	}
}

// pumpUtterances forwards end-of-turn events from the recogniser to the
// orchestrator. Superseded and dropped turns are part of normal operation
// and logged quietly.
func (s *Server) pumpUtterances(ctx context.Context, ls *Session, sess stt.SessionHandle) {
	logger := s.logger.With("session_id", ls.id)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sess.Utterances():
			if !ok {
				return
			}
			if u.Text == "" {
				continue
			}
			err := ls.orch.HandleUtterance(ctx, u.Text, u.Metadata)
			switch {
			case err == nil:
			case errors.Is(err, proctor.ErrTurnSuperseded),
				errors.Is(err, proctor.ErrProtocolViolation),
				errors.Is(err, context.Canceled):
				logger.Debug("turn dropped", "error", err)
			default:
				logger.Warn("utterance handling failed", "error", err)
			}
		}
	}
}

// handleClientEvent processes a JSON control frame from the client. Unknown
// event types are ignored so older clients keep working.
func (s *Server) handleClientEvent(logger *slog.Logger, data []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Debug("malformed client event", "error", err)
		return
	}
	logger.Debug("client event ignored", "type", ev.Type)
}

// closeFinished handles a reconnect into a session that already ended: let
// the queued goodbye line flush, tell the client, and close the socket.
func (s *Server) closeFinished(ctx context.Context, ls *Session, conn *websocket.Conn) {
	if ls != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = ls.queue.WaitUntilEmpty(drainCtx)
		cancel()

		raw, _ := json.Marshal(outboundEvent{Type: eventSessionEnd, Reason: "finished"})
		_ = conn.Write(ctx, websocket.MessageText, raw)
		ls.sink.clear(conn)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session over")
}
