package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/candorlabs/viva/internal/proctor"
)

// Outbound event types on the session socket. Audio travels as binary
// frames; everything else is a JSON text frame with a "type" field.
const (
	eventSpeak      = "speak"
	eventResponse   = "response"
	eventSessionEnd = "session_end"
)

// outboundEvent is the JSON envelope for text frames sent to the client.
type outboundEvent struct {
	Type string `json:"type"`

	// Text carries the spoken line for "speak" events.
	Text string `json:"text,omitempty"`

	// Response carries the UI mirror for "response" events.
	Response *proctor.UIMessage `json:"response,omitempty"`

	// Reason carries the termination reason for "session_end" events.
	Reason string `json:"reason,omitempty"`
}

// errNoConn is returned by sink writes while the session is in its
// disconnect grace window.
var errNoConn = errors.New("server: no active connection")

// sink is the write side of a session's websocket. The connection behind it
// is swapped on reconnect, so the playback queue and UI notifier keep a
// stable handle across drops. Safe for concurrent use.
type sink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// set installs conn as the active connection.
func (s *sink) set(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// clear detaches conn if it is still the active connection. A stale clear
// from an already-replaced connection is a no-op.
func (s *sink) clear(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// current returns the active connection, or nil during a grace window.
func (s *sink) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// sendBinary writes one audio frame to the client.
func (s *sink) sendBinary(ctx context.Context, data []byte) error {
	conn := s.current()
	if conn == nil {
		return errNoConn
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// sendEvent writes one JSON text frame to the client.
func (s *sink) sendEvent(ctx context.Context, ev outboundEvent) error {
	conn := s.current()
	if conn == nil {
		return errNoConn
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

// close closes the active connection with the given status, if any.
func (s *sink) close(status websocket.StatusCode, reason string) {
	conn := s.current()
	if conn == nil {
		return
	}
	_ = conn.Close(status, reason)
}

// NotifyResponse implements [proctor.UINotifier] by mirroring the spoken
// response as a "response" event. Delivery is best effort; a dropped frame
// never fails the turn.
func (s *sink) NotifyResponse(ctx context.Context, msg proctor.UIMessage) {
	_ = s.sendEvent(ctx, outboundEvent{Type: eventResponse, Response: &msg})
}
