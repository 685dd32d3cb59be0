// Package mock provides in-memory mock implementations of [stt.Provider]
// and [stt.SessionHandle] for use in unit tests.
//
// The session exposes an Emit method so tests can inject end-of-turn events
// as if the provider had recognised real speech.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/candorlabs/viva/pkg/provider/stt"
)

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// StartStreamError is returned by [Provider.StartStream].
	StartStreamError error

	// Sessions records every session handed out, in order.
	Sessions []*Session

	// StartStreamConfigs records the config of every StartStream call.
	StartStreamConfigs []stt.StreamConfig
}

// StartStream implements [stt.Provider].
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamConfigs = append(p.StartStreamConfigs, cfg)
	if p.StartStreamError != nil {
		return nil, p.StartStreamError
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// LastSession returns the most recently started session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Session is a mock implementation of [stt.SessionHandle].
type Session struct {
	mu sync.Mutex

	// SendAudioError is returned by [Session.SendAudio].
	SendAudioError error

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	utterances chan stt.Utterance
	closed     bool
}

// NewSession creates a Session ready to emit utterances.
func NewSession() *Session {
	return &Session{utterances: make(chan stt.Utterance, 16)}
}

// SendAudio implements [stt.SessionHandle].
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	s.AudioChunks = append(s.AudioChunks, chunk)
	return s.SendAudioError
}

// Chunks returns a copy of the audio chunks received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.AudioChunks))
	copy(out, s.AudioChunks)
	return out
}

// Utterances implements [stt.SessionHandle].
func (s *Session) Utterances() <-chan stt.Utterance { return s.utterances }

// Emit injects an end-of-turn event, as if the provider had recognised
// speech. Returns false if the session is closed.
func (s *Session) Emit(u stt.Utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.utterances <- u
	return true
}

// Close implements [stt.SessionHandle]. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.utterances)
	}
	return nil
}
