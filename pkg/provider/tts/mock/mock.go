// Package mock provides an in-memory mock implementation of [tts.Provider]
// for use in unit tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/candorlabs/viva/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider is a mock implementation of [tts.Provider]. All exported *Result
// and *Error fields control return values; SynthesizeCalls accumulates the
// texts passed in. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by [Provider.Synthesize]. When nil, a
	// small silent segment with a 100ms duration is returned.
	SynthesizeResult *tts.Audio

	// SynthesizeError is the error returned by [Provider.Synthesize].
	SynthesizeError error

	// SynthesizeCalls records the text of every Synthesize invocation.
	SynthesizeCalls []string
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(_ context.Context, text string) (*tts.Audio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)
	if p.SynthesizeError != nil {
		return nil, p.SynthesizeError
	}
	if p.SynthesizeResult != nil {
		return p.SynthesizeResult, nil
	}
	return &tts.Audio{
		PCM:        make([]byte, 4800),
		SampleRate: 24000,
		Duration:   100 * time.Millisecond,
	}, nil
}

// Calls returns a copy of the recorded Synthesize texts.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}
