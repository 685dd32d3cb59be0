// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. It implements the stt.Provider interface.
//
// Turn boundaries come from Deepgram's endpointing: results marked
// speech_final mark an apparent pause, and an UtteranceEnd message commits
// the turn. Speech arriving between the two is treated as the same turn
// resuming, which is exactly the signal the interruption classifier's
// had_turn_resumed flag carries.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/candorlabs/viva/internal/classify"
	"github.com/candorlabs/viva/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// utteranceEndMs is the silence Deepgram waits for before committing an
	// UtteranceEnd message.
	utteranceEndMs = 1000
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level
// default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:       conn,
		utterances: make(chan stt.Utterance, 16),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given
// config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMs))
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram Results or
// UtteranceEnd event.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word  string  `json:"word"`
				Start float64 `json:"start"`
				End   float64 `json:"end"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// turnAccumulator folds a run of Deepgram results into one end-of-turn
// utterance.
type turnAccumulator struct {
	parts       []string
	confidence  float64
	firstStart  float64
	lastEnd     float64
	hasWords    bool
	apparentEnd bool // a speech_final was seen; more speech means the turn resumed
	resumed     bool
}

// addFinal merges one is_final result into the turn.
func (a *turnAccumulator) addFinal(resp *deepgramResponse) {
	alt := resp.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return
	}

	if a.apparentEnd {
		a.resumed = true
		a.apparentEnd = false
	}

	a.parts = append(a.parts, text)
	if alt.Confidence > 0 {
		a.confidence = alt.Confidence
	}
	if len(alt.Words) > 0 {
		if !a.hasWords {
			a.firstStart = alt.Words[0].Start
			a.hasWords = true
		}
		a.lastEnd = alt.Words[len(alt.Words)-1].End
	}
	if resp.SpeechFinal {
		a.apparentEnd = true
	}
}

// utterance converts the accumulated turn into an stt.Utterance. Returns
// false when nothing was spoken.
func (a *turnAccumulator) utterance() (stt.Utterance, bool) {
	if len(a.parts) == 0 {
		return stt.Utterance{}, false
	}
	text := strings.Join(a.parts, " ")
	return stt.Utterance{
		Text: text,
		Metadata: classify.TurnMetadata{
			DurationMs:     (a.lastEnd - a.firstStart) * 1000,
			WordCount:      len(strings.Fields(text)),
			HadTurnResumed: a.resumed,
		},
		Confidence: a.confidence,
	}, true
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn       *websocket.Conn
	utterances chan stt.Utterance
	audio      chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Utterances returns the channel of end-of-turn events.
func (s *session) Utterances() <-chan stt.Utterance { return s.utterances }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before the socket goes away.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to
// Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain buffered audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram, folds Results into the
// current turn, and emits one utterance per UtteranceEnd.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.utterances)

	var turn turnAccumulator
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		switch resp.Type {
		case "Results":
			if resp.IsFinal && len(resp.Channel.Alternatives) > 0 {
				turn.addFinal(&resp)
			}
		case "UtteranceEnd":
			if u, ok := turn.utterance(); ok {
				select {
				case s.utterances <- u:
				case <-s.done:
					return
				}
			}
			turn = turnAccumulator{}
		}
	}
}
