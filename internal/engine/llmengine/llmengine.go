// Package llmengine implements [engine.Engine] on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider LLM interface
// supporting OpenAI, Anthropic, Gemini, Ollama, Groq, and more.
//
// The engine prompts the model with the restored session fields and asks for
// a single JSON object describing the turn decision. An early acknowledgment
// is emitted before the model call so the student hears something while the
// model is still working.
//
// Usage:
//
//	e, err := llmengine.New("anthropic", "claude-3-5-sonnet-latest")
//	e, err := llmengine.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
package llmengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/candorlabs/viva/internal/engine"
	"github.com/candorlabs/viva/internal/observe"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

const systemPrompt = `You are a calm, encouraging oral-exam proctor. You receive the
session state and the student's latest utterance, and you reply with a single
JSON object, nothing else:

{
  "advance": {"completion": "answered" | "skipped" | "partial"} or null,
  "response": "<what you say to the student next>",
  "kind": "question" | "feedback" | "instruction"
}

Rules:
- Set "advance" only when the current item is finished and the exam should
  move to the next one. Never advance on the greeting turn.
- On the greeting turn (marked synthetic), welcome the student and explain
  the format. Do not reveal the first question yet.
- Keep responses short; they are spoken aloud.`

// ackLines are the canned early acknowledgments spoken while the model works.
var ackLines = []string{
	"Alright, let me think about that.",
	"Okay, one moment.",
	"Got it, give me a second.",
}

// Engine implements [engine.Engine] by wrapping an any-llm-go provider.
type Engine struct {
	backend anyllmlib.Provider
	model   string
	logger  *slog.Logger
	metrics *observe.Metrics

	// ackMu guards ackIdx; one Engine serves every live session's turns.
	ackMu  sync.Mutex
	ackIdx int
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics wires an [observe.Metrics] instance for model-call latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "groq".
// model is the specific model to use (e.g., "gpt-4o",
// "claude-3-5-sonnet-latest"). llmOpts are any-llm-go configuration options;
// without an API key option the provider falls back to its environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, and so on).
func New(providerName, model string, llmOpts []anyllmlib.Option, opts ...Option) (*Engine, error) {
	if model == "" {
		return nil, fmt.Errorf("llmengine: model must not be empty")
	}
	backend, err := createBackend(providerName, llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("llmengine: create %q backend: %w", providerName, err)
	}

	e := &Engine{
		backend: backend,
		model:   model,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, groq", providerName)
	}
}

// StartTurn implements [engine.Engine].
func (e *Engine) StartTurn(ctx context.Context, input engine.TurnInput) (<-chan engine.Event, error) {
	params := e.buildParams(input)

	ch := make(chan engine.Event, 4)
	go func() {
		defer close(ch)

		// Speak something right away on substantive turns; the greeting turn
		// gets no filler because nothing was asked yet.
		if !input.Synthetic {
			ack := engine.Event{Kind: engine.EventAcknowledgment, Text: e.nextAck()}
			select {
			case ch <- ack:
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		resp, err := e.backend.Completion(ctx, params)
		if e.metrics != nil {
			e.metrics.EngineDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			// Closing without an EventFinal signals turn failure upstream.
			e.logger.Error("model completion failed",
				"session_id", input.SessionID,
				"model", e.model,
				"error", err,
			)
			return
		}
		if len(resp.Choices) == 0 {
			e.logger.Error("model returned no choices",
				"session_id", input.SessionID,
				"model", e.model,
			)
			return
		}

		decision, err := parseDecision(resp.Choices[0].Message.ContentString())
		if err != nil {
			e.logger.Error("unparseable model decision",
				"session_id", input.SessionID,
				"error", err,
			)
			return
		}

		if decision.Advance != nil && !input.Synthetic {
			adv := engine.Event{
				Kind: engine.EventAdvance,
				Advance: &engine.Advance{
					NewPosition: input.Position + 1,
					Completion:  completionFrom(decision.Advance.Completion),
				},
			}
			select {
			case ch <- adv:
			case <-ctx.Done():
				return
			}
		}

		final := engine.Event{
			Kind:         engine.EventFinal,
			Text:         decision.Response,
			ResponseKind: responseKindFrom(decision.Kind),
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// Close implements [engine.Engine].
func (e *Engine) Close() error {
	return nil
}

// nextAck cycles through the canned acknowledgment lines.
func (e *Engine) nextAck() string {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	line := ackLines[e.ackIdx%len(ackLines)]
	e.ackIdx++
	return line
}

// decision is the JSON object the model is instructed to produce.
type decision struct {
	Advance *struct {
		Completion string `json:"completion"`
	} `json:"advance"`
	Response string `json:"response"`
	Kind     string `json:"kind"`
}

// parseDecision extracts the decision JSON from the model output, tolerating
// markdown code fences and surrounding prose.
func parseDecision(content string) (*decision, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}
	var d decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if d.Response == "" {
		return nil, fmt.Errorf("decision has no response text")
	}
	return &d, nil
}

func completionFrom(s string) engine.Completion {
	switch engine.Completion(s) {
	case engine.CompletionAnswered, engine.CompletionSkipped, engine.CompletionPartial:
		return engine.Completion(s)
	default:
		return engine.CompletionPartial
	}
}

func responseKindFrom(s string) engine.ResponseKind {
	switch engine.ResponseKind(s) {
	case engine.ResponseQuestion, engine.ResponseFeedback, engine.ResponseInstruction:
		return engine.ResponseKind(s)
	default:
		return engine.ResponseFeedback
	}
}

// buildParams assembles the model request for one turn.
func (e *Engine) buildParams(input engine.TurnInput) anyllmlib.CompletionParams {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session state:\n")
	fmt.Fprintf(&sb, "- synthetic greeting turn: %t\n", input.Synthetic)
	fmt.Fprintf(&sb, "- exam started: %t\n", input.Started)
	fmt.Fprintf(&sb, "- position: %d of %d\n", input.Position, input.TotalItems)
	fmt.Fprintf(&sb, "- session elapsed: %s, remaining: %s\n",
		input.SessionElapsed.Round(time.Second), input.SessionRemaining.Round(time.Second))
	if input.Item != nil {
		fmt.Fprintf(&sb, "- current item (%s): %s\n", input.Item.Topic, input.Item.Prompt)
		fmt.Fprintf(&sb, "- expected time on item: %.0fs, spent so far: %s\n",
			input.Item.ExpectedSeconds, input.PositionElapsed.Round(time.Second))
		if input.Item.Rubric != "" {
			fmt.Fprintf(&sb, "- grading rubric: %s\n", input.Item.Rubric)
		}
	}
	if input.Synthetic {
		sb.WriteString("\nThe student just connected. Greet them.")
	} else {
		fmt.Fprintf(&sb, "\nStudent says: %q", input.Utterance)
	}

	temp := 0.4
	return anyllmlib.CompletionParams{
		Model:       e.model,
		Temperature: &temp,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: systemPrompt},
			{Role: anyllmlib.RoleUser, Content: sb.String()},
		},
	}
}
