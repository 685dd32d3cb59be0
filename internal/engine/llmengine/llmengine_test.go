package llmengine

import (
	"sync"
	"testing"

	"github.com/candorlabs/viva/internal/engine"
)

func TestParseDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantErr     bool
		wantAdvance bool
		wantText    string
	}{
		{
			name:     "plain json",
			content:  `{"advance": null, "response": "Tell me more.", "kind": "question"}`,
			wantText: "Tell me more.",
		},
		{
			name:        "with advance",
			content:     `{"advance": {"completion": "answered"}, "response": "Well done. Next question.", "kind": "question"}`,
			wantAdvance: true,
			wantText:    "Well done. Next question.",
		},
		{
			name:     "fenced in markdown",
			content:  "Here is my decision:\n```json\n{\"advance\": null, \"response\": \"Go on.\", \"kind\": \"feedback\"}\n```",
			wantText: "Go on.",
		},
		{
			name:    "not json",
			content: "I think the student did well.",
			wantErr: true,
		},
		{
			name:    "missing response",
			content: `{"advance": null, "kind": "feedback"}`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseDecision(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDecision: %v", err)
			}
			if got := d.Advance != nil; got != tc.wantAdvance {
				t.Errorf("advance present = %t, want %t", got, tc.wantAdvance)
			}
			if d.Response != tc.wantText {
				t.Errorf("response = %q, want %q", d.Response, tc.wantText)
			}
		})
	}
}

func TestNextAckConcurrent(t *testing.T) {
	t.Parallel()

	// One Engine serves every live session, so nextAck runs from many turn
	// goroutines at once.
	e := &Engine{}
	const workers, perWorker = 8, 100

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if line := e.nextAck(); line == "" {
					t.Error("nextAck returned an empty line")
				}
			}
		}()
	}
	wg.Wait()

	if e.ackIdx != workers*perWorker {
		t.Errorf("ackIdx = %d, want %d", e.ackIdx, workers*perWorker)
	}
}

func TestCompletionFrom(t *testing.T) {
	t.Parallel()

	if got := completionFrom("answered"); got != engine.CompletionAnswered {
		t.Errorf("completionFrom(answered) = %q", got)
	}
	if got := completionFrom("gibberish"); got != engine.CompletionPartial {
		t.Errorf("completionFrom(gibberish) = %q, want partial fallback", got)
	}
}

func TestResponseKindFrom(t *testing.T) {
	t.Parallel()

	if got := responseKindFrom("instruction"); got != engine.ResponseInstruction {
		t.Errorf("responseKindFrom(instruction) = %q", got)
	}
	if got := responseKindFrom(""); got != engine.ResponseFeedback {
		t.Errorf("responseKindFrom(empty) = %q, want feedback fallback", got)
	}
}
