package classify

import "testing"

func TestLexical(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want Intent
	}{
		{"plain acknowledgment", "okay", IntentAcknowledgment},
		{"acknowledgment with punctuation", "Okay!", IntentAcknowledgment},
		{"multi-word acknowledgment", "go ahead", IntentAcknowledgment},
		{"backchannel", "mhm", IntentAcknowledgment},
		{"cancel", "stop", IntentCancel},
		{"cancel with whitespace", "  STOP  ", IntentCancel},
		{"multi-word cancel", "hold on", IntentCancel},
		{"cancel with trailing period", "never mind.", IntentCancel},
		{"substantive", "the mitochondria is the powerhouse of the cell", IntentNewInput},
		{"question", "can you repeat the question", IntentNewInput},
		{"fuzzy acknowledgment", "okey", IntentAcknowledgment},
		{"fuzzy sure", "shure", IntentAcknowledgment},
		{"short token no fuzzy", "oj", IntentNewInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Lexical(tc.text); got != tc.want {
				t.Fatalf("Lexical(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestWithProsody(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig())

	cases := []struct {
		name string
		text string
		meta TurnMetadata
		want Intent
	}{
		{
			name: "short acknowledgment stays acknowledgment",
			text: "okay",
			meta: TurnMetadata{DurationMs: 500, WordCount: 1},
			want: IntentAcknowledgment,
		},
		{
			name: "short cancel stays cancel",
			text: "stop",
			meta: TurnMetadata{DurationMs: 600, WordCount: 1},
			want: IntentCancel,
		},
		{
			name: "long duration overrides leading acknowledgment word",
			text: "okay so here is my answer about photosynthesis",
			meta: TurnMetadata{DurationMs: 4000, WordCount: 10},
			want: IntentNewInput,
		},
		{
			name: "resumed turn with content is new input",
			text: "wait actually let me think",
			meta: TurnMetadata{DurationMs: 2000, WordCount: 5, HadTurnResumed: true},
			want: IntentNewInput,
		},
		{
			name: "resumed single word still classified by vocabulary",
			text: "wait",
			meta: TurnMetadata{DurationMs: 400, WordCount: 1, HadTurnResumed: true},
			want: IntentCancel,
		},
		{
			name: "large word count is new input",
			text: "yes yes yes yes yes yes yes yes yes yes",
			meta: TurnMetadata{DurationMs: 2500, WordCount: 10},
			want: IntentNewInput,
		},
		{
			name: "mid-length non-vocabulary is new input",
			text: "question three please",
			meta: TurnMetadata{DurationMs: 1200, WordCount: 3},
			want: IntentNewInput,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := c.WithProsody(tc.text, tc.meta); got != tc.want {
				t.Fatalf("WithProsody(%q, %+v) = %v, want %v", tc.text, tc.meta, got, tc.want)
			}
		})
	}
}

func TestWithProsodyDeterministic(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig())
	meta := TurnMetadata{DurationMs: 900, WordCount: 2}
	first := c.WithProsody("hold on", meta)
	for range 100 {
		if got := c.WithProsody("hold on", meta); got != first {
			t.Fatalf("classification is not deterministic: %v then %v", first, got)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	if c.cfg != DefaultConfig() {
		t.Fatalf("zero config did not fall back to defaults: %+v", c.cfg)
	}
}

func TestIntentString(t *testing.T) {
	t.Parallel()

	if IntentAcknowledgment.String() != "acknowledgment" ||
		IntentCancel.String() != "cancel" ||
		IntentNewInput.String() != "new_input" {
		t.Fatal("unexpected intent names")
	}
	if Intent(42).String() != "unknown" {
		t.Fatal("out-of-range intent should be unknown")
	}
}
