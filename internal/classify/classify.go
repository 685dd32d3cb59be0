// Package classify decides what a student utterance means when it arrives
// while the proctor is still speaking.
//
// A barge-in utterance carries one of three intents:
//
//   - [IntentAcknowledgment] — conversational filler ("okay", "mhm") that
//     should not disturb ongoing playback.
//   - [IntentCancel] — a stop/hold request; playback is cleared silently and
//     the utterance is not forwarded to the exam engine.
//   - [IntentNewInput] — substantive content; playback is cleared and the
//     utterance supersedes whatever the proctor was saying.
//
// Classification happens in two layers. [Lexical] is a closed-vocabulary
// lookup, tolerant of case, punctuation, and (for longer tokens) one
// transcription edit. [Classifier.WithProsody] refines the lexical result
// with timing signals from [TurnMetadata], because the same words spoken
// briefly versus at length mean different things.
//
// Both functions are pure: identical inputs always produce identical
// results, and neither consults playback or session state.
package classify

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// TurnMetadata describes one captured student utterance as reported by the
// speech-to-text boundary. Values are immutable once produced.
type TurnMetadata struct {
	// DurationMs is the spoken length of the utterance in milliseconds.
	DurationMs float64 `json:"duration_ms"`

	// WordCount is the number of words in the final transcript.
	WordCount int `json:"word_count"`

	// HadTurnResumed reports whether the student kept talking after an
	// apparent pause — the STT boundary emitted a turn-resumed event before
	// the final transcript arrived.
	HadTurnResumed bool `json:"had_turn_resumed"`
}

// Intent is the closed set of barge-in meanings.
type Intent int

const (
	// IntentAcknowledgment marks filler speech that requires no action.
	IntentAcknowledgment Intent = iota

	// IntentCancel marks a stop/hold request: clear playback, nothing more.
	IntentCancel

	// IntentNewInput marks substantive speech that should cancel playback
	// and be routed to the exam engine.
	IntentNewInput
)

// String returns the lower-case name of the intent for logging and metrics.
func (i Intent) String() string {
	switch i {
	case IntentAcknowledgment:
		return "acknowledgment"
	case IntentCancel:
		return "cancel"
	case IntentNewInput:
		return "new_input"
	default:
		return "unknown"
	}
}

// acknowledgmentVocab lists short agreement/continue tokens. Multi-word
// entries match the whole normalised utterance.
var acknowledgmentVocab = []string{
	"okay", "ok", "k", "sure", "yes", "yeah", "yep", "yup",
	"mhm", "mm hmm", "mm-hmm", "uh huh", "uh-huh",
	"go ahead", "go on", "right", "i see", "got it", "alright", "all right",
	"hmm", "hm", "ah", "oh",
}

// cancelVocab lists short stop/hold tokens.
var cancelVocab = []string{
	"stop", "wait", "hold on", "hang on", "never mind", "nevermind",
	"one second", "one sec", "pause", "shush", "quiet",
}

// fuzzyMinRunes is the minimum token length eligible for fuzzy vocabulary
// matching. Shorter tokens ("ok", "k") must match exactly — a one-edit
// neighbourhood around them is far too permissive.
const fuzzyMinRunes = 4

// Config holds the prosody thresholds used by [Classifier]. The numeric
// cutoffs are heuristic; they are configuration rather than constants so
// deployments can tune them without a rebuild.
type Config struct {
	// ResumeWordThreshold is the word count above which a resumed turn is
	// always treated as new input, regardless of lexical content.
	ResumeWordThreshold int `yaml:"resume_word_threshold"`

	// LongDurationMs marks sustained speech: at or above this duration the
	// utterance is new input even if it opens with an acknowledgment word.
	LongDurationMs float64 `yaml:"long_duration_ms"`

	// LongWordCount marks wordy speech with the same effect as LongDurationMs.
	LongWordCount int `yaml:"long_word_count"`

	// ShortDurationMs and ShortWordCount bound what counts as a "short"
	// utterance for the cancel/acknowledgment fast paths.
	ShortDurationMs float64 `yaml:"short_duration_ms"`
	ShortWordCount  int     `yaml:"short_word_count"`
}

// DefaultConfig returns the prosody thresholds used when the session config
// leaves them unset.
func DefaultConfig() Config {
	return Config{
		ResumeWordThreshold: 2,
		LongDurationMs:      3000,
		LongWordCount:       10,
		ShortDurationMs:     1000,
		ShortWordCount:      2,
	}
}

// Classifier applies the prosody-aware classification policy. The zero value
// is not usable; construct via [New]. Classifier is read-only after
// construction and safe for concurrent use.
type Classifier struct {
	cfg Config
}

// New returns a [Classifier] with the given thresholds. Zero-valued fields
// in cfg fall back to [DefaultConfig] values.
func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.ResumeWordThreshold <= 0 {
		cfg.ResumeWordThreshold = def.ResumeWordThreshold
	}
	if cfg.LongDurationMs <= 0 {
		cfg.LongDurationMs = def.LongDurationMs
	}
	if cfg.LongWordCount <= 0 {
		cfg.LongWordCount = def.LongWordCount
	}
	if cfg.ShortDurationMs <= 0 {
		cfg.ShortDurationMs = def.ShortDurationMs
	}
	if cfg.ShortWordCount <= 0 {
		cfg.ShortWordCount = def.ShortWordCount
	}
	return &Classifier{cfg: cfg}
}

// Lexical classifies text by vocabulary alone. Matching is case-insensitive
// and ignores surrounding punctuation and whitespace. Tokens of at least
// four runes also match within one Damerau-Levenshtein edit, so common STT
// misspellings ("okey", "shure") land in the right set. Anything that
// matches neither vocabulary — in particular any longer utterance — is
// [IntentNewInput].
func Lexical(text string) Intent {
	norm := normalise(text)
	if norm == "" {
		return IntentAcknowledgment
	}
	if matchesVocab(norm, cancelVocab) {
		return IntentCancel
	}
	if matchesVocab(norm, acknowledgmentVocab) {
		return IntentAcknowledgment
	}
	return IntentNewInput
}

// WithProsody refines [Lexical] with timing and length signals. The policy,
// in priority order:
//
//  1. A resumed turn with real content is never a stray acknowledgment:
//     HadTurnResumed with a word count above the resume threshold is
//     [IntentNewInput] regardless of vocabulary.
//  2. Sustained speech (long duration or large word count) is
//     [IntentNewInput] even when it opens with an acknowledgment word.
//  3. A short utterance matching the cancel vocabulary is [IntentCancel].
//  4. A short utterance matching the acknowledgment vocabulary is
//     [IntentAcknowledgment].
//  5. Everything else falls back to [Lexical].
func (c *Classifier) WithProsody(text string, meta TurnMetadata) Intent {
	if meta.HadTurnResumed && meta.WordCount > c.cfg.ResumeWordThreshold {
		return IntentNewInput
	}
	if meta.DurationMs >= c.cfg.LongDurationMs || meta.WordCount >= c.cfg.LongWordCount {
		return IntentNewInput
	}

	short := meta.DurationMs <= c.cfg.ShortDurationMs && meta.WordCount <= c.cfg.ShortWordCount
	if short {
		norm := normalise(text)
		if matchesVocab(norm, cancelVocab) {
			return IntentCancel
		}
		if matchesVocab(norm, acknowledgmentVocab) {
			return IntentAcknowledgment
		}
	}

	return Lexical(text)
}

// normalise lower-cases text and strips punctuation so that "Okay!" and
// "never mind." compare equal to their vocabulary entries.
func normalise(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	b.Grow(len(lower))
	lastSpace := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '-':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// Drop punctuation.
		}
	}
	return strings.TrimSpace(b.String())
}

// matchesVocab reports whether the normalised utterance matches any entry of
// vocab, exactly or within one edit for entries of at least fuzzyMinRunes.
func matchesVocab(norm string, vocab []string) bool {
	for _, entry := range vocab {
		if norm == entry {
			return true
		}
		if len([]rune(entry)) >= fuzzyMinRunes && len([]rune(norm)) >= fuzzyMinRunes {
			if matchr.DamerauLevenshtein(norm, entry) <= 1 {
				return true
			}
		}
	}
	return false
}
