package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"tts": {"openai"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	// Exam
	if cfg.Exam.ExamID == "" {
		errs = append(errs, errors.New("exam.exam_id is required"))
	}
	if cfg.Exam.PostgresDSN == "" {
		errs = append(errs, errors.New("exam.postgres_dsn is required; the question bank has no in-memory fallback"))
	}
	if cfg.Exam.AllottedMinutes < 0 {
		errs = append(errs, fmt.Errorf("exam.allotted_minutes %d must not be negative", cfg.Exam.AllottedMinutes))
	}
	if cfg.Exam.AllottedMinutes == 0 {
		slog.Warn("exam.allotted_minutes is 0; sessions run untimed and never receive time warnings")
	}

	// Session
	if cfg.Session.GraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.grace_seconds %d must not be negative", cfg.Session.GraceSeconds))
	}
	if cfg.Session.MinGapMs < 0 {
		errs = append(errs, fmt.Errorf("session.min_gap_ms %d must not be negative", cfg.Session.MinGapMs))
	}
	errs = append(errs, validateClassifier(cfg.Session.Classifier)...)

	// Degradation warnings for optional subsystems.
	if cfg.Checkpoint.PostgresDSN == "" {
		slog.Warn("checkpoint.postgres_dsn is empty; session state will not survive server restarts")
	}
	if cfg.Billing.StripeAPIKey == "" {
		slog.Warn("billing.stripe_api_key is empty; session usage will not be billed")
	} else if cfg.Billing.CustomerID == "" {
		errs = append(errs, errors.New("billing.customer_id is required when billing.stripe_api_key is set"))
	}
	if cfg.Report.RedisAddr == "" {
		slog.Warn("report.redis_addr is empty; post-session reports will not be generated")
	}

	return errors.Join(errs...)
}

// validateClassifier checks the prosody thresholds for internal consistency.
// Zero values are defaults and always pass.
func validateClassifier(c ClassifierConfig) []error {
	var errs []error
	if c.ResumeWordThreshold < 0 {
		errs = append(errs, fmt.Errorf("session.classifier.resume_word_threshold %d must not be negative", c.ResumeWordThreshold))
	}
	if c.LongDurationMs < 0 || c.ShortDurationMs < 0 {
		errs = append(errs, errors.New("session.classifier duration thresholds must not be negative"))
	}
	if c.LongWordCount < 0 || c.ShortWordCount < 0 {
		errs = append(errs, errors.New("session.classifier word count thresholds must not be negative"))
	}
	if c.LongDurationMs > 0 && c.ShortDurationMs > 0 && c.LongDurationMs <= c.ShortDurationMs {
		errs = append(errs, fmt.Errorf("session.classifier.long_duration_ms %.0f must exceed short_duration_ms %.0f", c.LongDurationMs, c.ShortDurationMs))
	}
	if c.LongWordCount > 0 && c.ShortWordCount > 0 && c.LongWordCount <= c.ShortWordCount {
		errs = append(errs, fmt.Errorf("session.classifier.long_word_count %d must exceed short_word_count %d", c.LongWordCount, c.ShortWordCount))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
