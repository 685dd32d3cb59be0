// Command viva is the main entry point for the Viva oral exam server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/candorlabs/viva/internal/billing"
	stripebilling "github.com/candorlabs/viva/internal/billing/stripe"
	"github.com/candorlabs/viva/internal/checkpoint"
	checkpointpg "github.com/candorlabs/viva/internal/checkpoint/postgres"
	"github.com/candorlabs/viva/internal/config"
	"github.com/candorlabs/viva/internal/engine/llmengine"
	"github.com/candorlabs/viva/internal/health"
	"github.com/candorlabs/viva/internal/observe"
	questionbankpg "github.com/candorlabs/viva/internal/questionbank/postgres"
	"github.com/candorlabs/viva/internal/report"
	"github.com/candorlabs/viva/internal/report/redisqueue"
	"github.com/candorlabs/viva/internal/resilience"
	"github.com/candorlabs/viva/internal/server"
	"github.com/candorlabs/viva/pkg/provider/stt"
	"github.com/candorlabs/viva/pkg/provider/stt/deepgram"
	"github.com/candorlabs/viva/pkg/provider/tts"
	openaitts "github.com/candorlabs/viva/pkg/provider/tts/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "viva: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "viva: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("viva starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"exam_id", cfg.Exam.ExamID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every subsystem can record from the start.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "viva",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	deps, closers, checkers, err := buildDeps(ctx, cfg, reg, metrics)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	}()
	if err != nil {
		slog.Error("failed to build dependencies", "err", err)
		return 1
	}
	deps.Metrics = metrics
	deps.Logger = logger

	srv := server.New(*deps, server.WithHealthCheckers(checkers...))

	slog.Info("server ready")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with Viva
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openaitts.Option
		if entry.Model != "" {
			opts = append(opts, openaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, openaitts.WithVoice(voice))
		}
		return openaitts.New(entry.APIKey, opts...)
	})
}

// buildDeps constructs every shared collaborator from the config. The
// returned closers tear them down in reverse order; they are valid even when
// an error is returned.
func buildDeps(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*server.Deps, []func() error, []health.Checker, error) {
	deps := &server.Deps{Config: cfg}
	var closers []func() error
	var checkers []health.Checker

	// Checkpoint store: Postgres when configured, else in-memory.
	if dsn := cfg.Checkpoint.PostgresDSN; dsn != "" {
		store, err := checkpointpg.NewStore(ctx, dsn)
		if err != nil {
			return deps, closers, checkers, fmt.Errorf("checkpoint store: %w", err)
		}
		// The breaker sheds load when Postgres goes away; the orchestrator
		// degrades to its in-memory fallback until it closes again.
		deps.Store = resilience.NewGuardedStore(store, resilience.CircuitBreakerConfig{})
		closers = append(closers, store.Close)
		checkers = append(checkers, health.Dependency("checkpoint", store))
		slog.Info("checkpoint store connected")
	} else {
		deps.Store = checkpoint.NewMemStore()
		slog.Warn("using in-memory checkpoint store; sessions will not survive restarts")
	}

	// Question bank.
	bank, err := questionbankpg.NewStore(ctx, cfg.Exam.PostgresDSN)
	if err != nil {
		return deps, closers, checkers, fmt.Errorf("question bank: %w", err)
	}
	deps.Bank = bank
	closers = append(closers, bank.Close)
	checkers = append(checkers, health.Dependency("question_bank", bank))
	slog.Info("question bank connected", "exam_id", cfg.Exam.ExamID)

	// Exam engine.
	llmEntry := cfg.Providers.LLM
	var llmOpts []anyllmlib.Option
	if llmEntry.APIKey != "" {
		llmOpts = append(llmOpts, anyllmlib.WithAPIKey(llmEntry.APIKey))
	}
	if llmEntry.BaseURL != "" {
		llmOpts = append(llmOpts, anyllmlib.WithBaseURL(llmEntry.BaseURL))
	}
	eng, err := llmengine.New(llmEntry.Name, llmEntry.Model, llmOpts,
		llmengine.WithMetrics(metrics))
	if err != nil {
		return deps, closers, checkers, fmt.Errorf("exam engine: %w", err)
	}
	deps.Engine = eng
	closers = append(closers, eng.Close)
	slog.Info("exam engine created", "provider", llmEntry.Name, "model", llmEntry.Model)

	// Speech providers.
	deps.STT, err = reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return deps, closers, checkers, fmt.Errorf("stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	deps.TTS, err = reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return deps, closers, checkers, fmt.Errorf("tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("speech providers created",
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
	)

	// Billing: Stripe metered usage when configured.
	if cfg.Billing.StripeAPIKey != "" {
		rec, err := stripebilling.New(stripebilling.Config{
			APIKey:     cfg.Billing.StripeAPIKey,
			CustomerID: cfg.Billing.CustomerID,
			EventName:  cfg.Billing.EventName,
		}, slog.Default())
		if err != nil {
			return deps, closers, checkers, fmt.Errorf("billing: %w", err)
		}
		deps.Billing = rec
		slog.Info("stripe billing enabled", "customer_id", cfg.Billing.CustomerID)
	} else {
		deps.Billing = billing.Noop{}
	}

	// Report queue: Redis-backed grading jobs when configured.
	if cfg.Report.RedisAddr != "" {
		trig, err := redisqueue.New(ctx, redisqueue.Config{
			Addr:     cfg.Report.RedisAddr,
			Password: cfg.Report.RedisPassword,
			DB:       cfg.Report.RedisDB,
			QueueKey: cfg.Report.QueueKey,
		})
		if err != nil {
			return deps, closers, checkers, fmt.Errorf("report queue: %w", err)
		}
		deps.Report = trig
		closers = append(closers, trig.Close)
		checkers = append(checkers, health.Dependency("report_queue", trig))
		slog.Info("report queue connected", "addr", cfg.Report.RedisAddr)
	} else {
		deps.Report = report.Noop{}
	}

	return deps, closers, checkers, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
