// Package server exposes the Viva session endpoint over websockets plus the
// operational HTTP surface (health probes and Prometheus metrics).
//
// One websocket connection carries one exam session:
//
//   - client to server: binary frames with candidate microphone audio, JSON
//     text frames with control events.
//   - server to client: binary frames with synthesised proctor speech, JSON
//     text frames mirroring responses ("speak", "response", "session_end").
//
// Dropping the socket does not end the session; the orchestrator keeps it
// alive through a grace window and a reconnect to the same session ID
// resumes where the candidate left off.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/candorlabs/viva/internal/health"
	"github.com/candorlabs/viva/internal/observe"
)

// shutdownTimeout bounds how long Run waits for in-flight requests and
// session teardown once the context is cancelled.
const shutdownTimeout = 10 * time.Second

// Server is the Viva HTTP front end.
type Server struct {
	deps     Deps
	manager  *Manager
	logger   *slog.Logger
	checkers []health.Checker
	httpSrv  *http.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithHealthCheckers adds readiness checks for the server's backing stores.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) {
		s.checkers = append(s.checkers, checkers...)
	}
}

// New assembles the server and its routes.
func New(deps Deps, opts ...Option) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		manager: NewManager(deps),
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleSession)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(mux)

	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = observe.Middleware(deps.Metrics)(mux)
	}

	s.httpSrv = &http.Server{
		Addr:              deps.Config.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Manager exposes the session manager, mainly for tests.
func (s *Server) Manager() *Manager {
	return s.manager
}

// Run serves until ctx is cancelled, then drains live sessions and shuts the
// HTTP server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "addr", s.httpSrv.Addr)
		var err error
		if tls := s.deps.Config.Server.TLS; tls != nil {
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Websocket connections are hijacked and invisible to httpSrv.Shutdown,
		// so close them through the manager first.
		s.manager.Shutdown(shutdownCtx)
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
