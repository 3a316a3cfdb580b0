package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/daimoniac/servicekit/build/swagger" // Import generated docs
	"github.com/daimoniac/servicekit/internal/config"
	"github.com/daimoniac/servicekit/internal/errors"
)

// @title servicekit ops API
// @version 1.0
// @description Operational endpoints of a servicekit process: Prometheus metrics, liveness and readiness.

// @contact.name servicekit
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html

// @BasePath /

// Server serves the ops surface on the metrics port
type Server struct {
	cfg           *config.Config
	metrics       *Metrics
	healthChecker *HealthChecker
	logger        *slog.Logger
	server        *http.Server

	mu      sync.Mutex
	started bool
	addr    net.Addr
}

// NewServer creates a new ops server
func NewServer(cfg *config.Config, metrics *Metrics, healthChecker *HealthChecker, logger *slog.Logger) *Server {
	s := &Server{
		cfg:           cfg,
		metrics:       metrics,
		healthChecker: healthChecker,
		logger:        logger,
	}

	s.server = &http.Server{
		Addr:         cfg.MetricsAddr(),
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// routes builds the ops mux wrapped in the request middleware
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.healthChecker.HealthHandler())
	mux.HandleFunc("GET /readyz", s.healthChecker.ReadyHandler())

	// Swagger documentation
	mux.HandleFunc("GET /swagger/", httpSwagger.WrapHandler)

	return requestIDMiddleware(instrumentMiddleware(s.metrics, Named(s.logger, AccessLoggerName), mux))
}

// Handler returns the ops handler without binding a listener
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the metrics port and serves in the background. The bind
// happens before Start returns, so a port conflict is reported to the
// caller. With metrics disabled nothing is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	s.started = true

	if !s.cfg.MetricsEnabled {
		s.logger.Info("metrics disabled")
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return errors.NewFatal("metrics", fmt.Errorf("%w: %s: %v", errors.ErrListen, s.server.Addr, err))
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error",
				"error", err.Error())
		}
	}()

	s.metrics.SetBuildInfo(s.cfg)
	s.metrics.MarkUp()

	s.logger.Info("metrics server started",
		"port", s.cfg.MetricsPort,
		"addr", s.addr.String())

	return nil
}

// Addr returns the bound address, or nil when not listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown gracefully shuts down the ops server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listening := s.addr != nil
	s.mu.Unlock()

	if !listening {
		return nil
	}

	s.logger.Info("shutting down metrics server")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.NewRecoverablef("metrics server shutdown: %w", err)
	}
	return nil
}
