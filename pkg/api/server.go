package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/internal/constants"
	apimiddleware "github.com/0xmhha/stakebot/pkg/api/middleware"
	"github.com/0xmhha/stakebot/pkg/scheduler"
)

// ScheduleProvider exposes the scheduler state
type ScheduleProvider interface {
	Snapshot() *scheduler.Snapshot
}

// BlockProgress reports the last block handed to the scheduler
type BlockProgress interface {
	LastDelivered() (uint64, bool)
}

// VersionInfo is served by the version endpoint
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// ServerOptions contains the optional data sources of the server
type ServerOptions struct {
	Schedule ScheduleProvider
	Blocks   BlockProgress
	// Gatherer backs /metrics; the default registry is used when nil
	Gatherer     prometheus.Gatherer
	Version      VersionInfo
	StateBackend string
}

// Server is the ops HTTP server
type Server struct {
	config   *Config
	logger   *zap.Logger
	router   *chi.Mux
	server   *http.Server
	health   *HealthChecker
	schedule ScheduleProvider
	gatherer prometheus.Gatherer
	version  VersionInfo
}

// NewServer creates a new API server
func NewServer(config *Config, logger *zap.Logger, opts *ServerOptions) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts == nil {
		opts = &ServerOptions{}
	}

	s := &Server{
		config:   config,
		logger:   logger.Named("api"),
		router:   chi.NewRouter(),
		schedule: opts.Schedule,
		gatherer: opts.Gatherer,
		version:  opts.Version,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.version.Name == "" {
		s.version.Name = "stakebot"
	}
	s.health = NewHealthChecker(s.version.Version, opts.Blocks, opts.Schedule)
	s.health.SetStateBackend(opts.StateBackend)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.RequestLogger(s.logger,
		constants.DefaultHealthPath, constants.DefaultMetricsPath))

	if s.config.EnableRateLimit {
		limiter := apimiddleware.NewRateLimiter(s.config.RateLimitPerSecond, s.config.RateLimitBurst)
		s.router.Use(apimiddleware.RateLimit(limiter, s.logger))
		s.logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", s.config.RateLimitPerSecond),
			zap.Int("burst", s.config.RateLimitBurst),
		)
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get(constants.DefaultHealthPath, s.health.HealthHandler())
	s.router.Get(constants.DefaultHealthPath+"/live", s.health.LivenessHandler())
	s.router.Get(constants.DefaultHealthPath+"/ready", s.health.ReadinessHandler())
	s.router.Get(constants.DefaultVersionPath, s.handleVersion)
	s.router.Handle(constants.DefaultMetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.Get(constants.DefaultSchedulePath, s.handleSchedule)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apimiddleware.WriteError(w, http.StatusNotFound, "not found")
	})
}

// handleVersion handles the version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

// handleSchedule serves the scheduler snapshot
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedule == nil {
		apimiddleware.WriteError(w, http.StatusNotFound, "scheduler not configured")
		return
	}
	snap := s.schedule.Snapshot()
	if snap == nil {
		apimiddleware.WriteError(w, http.StatusServiceUnavailable, "scheduler not loaded")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Start listens and serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address(), err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting API server", zap.String("address", ln.Addr().String()))

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Health returns the server's health checker
func (s *Server) Health() *HealthChecker {
	return s.health
}
