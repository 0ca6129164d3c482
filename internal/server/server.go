// Package server exposes the orchestrator over HTTP: a synchronous query
// endpoint, SSE and WebSocket progress streams, detection endpoints, and
// the operational surfaces (health, metrics, breaker stats).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/crossquery/internal/auth"
	"github.com/haasonsaas/crossquery/internal/breaker"
	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/internal/ratelimit"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Orchestrator is the query pipeline the server fronts.
type Orchestrator interface {
	Process(ctx context.Context, req *models.MultiSourceRequest, principal string) (*models.MultiSourceResponse, error)
	Stream(ctx context.Context, req *models.MultiSourceRequest, principal string) (<-chan models.StreamEvent, error)
}

// Detector answers the detection and suggestion endpoints.
type Detector interface {
	DetectMultiSource(ctx context.Context, query string) (*models.DetectResponse, error)
	Suggest(ctx context.Context, query string, max int) ([]models.ProviderRelevance, error)
}

// Catalog lists the providers the deployment exposes.
type Catalog interface {
	Providers() []models.Provider
}

// Breakers is the operator surface over per-provider circuit breakers.
type Breakers interface {
	BreakerStats() []breaker.Stats
	ResetBreaker(provider string) error
}

// Config wires the server's collaborators. Orchestrator is required; every
// nil optional collaborator disables its endpoints or checks.
type Config struct {
	Orchestrator Orchestrator
	Detector     Detector
	Catalog      Catalog
	Breakers     Breakers

	Auth    *auth.Service
	Limiter *ratelimit.Limiter

	Server    config.ServerConfig
	RateLimit config.RateLimitConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	orch     Orchestrator
	detector Detector
	catalog  Catalog
	breakers Breakers

	auth     *auth.Service
	limiter  *ratelimit.Limiter
	excluded map[string]bool

	cfg      config.ServerConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server. It does not start listening; call Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	excluded := make(map[string]bool, len(cfg.RateLimit.ExcludedPaths))
	for _, p := range cfg.RateLimit.ExcludedPaths {
		excluded[p] = true
	}
	return &Server{
		orch:     cfg.Orchestrator,
		detector: cfg.Detector,
		catalog:  cfg.Catalog,
		breakers: cfg.Breakers,
		auth:     cfg.Auth,
		limiter:  cfg.Limiter,
		excluded: excluded,
		cfg:      cfg.Server,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler assembles the route table and middleware chain. Health and
// metrics sit outside the authenticated chain; everything under /api/ is
// authenticated and rate limited.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/query", s.handleQuery)
	api.HandleFunc("/api/query/stream", s.handleStream)
	api.HandleFunc("/api/query/ws", s.handleWS)
	api.HandleFunc("/api/detect", s.handleDetect)
	api.HandleFunc("/api/suggest", s.handleSuggest)
	api.HandleFunc("/api/providers", s.handleProviders)
	api.HandleFunc("/api/breakers", s.handleBreakers)
	api.HandleFunc("/api/breakers/", s.handleBreakerReset)

	var protected http.Handler = api
	protected = s.rateLimitMiddleware(protected)
	protected = auth.Middleware(s.auth, s.logger)(protected)

	root := http.NewServeMux()
	root.Handle("/api/", protected)
	root.HandleFunc("/healthz", s.handleHealthz)
	root.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = root
	handler = s.loggingMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	return handler
}

// Start begins serving on the configured address and returns once the
// listener is bound. Serve errors after that are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err.Error())
		}
	}()

	s.logger.Info(ctx, "http server listening", "addr", addr)
	return nil
}

// Addr reports the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests. Idempotent.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(shutdownCtx, "http server shutdown error", "error", err.Error())
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
