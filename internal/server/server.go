package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// AuthChecker runs the credential check of every configured carrier.
type AuthChecker interface {
	TestAuthentication(ctx context.Context, carriers ...string) map[string]error
}

// Server is the operational HTTP server: liveness, readiness and metrics.
type Server struct {
	port         int
	readyTimeout time.Duration
	checker      AuthChecker
	gatherer     prometheus.Gatherer
	logger       *otelzap.Logger
}

// Config holds server configuration.
type Config struct {
	Port int
	// ReadyTimeout bounds a readiness check. Defaults to 10s.
	ReadyTimeout time.Duration
}

// New creates a new server instance.
func New(cfg Config, checker AuthChecker, gatherer prometheus.Gatherer, logger *otelzap.Logger) *Server {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	return &Server{
		port:         cfg.Port,
		readyTimeout: cfg.ReadyTimeout,
		checker:      checker,
		gatherer:     gatherer,
		logger:       logger,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Carrier credentials
	mux.HandleFunc("GET /ready", s.handleReady)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type carrierStatus struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

type readyResponse struct {
	Status   string                   `json:"status"`
	Carriers map[string]carrierStatus `json:"carriers"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()

	results := s.checker.TestAuthentication(ctx)

	resp := readyResponse{Status: "ok", Carriers: make(map[string]carrierStatus, len(results))}
	code := http.StatusOK
	for name, err := range results {
		if err == nil {
			resp.Carriers[name] = carrierStatus{Status: "ok"}
			continue
		}
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
		resp.Carriers[name] = carrierStatus{Status: "failed", Kind: shipper.KindName(err), Error: err.Error()}
	}
	if len(results) == 0 {
		resp.Status = "no carriers configured"
		code = http.StatusServiceUnavailable
	}

	if code != http.StatusOK {
		s.logger.Ctx(ctx).Warn("Readiness check failed", zap.Any("carriers", resp.Carriers))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
