package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	serverTimeout       = 5 * time.Second
	serverIdleTimeout   = 60 * time.Second
	maxHeaderBytes      = 1 << 16
	maxRequestBodyBytes = 4096
)

// Server provides HTTP endpoints for health checks.
type Server struct {
	checker *Checker
	host    string
	port    int
	logger  *zap.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a health server. A zero port disables it.
func NewServer(checker *Checker, host string, port int, logger *zap.Logger) *Server {
	return &Server{
		checker: checker,
		host:    host,
		port:    port,
		logger:  logger.With(zap.String("component", "health_server")),
	}
}

// Handler returns the health routes wrapped with security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)

	return securityHeadersMiddleware(mux)
}

// Start serves until Stop. It returns nil when the port is zero.
func (s *Server) Start() error {
	if s.port == 0 {
		return nil
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(s.host, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadTimeout:       serverTimeout,
		ReadHeaderTimeout: serverTimeout,
		WriteTimeout:      serverTimeout,
		IdleTimeout:       serverIdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.Info("health server listening", zap.String("address", server.Addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return
	}

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("health server shutdown", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	status := s.checker.Refresh()

	w.Header().Set("Content-Type", "application/json")

	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug("failed to encode health status", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	if s.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))

		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Unhealthy"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	if s.checker.IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))

		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Not ready"))
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")

		next.ServeHTTP(w, r)
	})
}
