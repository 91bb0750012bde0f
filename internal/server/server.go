// Package server exposes the HTTP surface: transport webhooks, metrics and
// health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"miabot/internal/metrics"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouteMounter is implemented by transports that receive over HTTP.
type RouteMounter interface {
	Routes(r *mux.Router)
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	metrics    *metrics.Pipeline
	health     HealthChecker
	logger     *slog.Logger
}

type Options struct {
	Host        string
	Port        int
	MetricsPath string
	Metrics     *metrics.Pipeline // nil disables the metrics route
	Health      HealthChecker     // nil reports healthy
	Logger      *slog.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	router := mux.NewRouter()
	s := &Server{
		router:  router,
		metrics: opts.Metrics,
		health:  opts.Health,
		logger:  opts.Logger,
	}
	router.Use(s.recovery, s.logging)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		router.HandleFunc(opts.MetricsPath, s.handleMetrics).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(opts.Host, fmt.Sprint(opts.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Mount lets a transport register its webhook routes.
func (s *Server) Mount(m RouteMounter) {
	m.Routes(s.router)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.httpServer.Addr }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	detail := ""
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			status, code, detail = "degraded", http.StatusServiceUnavailable, err.Error()
		}
	}
	writeJSON(w, code, map[string]string{"status": status, "error": detail})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.SampleQueue()
	s.metrics.Collector().Handler()(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(start),
		)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				s.logger.Error("http handler panic", "path", r.URL.Path, "panic", rv)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
