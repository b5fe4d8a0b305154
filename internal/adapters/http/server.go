// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/demtiler/internal/config"
	"github.com/jobrunner/demtiler/internal/ports/input"
)

// HTTPMetrics instruments requests and exposes the scrape endpoint.
type HTTPMetrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server   *http.Server
	router   *mux.Router
	jobs     input.JobService
	products input.ProductCatalog
	health   input.HealthChecker
	logger   *slog.Logger
	config   config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg config.ServerConfig,
	jobs input.JobService,
	products input.ProductCatalog,
	health input.HealthChecker,
	logger *slog.Logger,
) *Server {
	s := &Server{
		jobs:     jobs,
		products: products,
		health:   health,
		logger:   logger,
		config:   cfg,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// Preflight requests only match when the CORS middleware can answer them.
	mutating := func(method string) []string {
		if s.config.CORS.Enabled() {
			return []string{method, http.MethodOptions}
		}
		return []string{method}
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods(mutating(http.MethodPost)...)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{key}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{key}", s.handleClearJob).Methods(mutating(http.MethodDelete)...)

	api.HandleFunc("/dem-types", s.handleListDEMTypes).Methods(http.MethodGet)

	api.HandleFunc("/products", s.handleListProducts).Methods(http.MethodGet)
	api.HandleFunc("/products/{name}", s.handleGetProduct).Methods(http.MethodGet)
	api.HandleFunc("/products/{name}", s.handleDeleteProduct).Methods(mutating(http.MethodDelete)...)

	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)

	return r
}

// EnableMetrics instruments every route and serves the scrape endpoint at
// path.
func (s *Server) EnableMetrics(path string, m HTTPMetrics) {
	s.router.Use(m.Middleware)
	s.router.Handle(path, m.Handler()).Methods(http.MethodGet)
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// StartTLS starts the server with certificates from tlsConfig.
func (s *Server) StartTLS(tlsConfig *tls.Config) error {
	s.logger.Info("starting HTTPS server", "address", s.config.Address())
	s.server.TLSConfig = tlsConfig
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
