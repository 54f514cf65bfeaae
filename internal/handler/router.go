// Package handler provides the HTTP API of folio storage.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Router wires the API handlers.
type Router struct {
	fileHandler *FileHandler
	gatherer    prometheus.Gatherer
	metricsPath string
	logger      zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	FileHandler *FileHandler

	// Gatherer exposes metrics at MetricsPath. Nil disables the endpoint.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	path := config.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Router{
		fileHandler: config.FileHandler,
		gatherer:    config.Gatherer,
		metricsPath: path,
		logger:      config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(rt.logger, "/health", rt.metricsPath))
	r.Use(middleware.Recoverer)

	r.Get("/health", rt.handleHealth)
	if rt.gatherer != nil {
		r.Method(http.MethodGet, rt.metricsPath, promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	rt.fileHandler.RegisterRoutes(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return r
}

// handleHealth reports liveness and the active storage state.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"state":  string(rt.fileHandler.storage.State()),
	})
}
