// Package server exposes the offline cache proxy over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offcache/internal/offcache"
)

// AdminPrefix is reserved for the proxy's own endpoints; the origin never
// sees requests under it.
const AdminPrefix = "/_offcache"

// Controller resolves proxied requests and reports lifecycle state.
type Controller interface {
	http.Handler
	Ready(ctx context.Context) error
	Status(ctx context.Context) (offcache.Status, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Controller Controller
	Gatherer   prometheus.Gatherer // nil = no metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Get("/status", s.handleStatus)
		if deps.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
		}
	})

	// Everything else, any method, goes through the cache proxy.
	r.Handle("/*", deps.Controller)
	return r
}

type server struct {
	deps Deps
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type apiError struct {
	Error string `json:"error"`
}
