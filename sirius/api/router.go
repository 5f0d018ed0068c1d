// Package api exposes scans over HTTP: start and cancel them, poll their
// status and logs, and page through their findings.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/SiriusScan/codescan/sirius/lifecycle"
	"github.com/SiriusScan/codescan/sirius/status"
	"github.com/SiriusScan/codescan/sirius/store"
)

// Scans is the write side the API drives.
type Scans interface {
	StartScan(ctx context.Context, req lifecycle.StartRequest) (string, error)
	CancelScan(ctx context.Context, scanID string) error
}

// Deps wires the router.
type Deps struct {
	Scans  Scans
	Status *status.Service
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Keys validates X-API-Key headers against stored keys. StaticKeys are
	// accepted as well. Auth is enforced only when RequireKey is set.
	Keys       store.KVStore
	StaticKeys []string
	RequireKey bool
	Logger     *slog.Logger
}

// NewRouter builds the HTTP handler for the scan service.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{scans: deps.Scans, status: deps.Status, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", h.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.RequireKey {
			r.Use(requireAPIKey(deps.Keys, deps.StaticKeys, deps.Logger))
		}
		registerScanRoutes(r, h)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		deps.Logger.Debug("Unhandled route", "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func registerScanRoutes(r chi.Router, h *handlers) {
	r.Post("/scans", h.startScan)
	r.Get("/scans", h.listScans)
	r.Get("/scans/{scan_id}", h.getScan)
	r.Post("/scans/{scan_id}/cancel", h.cancelScan)
	r.Get("/scans/{scan_id}/logs", h.getLogs)
	r.Get("/scans/{scan_id}/vulnerabilities", h.listVulnerabilities)
}
