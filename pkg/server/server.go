// Package server assembles the relay's HTTP surface: the webhook receiver,
// the startup broadcast, health and metrics endpoints, and the live feed.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codeGROOVE-dev/hookrelay/pkg/config"
	"github.com/codeGROOVE-dev/hookrelay/pkg/dispatch"
	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
	"github.com/codeGROOVE-dev/hookrelay/pkg/metrics"
	"github.com/codeGROOVE-dev/hookrelay/pkg/security"
)

// Broadcaster sends one text to many destinations.
type Broadcaster interface {
	Broadcast(ctx context.Context, text string, destinations []string) dispatch.Report
}

// Deps are the components the router serves. Watch and IPValidator are
// optional.
type Deps struct {
	Config      *config.Config
	Broadcaster Broadcaster
	Webhook     http.Handler
	Watch       http.Handler
	Metrics     *metrics.Metrics
	IPValidator *security.GitHubIPValidator
}

type handlers struct {
	cfg         *config.Config
	broadcaster Broadcaster
}

// NewRouter returns the relay's handler wrapped in the security middleware.
func NewRouter(d Deps) http.Handler {
	h := &handlers{cfg: d.Config, broadcaster: d.Broadcaster}
	router := chi.NewRouter()

	router.Get("/healthz", healthz)
	router.Get("/start", h.start)
	router.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	// The webhook handler answers other methods with 405 and a JSON body.
	router.Handle("/webhook", d.IPValidator.Middleware(d.Webhook))
	if d.Watch != nil {
		router.Get("/ws", d.Watch.ServeHTTP)
	}

	return security.Middleware(router)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok")) //nolint:errcheck // nothing to do on a failed health write
}

// start announces the relay to every configured destination.
func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := h.broadcaster.Broadcast(ctx, h.cfg.StartMessage, h.cfg.AllDestinations())
	logger.Info(ctx, "startup message sent", logger.Fields{
		"destinations": len(report.Results),
		"delivered":    report.Delivered(),
		"failed":       report.Failed(),
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("Startup message sent")); err != nil {
		logger.Error(ctx, "failed to write response", err, nil)
	}
}
