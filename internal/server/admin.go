// Package server wires the gateway's listener and admin HTTP surfaces
// together: liveness/readiness probes, a metrics scrape endpoint, and
// a read-only route-table dump.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"hermes/internal/pipeline"
	"hermes/internal/telemetry/health"
)

// MetricsHandler is implemented by metrics providers that expose an
// HTTP scrape endpoint (currently only the Prometheus provider).
type MetricsHandler interface {
	MetricsHandler() http.Handler
}

// NewAdminMux builds the admin surface: liveness, readiness, metrics
// scrape, and a read-only route-table dump.
func NewAdminMux(p *pipeline.Pipeline, evaluator *health.Evaluator, metricsHandler MetricsHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "alive", "time": time.Now().UTC()})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !p.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not_ready", "reason": "no route table installed yet"})
			return
		}
		snap := evaluator.Evaluate(r.Context())
		status := http.StatusOK
		if snap.Overall == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(snap)
	})

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler.MetricsHandler())
	}

	mux.HandleFunc("/routes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p.Routes())
	})

	return mux
}
