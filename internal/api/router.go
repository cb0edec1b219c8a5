// Package api exposes the segmenter's HTTP surface: liveness/readiness
// probes, optional Prometheus metrics, and a debug endpoint returning the
// engine's structured state document (spec §4.7).
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ruleless/ustsegmenter/internal/config"
	"github.com/ruleless/ustsegmenter/internal/segmenter"
)

// StateFunc retrieves the current engine state, typically
// (*segmenter.Engine).State bound to a request-scoped context.
type StateFunc func(r *http.Request) (segmenter.State, error)

// Router builds the segmenter's HTTP mux.
func Router(cfg *config.Config, log zerolog.Logger, state StateFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.Metrics.Enable {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	mux.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New()
		reqLog := log.With().Str("request_id", requestID.String()).Logger()

		s, err := state(r)
		if err != nil {
			reqLog.Warn().Err(err).Msg("debug/state: failed to read engine state")
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", requestID.String())
		if err := json.NewEncoder(w).Encode(s); err != nil {
			reqLog.Warn().Err(err).Msg("debug/state: failed to encode response")
		}
	})

	return mux
}
