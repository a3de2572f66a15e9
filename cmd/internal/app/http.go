package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slidehub/cmd/internal/hub"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbEnabled && a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	// Realtime endpoints, one mount per purpose.
	mux.HandleFunc("GET /ws/documents/{documentID}", a.gateway.HandleDocumentWS)
	mux.HandleFunc("GET /ws/jobs/{jobID}", a.gateway.HandleJobWS)
	mux.HandleFunc("GET /ws/notifications", a.gateway.HandleNotificationsWS)

	// One-way SSE fallback.
	mux.HandleFunc("GET /events/jobs/{jobID}", a.gateway.HandleJobSSE)
	mux.HandleFunc("GET /events/notifications", a.gateway.HandleNotificationsSSE)

	// Producer-facing intake.
	mux.HandleFunc("POST /internal/jobs/{jobID}/progress", a.intake.HandleJobProgress)
	mux.HandleFunc("POST /internal/notifications", a.intake.HandleNotification)

	mux.HandleFunc("GET /stats", a.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
}

// statsPayload extends the counter snapshot with live subsystem sizes.
type statsPayload struct {
	hub.Stats
	Topics    int `json:"topics"`
	Documents int `json:"documents"`
	Jobs      int `json:"jobs"`
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := statsPayload{
		Stats:     a.metrics.Snapshot(time.Now().UTC()),
		Topics:    a.registry.Topics(),
		Documents: a.docs.Documents(),
		Jobs:      a.progress.Jobs(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		a.log.Error("stats.encode.fail", "err", err)
	}
}
