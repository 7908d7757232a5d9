package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

// SetupRoutes wires all HTTP endpoints under /v1 with logging, CORS, and
// per-caller rate limiting.
func SetupRoutes(h *Handler, stream *AuditStream, limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RateLimitMiddleware(limiter))

	v1 := r.PathPrefix("/v1").Subrouter()

	// Session lifecycle
	v1.HandleFunc("/sessions", h.InitializeSession).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	v1.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	v1.HandleFunc("/sessions/{id}/progress", h.UpdateProgress).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/browser", h.UpdateBrowserContext).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/queue", h.UpdateQueueState).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/selections", h.UpdateSelections).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/checkpoints", h.CreateCheckpoint).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/sync", h.SyncSession).Methods("PUT", "OPTIONS")

	// Failure recovery
	v1.HandleFunc("/sessions/{id}/failures", h.ReportFailure).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/degrade", h.Degrade).Methods("POST", "OPTIONS")

	// CAPTCHA flow
	v1.HandleFunc("/sessions/{id}/captcha", h.DetectCaptcha).Methods("POST", "OPTIONS")
	v1.HandleFunc("/sessions/{id}/captcha/predict", h.PredictCaptcha).Methods("POST", "OPTIONS")
	v1.HandleFunc("/captcha/{id}/solution", h.SolveCaptcha).Methods("POST", "OPTIONS")

	// Compliance alerts
	v1.HandleFunc("/alerts", h.ListAlerts).Methods("GET")
	v1.HandleFunc("/alerts/{id}/ack", h.AcknowledgeAlert).Methods("POST", "OPTIONS")

	// Live audit tail
	v1.Handle("/audit/ws", stream)

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")

	return r
}
