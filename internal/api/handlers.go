package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/slotkeeper/slotkeeper/internal/alerting"
	"github.com/slotkeeper/slotkeeper/internal/captcha"
	"github.com/slotkeeper/slotkeeper/internal/degradation"
	"github.com/slotkeeper/slotkeeper/internal/devicesync"
	"github.com/slotkeeper/slotkeeper/internal/recovery"
	"github.com/slotkeeper/slotkeeper/internal/store"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store        *store.Store
	captchaMgr   *captcha.Manager
	predictor    *captcha.Predictor
	orchestrator *recovery.Orchestrator
	degradation  *degradation.Engine
	monitor      *alerting.Monitor
	resolver     *devicesync.Resolver
}

// NewHandler creates the handler over the service graph.
func NewHandler(st *store.Store, mgr *captcha.Manager, pred *captcha.Predictor, orch *recovery.Orchestrator, deg *degradation.Engine, mon *alerting.Monitor, res *devicesync.Resolver) *Handler {
	return &Handler{
		store:        st,
		captchaMgr:   mgr,
		predictor:    pred,
		orchestrator: orch,
		degradation:  deg,
		monitor:      mon,
		resolver:     res,
	}
}

// InitializeSession handles POST /v1/sessions
func (h *Handler) InitializeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string `json:"sessionId,omitempty"`
		ProviderURL string `json:"providerUrl"`
		UserID      string `json:"userId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProviderURL == "" {
		http.Error(w, "providerUrl is required", http.StatusBadRequest)
		return
	}
	if h.monitor.AutomationDisabled(req.ProviderURL) {
		http.Error(w, "automation is disabled for this provider", http.StatusForbidden)
		return
	}

	state, err := h.store.Initialize(r.Context(), req.SessionID, req.ProviderURL, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	states := h.store.List(r.URL.Query().Get("userId"))
	writeJSON(w, http.StatusOK, states)
}

// UpdateProgress handles PUT /v1/sessions/{id}/progress
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var update models.FormProgress
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.store.UpdateFormProgress(r.Context(), mux.Vars(r)["id"], update)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// UpdateBrowserContext handles PUT /v1/sessions/{id}/browser
func (h *Handler) UpdateBrowserContext(w http.ResponseWriter, r *http.Request) {
	var snapshot models.BrowserContext
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.store.UpdateBrowserContext(r.Context(), mux.Vars(r)["id"], snapshot)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// UpdateQueueState handles PUT /v1/sessions/{id}/queue
func (h *Handler) UpdateQueueState(w http.ResponseWriter, r *http.Request) {
	var update models.QueueState
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.store.UpdateQueueState(r.Context(), mux.Vars(r)["id"], update)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// UpdateSelections handles PUT /v1/sessions/{id}/selections
func (h *Handler) UpdateSelections(w http.ResponseWriter, r *http.Request) {
	var sel models.UserSelections
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.store.UpdateUserSelections(r.Context(), mux.Vars(r)["id"], sel)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// CreateCheckpoint handles POST /v1/sessions/{id}/checkpoints
func (h *Handler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepName string `json:"stepName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cp, err := h.store.CreateCheckpoint(r.Context(), mux.Vars(r)["id"], req.StepName)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

// ReportFailure handles POST /v1/sessions/{id}/failures
func (h *Handler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var report models.FailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	report.SessionID = mux.Vars(r)["id"]

	result := h.orchestrator.Recover(r.Context(), report)
	writeJSON(w, http.StatusOK, result)
}

// DetectCaptcha handles POST /v1/sessions/{id}/captcha
func (h *Handler) DetectCaptcha(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider     string             `json:"provider"`
		ChallengeURL string             `json:"challengeUrl"`
		Meta         models.CaptchaMeta `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	event, err := h.captchaMgr.DetectCaptcha(r.Context(), mux.Vars(r)["id"], req.Provider, req.ChallengeURL, req.Meta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// SolveCaptcha handles POST /v1/captcha/{id}/solution
func (h *Handler) SolveCaptcha(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SolutionToken string `json:"solutionToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.captchaMgr.ProcessCaptchaSolution(r.Context(), mux.Vars(r)["id"], req.SolutionToken)
	if err != nil {
		switch {
		case errors.Is(err, captcha.ErrCaptchaNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, captcha.ErrCaptchaTransitioning):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, captcha.ErrCaptchaTerminal):
			http.Error(w, err.Error(), http.StatusGone)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PredictCaptcha handles POST /v1/sessions/{id}/captcha/predict
func (h *Handler) PredictCaptcha(w http.ResponseWriter, r *http.Request) {
	var sig captcha.Signals
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	prediction, err := h.predictor.Assess(r.Context(), mux.Vars(r)["id"], sig)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// Degrade handles POST /v1/sessions/{id}/degrade
func (h *Handler) Degrade(w http.ResponseWriter, r *http.Request) {
	var dctx models.DegradationContext
	if err := json.NewDecoder(r.Body).Decode(&dctx); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	dctx.SessionID = mux.Vars(r)["id"]

	result := h.degradation.ExecuteDegradation(r.Context(), dctx)
	writeJSON(w, http.StatusOK, result)
}

// SyncSession handles PUT /v1/sessions/{id}/sync. The body is the session
// state as another device last saw it; the response is the merged state.
func (h *Handler) SyncSession(w http.ResponseWriter, r *http.Request) {
	var remote models.SessionState
	if err := json.NewDecoder(r.Body).Decode(&remote); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := mux.Vars(r)["id"]
	local, err := h.store.Get(sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	remote.ID = sessionID

	merged := h.resolver.Merge(r.Context(), local, &remote)
	if err := h.store.Adopt(r.Context(), merged); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Alerts())
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/ack
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.AcknowledgeAlert(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrCheckpointNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotRecoverable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
