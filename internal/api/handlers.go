package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/renohub/autogate/internal/auth"
	"github.com/renohub/autogate/internal/engine"
	"github.com/renohub/autogate/internal/ingest"
	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/stratum"
	"github.com/renohub/autogate/pkg/types"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Auth      auth.Authenticator
	Engine    *engine.Engine
	Ingestor  *ingest.Ingestor
	Store     ledger.Store
	Validator *Validator
	Logger    *slog.Logger
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.Validator.ValidateDecide(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req types.DecideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	decision, err := h.Engine.Decide(req)
	if errors.Is(err, engine.ErrMissingRequestID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) Outcomes(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.Validator.ValidateOutcome(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var sub types.OutcomeSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if err := h.Ingestor.Submit(sub, time.Now()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) Calibration(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := h.Validator.ValidateCalibration(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var sub types.CalibrationSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	key := stratum.New(sub.Context.Category, sub.Context.AgeBin, sub.Context.Region)
	if err := key.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	point := ledger.CalibrationPoint{
		Stratum:   key.String(),
		Score:     sub.Score,
		TrueLabel: sub.TrueLabel,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.Store.AppendCalibration(point); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// The predictor picks this up on its next scheduled rebuild.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "stratum": point.Stratum})
}

type decisionView struct {
	DecisionID      string       `json:"decision_id"`
	ExperimentID    string       `json:"experiment_id"`
	Stratum         string       `json:"stratum"`
	PolicyHash      string       `json:"policy_hash"`
	Decision        string       `json:"decision"`
	PredictionSet   []string     `json:"prediction_set"`
	ThresholdSource string       `json:"threshold_source"`
	ReasonCode      string       `json:"reason_code"`
	LatencyMS       float64      `json:"latency_ms"`
	CreatedAt       string       `json:"created_at"`
	Outcome         *outcomeView `json:"outcome,omitempty"`
}

type outcomeView struct {
	TrueClass   string `json:"true_class"`
	SFN         bool   `json:"sfn"`
	CoverageHit bool   `json:"coverage_hit"`
	ObservedAt  string `json:"observed_at"`
}

func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}

	decisionID := r.PathValue("id")
	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing decision_id"})
		return
	}

	rec, ok := h.Store.GetDecision(decisionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "decision not found"})
		return
	}

	view := decisionView{
		DecisionID:      rec.DecisionID,
		ExperimentID:    rec.ExperimentID,
		Stratum:         rec.Stratum,
		PolicyHash:      rec.PolicyHash,
		Decision:        rec.Decision,
		PredictionSet:   rec.PredictionSet,
		ThresholdSource: rec.ThresholdSource,
		ReasonCode:      rec.ReasonCode,
		LatencyMS:       rec.LatencyMS,
		CreatedAt:       rec.CreatedAt,
	}
	if outcome, ok := h.Store.GetOutcome(decisionID); ok {
		view.Outcome = &outcomeView{
			TrueClass:   outcome.TrueClass,
			SFN:         outcome.SFN,
			CoverageHit: outcome.CoverageHit,
			ObservedAt:  outcome.ObservedAt,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) AdminPause(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	h.Engine.Pause()
	h.logger().Warn("automation paused by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) AdminResume(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	h.Engine.Resume()
	h.logger().Info("automation resumed by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": h.Engine.Paused(),
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}
	return body, true
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, err := h.Auth.Authenticate(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
