package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/provider"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/retrieval"
	"github.com/opensource-finance/kestrel/internal/screening"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Decider runs the decision pipeline.
type Decider interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (domain.DecisionResult, error)
}

// ProviderController exposes the operator controls of the analysis chain.
type ProviderController interface {
	Switch(ctx context.Context, target string) provider.SwitchResult
	Reset()
	Status() provider.Status
}

// Deps are the collaborators of the API handlers. Repo, Cache, Bus and
// Retrieval are optional; endpoints that need a missing one answer 503.
type Deps struct {
	Decider   Decider
	Providers ProviderController
	Engine    *screening.Engine
	Retrieval domain.RetrievalStore
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Logger    *slog.Logger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	logger  *slog.Logger
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deps:    deps,
		logger:  logger,
		version: version,
	}
}

// ErrorResponse is the body of every 4xx/5xx answer.
type ErrorResponse struct {
	Error    string                `json:"error"`
	Problems []domain.FieldProblem `json:"problems,omitempty"`
}

// CreateDecision handles POST /decisions. With ?mode=async the transaction
// is published for the decision worker and 202 is returned.
func (h *Handler) CreateDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.New().String()
	}

	annotate(ctx, "tx_id", req.ID)

	tx, err := req.ToTransaction()
	if err != nil {
		writeValidationError(w, err)
		return
	}

	if r.URL.Query().Get("mode") == "async" {
		annotate(ctx, "mode", "async")
		h.enqueue(w, r, &req)
		return
	}

	res, err := h.deps.Decider.Evaluate(ctx, tx)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeValidationError(w, err)
			return
		}
		h.logger.Error("decision failed", "tx_id", tx.ID, "error", err, "trace_id", GetTraceID(ctx))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "decision failed"})
		return
	}

	annotate(ctx,
		"is_fraud", res.IsFraud,
		"confidence", res.ConfidenceScore,
		"requires_review", res.RequiresReview,
		"escalated", res.Escalated,
	)
	if res.Escalated {
		annotate(ctx, "provider", res.Provider)
	}

	if h.deps.Repo != nil {
		if err := h.deps.Repo.SaveTransaction(ctx, tx); err != nil {
			h.logger.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, req *domain.TransactionRequest) {
	if h.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event bus not available"})
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to encode transaction"})
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicTransactionIngested, payload); err != nil {
		h.logger.Error("failed to enqueue transaction", "tx_id", req.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "failed to enqueue transaction"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transaction_id": req.ID,
		"status":         "accepted",
		"result_topic":   domain.TopicDecision,
	})
}

// GetDecision handles GET /decisions/{id}. The id is a transaction id or an
// audit id; the latest audit record is returned.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	annotate(ctx, "decision_id", id)

	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "repository not available"})
		return
	}

	rec, err := h.deps.Repo.GetAuditByTransaction(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		rec, err = h.deps.Repo.GetAudit(ctx, id)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "decision not found"})
			return
		}
		h.logger.Error("failed to get decision", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load decision"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// SwitchProviderRequest is the body of POST /provider/switch.
type SwitchProviderRequest struct {
	Type string `json:"type"`
}

// SwitchProvider handles POST /provider/switch. The outcome is always in
// the body; a failed switch is not an HTTP error.
func (h *Handler) SwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req SwitchProviderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return
	}

	res := h.deps.Providers.Switch(r.Context(), req.Type)
	h.logger.Info("provider switch requested",
		"target", req.Type,
		"success", res.Success,
		"current_type", res.CurrentType,
	)
	writeJSON(w, http.StatusOK, res)
}

// ProviderStatus handles GET /provider/status.
func (h *Handler) ProviderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Providers.Status())
}

// ResetProviders handles POST /provider/reset.
func (h *Handler) ResetProviders(w http.ResponseWriter, r *http.Request) {
	h.deps.Providers.Reset()
	h.logger.Info("provider chain reset")
	writeJSON(w, http.StatusOK, h.deps.Providers.Status())
}

// SubmitFeedback handles POST /feedback. Feedback confirming fraud becomes
// a retrieval pattern for future analyses; past decisions are untouched.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var fb domain.Feedback
	if err := decodeJSON(w, r, &fb); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return
	}
	annotate(ctx, "tx_id", fb.TransactionID, "actual_fraud", fb.ActualFraud)
	if strings.TrimSpace(fb.TransactionID) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:    "invalid feedback",
			Problems: []domain.FieldProblem{{Field: "transaction_id", Message: "is required"}},
		})
		return
	}
	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "repository not available"})
		return
	}

	tx, err := h.deps.Repo.GetTransaction(ctx, fb.TransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load transaction for feedback", "tx_id", fb.TransactionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load transaction"})
		return
	}

	if err := h.deps.Repo.SaveFeedback(ctx, &fb); err != nil {
		h.logger.Error("failed to save feedback", "tx_id", fb.TransactionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to save feedback"})
		return
	}

	resp := map[string]any{
		"transaction_id": fb.TransactionID,
		"message":        "feedback recorded",
	}

	// Both labels become patterns.
	if h.deps.Retrieval != nil {
		fraudType := retrieval.TypeConfirmedLegitimate
		if fb.ActualFraud {
			fraudType = retrieval.TypeConfirmedFraud
		}
		p := &domain.Pattern{
			FraudType: fraudType,
			Text:      strings.TrimSpace(tx.Describe() + " " + fb.AnalystNotes),
			Source:    retrieval.SourceFeedback,
		}
		if err := h.deps.Retrieval.Add(ctx, p); err != nil {
			h.logger.Error("failed to add feedback pattern", "tx_id", fb.TransactionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to add pattern"})
			return
		}
		resp["pattern_id"] = p.ID
	}

	h.logger.Info("feedback recorded", "tx_id", fb.TransactionID, "actual_fraud", fb.ActualFraud)
	writeJSON(w, http.StatusCreated, resp)
}

// ListRules returns all rules loaded in the screening engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.deps.Engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.deps.Engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Version     string  `json:"version,omitempty"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates a rule, loads it into the engine and persists it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id, name, and expression are required"})
		return
	}
	if req.Weight < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "weight must not be negative"})
		return
	}
	if req.Weight == 0 {
		req.Weight = 1.0
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.deps.Engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid CEL expression: " + err.Error()})
		return
	}

	if h.deps.Repo != nil {
		if err := h.deps.Repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
			h.logger.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to save rule"})
			return
		}
	}

	if err := h.deps.Engine.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "failed to load rule: " + err.Error()})
		return
	}

	h.logger.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name, "enabled", ruleConfig.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "rule saved and loaded",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "repository not available"})
		return
	}

	dbRules, err := h.deps.Repo.ListRuleConfigs(ctx)
	if err != nil {
		h.logger.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load rules from database"})
		return
	}

	if err := h.deps.Engine.ReloadRules(dbRules); err != nil {
		h.logger.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "failed to reload rules: " + err.Error()})
		return
	}

	h.logger.Info("rules reloaded from database", "count", h.deps.Engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.deps.Engine.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the server can take traffic: storage reachable and
// at least one screening rule loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "repository unreachable"})
			return
		}
	}
	if h.deps.Engine == nil || h.deps.Engine.RulesCount() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "reason": "no screening rules loaded"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Error = "invalid transaction"
		resp.Problems = verr.Problems
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
