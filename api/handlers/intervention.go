package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/orchestrator"
	"github.com/BaSui01/stageflow/types"
)

// InterventionHandler exposes pending escalations and their resolution
// over HTTP.
type InterventionHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewInterventionHandler creates an intervention handler.
func NewInterventionHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *InterventionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterventionHandler{
		orch:   orch,
		logger: logger.With(zap.String("component", "intervention_handler")),
	}
}

// ResolveRequest is the body of POST /api/v1/interventions/{id}/resolve.
type ResolveRequest struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// HandleListPending serves GET /api/v1/interventions with an optional
// run_id query parameter.
func (h *InterventionHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.orch.Pending(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"interventions": pending,
		"count":         len(pending),
	})
}

// HandleGet serves GET /api/v1/interventions/{id}.
func (h *InterventionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	pendingID := r.PathValue("id")
	if pendingID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "intervention id is required"), h.logger)
		return
	}

	req, err := h.orch.Intervention(r.Context(), pendingID)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleResolve serves POST /api/v1/interventions/{id}/resolve.
// Resolution is first-wins; a duplicate submission succeeds without
// effect.
func (h *InterventionHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	pendingID := r.PathValue("id")
	if pendingID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "intervention id is required"), h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req ResolveRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resType := types.ResolutionType(req.Type)
	if !resType.IsValid() {
		WriteError(w, types.NewError(types.ErrInvalidRequest,
			"type must be one of approve_as_is, provide_corrected_artifact, abort_run"), h.logger)
		return
	}
	if resType == types.ResolutionProvideCorrected && req.Content == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest,
			"content is required for provide_corrected_artifact"), h.logger)
		return
	}

	res := types.Resolution{
		Type:       resType,
		Content:    req.Content,
		ResolvedBy: req.ResolvedBy,
	}
	if err := h.orch.Resolve(r.Context(), pendingID, res); err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	h.logger.Info("intervention resolved",
		zap.String("pending_id", pendingID),
		zap.String("type", req.Type),
		zap.String("resolved_by", req.ResolvedBy))
	WriteSuccess(w, map[string]string{
		"pending_id": pendingID,
		"type":       req.Type,
	})
}
