package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/orchestrator"
	"github.com/BaSui01/stageflow/persistence"
	"github.com/BaSui01/stageflow/types"
)

// RunHandler exposes pipeline run operations over HTTP.
type RunHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{orch: orch, logger: logger.With(zap.String("component", "run_handler"))}
}

// SubmitRequest is the body of POST /api/v1/runs.
type SubmitRequest struct {
	Pipeline  string            `json:"pipeline"`
	Artifacts map[string]string `json:"artifacts"`
}

// HandleSubmit serves POST /api/v1/runs. It accepts the run and
// returns 202 before the pipeline finishes.
func (h *RunHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req SubmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Pipeline == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "pipeline is required"), h.logger)
		return
	}

	run, err := h.orch.Submit(r.Context(), req.Pipeline, req.Artifacts)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	h.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("pipeline", run.Pipeline))
	WriteSuccessStatus(w, http.StatusAccepted, run)
}

// HandleList serves GET /api/v1/runs with optional status, pipeline,
// limit and offset query parameters.
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	runs, err := h.orch.List(r.Context(), filter)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleGet serves GET /api/v1/runs/{id}.
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "run id is required"), h.logger)
		return
	}

	run, err := h.orch.Status(r.Context(), runID)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleCancel serves POST /api/v1/runs/{id}/cancel.
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "run id is required"), h.logger)
		return
	}

	if err := h.orch.Cancel(r.Context(), runID); err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	h.logger.Info("run cancelled", zap.String("run_id", runID))
	WriteSuccess(w, map[string]string{
		"run_id": runID,
		"status": string(types.RunStatusAborted),
	})
}

func parseRunFilter(r *http.Request) (persistence.RunFilter, error) {
	q := r.URL.Query()
	filter := persistence.RunFilter{
		Pipeline: q.Get("pipeline"),
	}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := types.RunStatus(strings.TrimSpace(s))
			if !status.IsValid() {
				return filter, types.NewError(types.ErrInvalidRequest, "unknown run status: "+s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, types.NewError(types.ErrInvalidRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, types.NewError(types.ErrInvalidRequest, "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}
