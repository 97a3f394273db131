package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/artifact"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/intervention"
	"github.com/BaSui01/stageflow/orchestrator"
	"github.com/BaSui01/stageflow/persistence"
	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/testutil/mocks"
	"github.com/BaSui01/stageflow/types"
)

// apiEnv wires the handlers onto a mux over an orchestrator backed by
// in-memory stores and a scripted generation client.
type apiEnv struct {
	client *mocks.ScriptedClient
	runs   persistence.RunStore
	orch   *orchestrator.Orchestrator
	mux    *http.ServeMux
}

func newAPIEnv(t *testing.T, stages int, steps ...mocks.Step) *apiEnv {
	t.Helper()

	pipeline := config.DefaultPipeline()
	pipeline.Stages = pipeline.Stages[:stages]

	env := &apiEnv{
		client: mocks.NewScriptedClient(steps...),
		runs:   persistence.NewMemoryRunStore(zap.NewNop()),
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Pipelines: map[string]*config.Pipeline{pipeline.ID: pipeline},
		Generator: env.client,
		Artifacts: artifact.NewMemoryStore(zap.NewNop()),
		Gateway:   intervention.NewGateway(intervention.NewMemoryStore(zap.NewNop()), zap.NewNop()),
		Runs:      env.runs,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	env.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	runs := NewRunHandler(orch, zap.NewNop())
	interventions := NewInterventionHandler(orch, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", runs.HandleSubmit)
	mux.HandleFunc("GET /api/v1/runs", runs.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", runs.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", runs.HandleCancel)
	mux.HandleFunc("GET /api/v1/interventions", interventions.HandleListPending)
	mux.HandleFunc("GET /api/v1/interventions/{id}", interventions.HandleGet)
	mux.HandleFunc("POST /api/v1/interventions/{id}/resolve", interventions.HandleResolve)
	env.mux = mux
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) submit(t *testing.T) *types.Run {
	t.Helper()
	body := map[string]interface{}{
		"pipeline":  "sdlc",
		"artifacts": map[string]string{"requirements": fixtures.Requirements},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/v1/runs", strings.NewReader(string(raw)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run types.Run
	decodeData(t, rec, &run)
	require.NotEmpty(t, run.ID)
	return &run
}

func (e *apiEnv) waitForRunStatus(t *testing.T, runID string, want types.RunStatus) {
	t.Helper()
	testutil.AssertEventuallyTrue(t, func() bool {
		run, err := e.runs.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second)
}

// decodeData unmarshals the Data field of a response envelope into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	resp := decodeResponse(t, rec)
	require.True(t, resp.Success, rec.Body.String())
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeResponse(t, rec)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestHandleSubmitAccepted(t *testing.T) {
	env := newAPIEnv(t, 1, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})

	run := env.submit(t)
	assert.Equal(t, "sdlc", run.Pipeline)

	env.waitForRunStatus(t, run.ID, types.RunStatusSucceeded)
}

func TestHandleSubmitValidation(t *testing.T) {
	env := newAPIEnv(t, 1)

	t.Run("missing pipeline", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/runs", strings.NewReader(`{"artifacts":{}}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(types.ErrInvalidRequest), errorCode(t, rec))
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/runs",
			strings.NewReader(`{"pipeline":"nope","artifacts":{}}`))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(types.ErrPipelineNotFound), errorCode(t, rec))
	})

	t.Run("missing external input", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/runs",
			strings.NewReader(`{"pipeline":"sdlc","artifacts":{}}`))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, string(types.ErrMissingInput), errorCode(t, rec))
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		env.mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown body field", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/runs",
			strings.NewReader(`{"pipeline":"sdlc","bogus":true}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetRun(t *testing.T) {
	env := newAPIEnv(t, 1, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})

	run := env.submit(t)
	env.waitForRunStatus(t, run.ID, types.RunStatusSucceeded)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Run
	decodeData(t, rec, &got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, types.RunStatusSucceeded, got.Status)
	assert.Len(t, got.Executions, 1)
}

func TestHandleGetRunNotFound(t *testing.T) {
	env := newAPIEnv(t, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrRunNotFound), errorCode(t, rec))
}

func TestHandleListRuns(t *testing.T) {
	env := newAPIEnv(t, 1, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})

	first := env.submit(t)
	second := env.submit(t)
	env.waitForRunStatus(t, first.ID, types.RunStatusSucceeded)
	env.waitForRunStatus(t, second.ID, types.RunStatusSucceeded)

	rec := env.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Runs  []*types.Run `json:"runs"`
		Count int          `json:"count"`
	}
	decodeData(t, rec, &listing)
	assert.Equal(t, 2, listing.Count)
	assert.Len(t, listing.Runs, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?status=succeeded&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &listing)
	assert.Equal(t, 1, listing.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?status=aborted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &listing)
	assert.Zero(t, listing.Count)
}

func TestHandleListRunsInvalidFilter(t *testing.T) {
	env := newAPIEnv(t, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/runs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?offset=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCancelWaitingRun(t *testing.T) {
	// An invalid document every attempt forces an escalation, which
	// parks the run until it is cancelled.
	env := newAPIEnv(t, 1, mocks.Step{Output: fixtures.MissingSectionDoc})

	run := env.submit(t)
	env.waitForRunStatus(t, run.ID, types.RunStatusWaitingOnHuman)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env.waitForRunStatus(t, run.ID, types.RunStatusAborted)
}

func TestHandleCancelTerminalRunConflicts(t *testing.T) {
	env := newAPIEnv(t, 1, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})

	run := env.submit(t)
	env.waitForRunStatus(t, run.ID, types.RunStatusSucceeded)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.ErrInvalidTransition), errorCode(t, rec))
}
