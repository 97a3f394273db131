package runner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/artifact"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/intervention"
	"github.com/BaSui01/stageflow/persistence"
	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/testutil/mocks"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/validator"
)

type runnerEnv struct {
	client    *mocks.ScriptedClient
	artifacts artifact.Store
	runs      persistence.RunStore
	gateway   *intervention.Gateway
	runner    *Runner
}

func newRunnerEnv(t *testing.T, hooks Hooks, steps ...mocks.Step) *runnerEnv {
	t.Helper()

	client := mocks.NewScriptedClient(steps...)
	env := &runnerEnv{
		client:    client,
		artifacts: artifact.NewMemoryStore(zap.NewNop()),
		runs:      persistence.NewMemoryRunStore(zap.NewNop()),
		gateway:   intervention.NewGateway(intervention.NewMemoryStore(zap.NewNop()), zap.NewNop()),
	}
	env.runner = New(Options{
		Generator:  client,
		Validators: validator.NewRegistry(nil, zap.NewNop()),
		Artifacts:  env.artifacts,
		Gateway:    env.gateway,
		Runs:       env.runs,
		Hooks:      hooks,
		Logger:     zap.NewNop(),
	})
	return env
}

func (e *runnerEnv) seedRequirements(t *testing.T) {
	t.Helper()
	_, err := e.artifacts.Put(context.Background(), "requirements", fixtures.Requirements, "submission")
	require.NoError(t, err)
}

func analysisStage(t *testing.T) config.StageSpec {
	t.Helper()
	stage, ok := config.DefaultPipeline().StageByID("analysis")
	require.True(t, ok)
	return stage
}

func newRun(stages ...string) *types.Run {
	return &types.Run{
		ID:        uuid.NewString(),
		Pipeline:  "sdlc",
		Stages:    stages,
		Status:    types.RunStatusRunning,
		CreatedAt: time.Now(),
	}
}

func TestExecuteAcceptsFirstAttempt(t *testing.T) {
	env := newRunnerEnv(t, Hooks{}, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})
	env.seedRequirements(t)
	ctx := testutil.TestContext(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.NoError(t, err)

	assert.Equal(t, types.StageStatusSucceeded, exec.Status)
	assert.Equal(t, 1, exec.AttemptCount())
	require.NotNil(t, exec.Output)
	assert.Equal(t, "acceptance_criteria", exec.Output.Name)
	assert.Equal(t, 1, exec.Output.Version)

	stored, err := env.artifacts.Get(ctx, "acceptance_criteria", 0)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ValidAcceptanceCriteria, stored.Content)
}

func TestExecuteRetriesWithFeedback(t *testing.T) {
	env := newRunnerEnv(t, Hooks{},
		mocks.Step{Output: fixtures.MissingSectionDoc},
		mocks.Step{Output: fixtures.EmptySectionDoc},
		mocks.Step{Output: fixtures.ValidAcceptanceCriteria},
	)
	env.seedRequirements(t)
	ctx := testutil.TestContext(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.NoError(t, err)

	assert.Equal(t, types.StageStatusSucceeded, exec.Status)
	assert.Equal(t, 3, exec.AttemptCount())

	// Rejection reasons from each attempt flow into the next prompt.
	prompts := env.client.Prompts()
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "Previous attempt was rejected")
	assert.Contains(t, prompts[1], "missing required section: Edge Cases")
	assert.Contains(t, prompts[2], "has no content")
	assert.Contains(t, prompts[2], "User Stories")

	// The accepted output is the one stored.
	stored, err := env.artifacts.Get(ctx, "acceptance_criteria", 0)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ValidAcceptanceCriteria, stored.Content)

	// No escalation was raised.
	pending, err := env.gateway.Pending(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The full attempt history is on durable record.
	saved, err := env.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	savedExec := saved.ExecutionFor("analysis")
	require.NotNil(t, savedExec)
	assert.Equal(t, 3, savedExec.AttemptCount())
	require.NotNil(t, savedExec.Attempts[0].Verdict)
	assert.Equal(t, types.VerdictReject, savedExec.Attempts[0].Verdict.Status)
}

func TestExecutePermanentFailureFailsImmediately(t *testing.T) {
	env := newRunnerEnv(t, Hooks{},
		mocks.Step{Err: generation.Permanent("invalid api key", nil)})
	env.seedRequirements(t)
	ctx := testutil.TestContext(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrPermanentGeneration, types.GetErrorCode(err))

	assert.Equal(t, types.StageStatusFailed, exec.Status)
	assert.Equal(t, 1, exec.AttemptCount())
	assert.Equal(t, types.FailurePermanent, exec.Attempts[0].FailureKind)
	assert.Equal(t, 1, env.client.Calls())
}

func TestExecuteMissingInputFailsFast(t *testing.T) {
	env := newRunnerEnv(t, Hooks{}, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})
	// No requirements artifact seeded.
	ctx := testutil.TestContext(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingInput, types.GetErrorCode(err))

	assert.Equal(t, types.StageStatusFailed, exec.Status)
	assert.Zero(t, exec.AttemptCount())
	assert.Zero(t, env.client.Calls(), "no generation call before inputs resolve")
}

func TestExecuteEscalatesAndApprovesLastCandidate(t *testing.T) {
	ctx := testutil.TestContext(t)
	var escalated, resumed bool
	var env *runnerEnv
	hooks := Hooks{
		// Resolving from the hook is durable before Await subscribes,
		// so the waiter picks the decision up from the store.
		OnEscalated: func(hctx context.Context, run *types.Run, pendingID string) {
			escalated = true
			err := env.gateway.Resolve(hctx, pendingID, types.Resolution{
				Type:       types.ResolutionApproveAsIs,
				ResolvedBy: "reviewer@example.com",
			})
			require.NoError(t, err)
		},
		OnResumed: func(hctx context.Context, run *types.Run) {
			resumed = true
		},
	}
	env = newRunnerEnv(t, hooks, mocks.Step{Output: fixtures.MissingSectionDoc})
	env.seedRequirements(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.NoError(t, err)

	assert.True(t, escalated)
	assert.True(t, resumed)
	assert.Equal(t, 3, exec.AttemptCount(), "default retry ceiling")
	assert.Equal(t, types.StageStatusSucceeded, exec.Status)
	require.NotNil(t, exec.Resolution)
	assert.Equal(t, types.ResolutionApproveAsIs, exec.Resolution.Type)

	// Approve-as-is publishes the last candidate unchanged.
	stored, err := env.artifacts.Get(ctx, "acceptance_criteria", 0)
	require.NoError(t, err)
	assert.Equal(t, fixtures.MissingSectionDoc, stored.Content)
}

func TestExecuteEscalatesAndAppliesCorrectedArtifact(t *testing.T) {
	ctx := testutil.TestContext(t)
	var env *runnerEnv
	hooks := Hooks{
		OnEscalated: func(hctx context.Context, run *types.Run, pendingID string) {
			err := env.gateway.Resolve(hctx, pendingID, types.Resolution{
				Type:       types.ResolutionProvideCorrected,
				Content:    fixtures.ValidAcceptanceCriteria,
				ResolvedBy: "reviewer@example.com",
			})
			require.NoError(t, err)
		},
	}
	env = newRunnerEnv(t, hooks, mocks.Step{Output: fixtures.MissingSectionDoc})
	env.seedRequirements(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.NoError(t, err)

	assert.Equal(t, types.StageStatusSucceeded, exec.Status)
	require.NotNil(t, exec.Resolution)
	assert.Equal(t, types.ResolutionProvideCorrected, exec.Resolution.Type)

	stored, err := env.artifacts.Get(ctx, "acceptance_criteria", 0)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ValidAcceptanceCriteria, stored.Content)
}

func TestExecuteEscalatesAndAborts(t *testing.T) {
	ctx := testutil.TestContext(t)
	var env *runnerEnv
	hooks := Hooks{
		OnEscalated: func(hctx context.Context, run *types.Run, pendingID string) {
			err := env.gateway.Resolve(hctx, pendingID, types.Resolution{
				Type:       types.ResolutionAbortRun,
				ResolvedBy: "reviewer@example.com",
			})
			require.NoError(t, err)
		},
	}
	env = newRunnerEnv(t, hooks, mocks.Step{Output: fixtures.MissingSectionDoc})
	env.seedRequirements(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrAbortedByReviewer, types.GetErrorCode(err))
	assert.Equal(t, types.StageStatusFailed, exec.Status)
	require.NotNil(t, exec.Resolution)
	assert.Equal(t, types.ResolutionAbortRun, exec.Resolution.Type)
}

func TestTransientFailuresConsumeRetrySlots(t *testing.T) {
	ctx := testutil.TestContext(t)
	var env *runnerEnv
	hooks := Hooks{
		OnEscalated: func(hctx context.Context, run *types.Run, pendingID string) {
			err := env.gateway.Resolve(hctx, pendingID, types.Resolution{
				Type: types.ResolutionApproveAsIs,
			})
			require.NoError(t, err)
		},
	}
	env = newRunnerEnv(t, hooks, mocks.Step{Err: generation.Transient("backend overloaded", nil)})
	env.seedRequirements(t)
	run := newRun("analysis")

	exec, err := env.runner.Execute(ctx, run, analysisStage(t))

	// Every attempt failed before producing output, so there is nothing
	// for approve-as-is to publish.
	require.Error(t, err)
	assert.Equal(t, types.ErrNoCandidateOutput, types.GetErrorCode(err))
	assert.Equal(t, types.StageStatusFailed, exec.Status)
	assert.Equal(t, 3, exec.AttemptCount())
	for _, a := range exec.Attempts {
		assert.Equal(t, types.FailureTransient, a.FailureKind)
	}
}

func TestExecuteHonoursStageAttemptOverride(t *testing.T) {
	ctx := testutil.TestContext(t)
	var sawAttempts int
	var env *runnerEnv
	hooks := Hooks{
		OnEscalated: func(hctx context.Context, run *types.Run, pendingID string) {
			req, err := env.gateway.Get(hctx, pendingID)
			require.NoError(t, err)
			sawAttempts = len(req.Attempts)
			err = env.gateway.Resolve(hctx, pendingID, types.Resolution{
				Type:    types.ResolutionProvideCorrected,
				Content: fixtures.ValidAcceptanceCriteria,
			})
			require.NoError(t, err)
		},
	}
	env = newRunnerEnv(t, hooks, mocks.Step{Output: fixtures.MissingSectionDoc})
	env.seedRequirements(t)
	run := newRun("analysis")

	stage := analysisStage(t)
	stage.MaxAttempts = 1

	exec, err := env.runner.Execute(ctx, run, stage)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.AttemptCount())
	assert.Equal(t, 1, sawAttempts, "escalation carries the full attempt history")
	assert.Equal(t, types.StageStatusSucceeded, exec.Status)
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := testutil.TestContext(t)
	env := newRunnerEnv(t, Hooks{}, mocks.Step{Output: fixtures.MissingSectionDoc})
	env.seedRequirements(t)
	run := newRun("analysis")

	// Simulate a process that escalated, then crashed: the request is
	// pending in the gateway store and the execution is escalated.
	pendingID, err := env.gateway.Raise(ctx, &types.InterventionRequest{
		RunID:      run.ID,
		Stage:      "analysis",
		OutputName: "acceptance_criteria",
		Attempts: []types.Attempt{{
			Seq:       1,
			Output:    fixtures.MissingSectionDoc,
			CreatedAt: time.Now(),
		}},
	})
	require.NoError(t, err)

	exec := &types.StageExecution{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Stage:     "analysis",
		Status:    types.StageStatusEscalated,
		PendingID: pendingID,
		Attempts: []types.Attempt{{
			Seq:       1,
			Output:    fixtures.MissingSectionDoc,
			CreatedAt: time.Now(),
		}},
		StartedAt: time.Now(),
	}
	run.Executions = append(run.Executions, exec)
	require.NoError(t, env.runs.SaveRun(ctx, run))

	// The human resolved while nothing was waiting.
	require.NoError(t, env.gateway.Resolve(ctx, pendingID, types.Resolution{
		Type: types.ResolutionApproveAsIs,
	}))

	// Execute on the recovered run picks up the stored decision.
	got, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.NoError(t, err)
	assert.Same(t, exec, got)
	assert.Equal(t, types.StageStatusSucceeded, got.Status)
	assert.Equal(t, 1, got.AttemptCount(), "no new attempts after recovery")
	assert.Zero(t, env.client.Calls())

	stored, err := env.artifacts.Get(ctx, "acceptance_criteria", 0)
	require.NoError(t, err)
	assert.Equal(t, fixtures.MissingSectionDoc, stored.Content)
}

func TestRecoveredPermanentFailureIsNotRetried(t *testing.T) {
	ctx := testutil.TestContext(t)
	env := newRunnerEnv(t, Hooks{}, mocks.Step{Output: fixtures.ValidAcceptanceCriteria})
	env.seedRequirements(t)
	run := newRun("analysis")

	// Simulate a crash after the permanently failed attempt was
	// persisted but before the failed status was.
	exec := &types.StageExecution{
		ID:     uuid.NewString(),
		RunID:  run.ID,
		Stage:  "analysis",
		Status: types.StageStatusRunning,
		Attempts: []types.Attempt{{
			Seq:          1,
			FailureKind:  types.FailurePermanent,
			FailureError: "model rejected the request",
			CreatedAt:    time.Now(),
		}},
		StartedAt: time.Now(),
	}
	run.Executions = append(run.Executions, exec)
	require.NoError(t, env.runs.SaveRun(ctx, run))

	got, err := env.runner.Execute(ctx, run, analysisStage(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrPermanentGeneration, types.GetErrorCode(err))
	assert.Same(t, exec, got)
	assert.Equal(t, types.StageStatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount(), "no new attempts after recovery")
	assert.Zero(t, env.client.Calls(), "permanent failure is not regenerated")
}

func TestResumeRejectsNonEscalatedExecution(t *testing.T) {
	ctx := testutil.TestContext(t)
	env := newRunnerEnv(t, Hooks{})
	run := newRun("analysis")
	exec := &types.StageExecution{
		ID:     uuid.NewString(),
		RunID:  run.ID,
		Stage:  "analysis",
		Status: types.StageStatusRunning,
	}

	err := env.runner.Resume(ctx, run, analysisStage(t), exec)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}
