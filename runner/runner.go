// Package runner executes a single pipeline stage end to end: input
// resolution, the attempt loop (render, generate, validate, decide),
// and escalation to the human intervention gateway when the retry
// budget runs out.
//
// Every attempt is persisted before the next decision is taken, so a
// crash can lose at most work in flight, never recorded history. The
// runner mutates only the stage execution; run-level status changes
// happen in the orchestrator through the hooks.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/artifact"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/intervention"
	"github.com/BaSui01/stageflow/persistence"
	"github.com/BaSui01/stageflow/policy"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/validator"
)

// Hooks let the orchestrator observe run-level transitions without the
// runner touching run status itself.
type Hooks struct {
	// OnEscalated fires after an escalation is durably raised.
	OnEscalated func(ctx context.Context, run *types.Run, pendingID string)
	// OnResumed fires after a human resolution is received.
	OnResumed func(ctx context.Context, run *types.Run)
}

// Options configures a Runner.
type Options struct {
	Generator  generation.Client
	Validators *validator.Registry
	Artifacts  artifact.Store
	Gateway    *intervention.Gateway
	Runs       persistence.RunStore
	Tokenizer  *generation.Tokenizer
	Metrics    *metrics.Collector
	Hooks      Hooks
	Logger     *zap.Logger

	// DefaultMaxAttempts applies when a stage does not override it.
	DefaultMaxAttempts int
	// DefaultPerCallTimeout applies when a stage does not override it.
	DefaultPerCallTimeout time.Duration
}

// Runner executes pipeline stages.
type Runner struct {
	gen        generation.Client
	validators *validator.Registry
	artifacts  artifact.Store
	gateway    *intervention.Gateway
	runs       persistence.RunStore
	tokenizer  *generation.Tokenizer
	metrics    *metrics.Collector
	hooks      Hooks
	logger     *zap.Logger

	defaultMaxAttempts int
	defaultTimeout     time.Duration
}

// New creates a stage runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	timeout := opts.DefaultPerCallTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Runner{
		gen:                opts.Generator,
		validators:         opts.Validators,
		artifacts:          opts.Artifacts,
		gateway:            opts.Gateway,
		runs:               opts.Runs,
		tokenizer:          opts.Tokenizer,
		metrics:            opts.Metrics,
		hooks:              opts.Hooks,
		logger:             logger.With(zap.String("component", "stage_runner")),
		defaultMaxAttempts: maxAttempts,
		defaultTimeout:     timeout,
	}
}

// Execute runs one stage of a run to completion: succeeded, failed, or
// resolved through human intervention. The returned execution is also
// appended to run.Executions and persisted.
func (r *Runner) Execute(ctx context.Context, run *types.Run, stage config.StageSpec) (*types.StageExecution, error) {
	ctx, span := otel.Tracer("stageflow/runner").Start(ctx, "stage.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("stage.id", stage.ID)))
	defer span.End()

	exec, err := r.execute(ctx, run, stage)
	if exec != nil {
		span.SetAttributes(
			attribute.String("stage.status", string(exec.Status)),
			attribute.Int("stage.attempts", exec.AttemptCount()))
	}
	if err != nil {
		span.RecordError(err)
	}
	return exec, err
}

func (r *Runner) execute(ctx context.Context, run *types.Run, stage config.StageSpec) (*types.StageExecution, error) {
	exec := run.ExecutionFor(stage.ID)
	if exec == nil {
		exec = &types.StageExecution{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			Stage:     stage.ID,
			Status:    types.StageStatusRunning,
			StartedAt: time.Now(),
		}
		run.Executions = append(run.Executions, exec)
	} else if exec.Status == types.StageStatusEscalated && exec.PendingID != "" {
		// Recovery path: the stage was already waiting on a human.
		return exec, r.awaitResolution(ctx, run, stage, exec)
	}

	logger := r.logger.With(
		zap.String("run_id", run.ID),
		zap.String("stage", stage.ID))

	inputs, err := r.resolveInputs(ctx, stage, exec)
	if err != nil {
		exec.Status = types.StageStatusFailed
		exec.Error = err.Error()
		r.complete(ctx, run, exec)
		logger.Warn("stage failed before first attempt", zap.Error(err))
		return exec, err
	}

	maxAttempts := stage.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.defaultMaxAttempts
	}
	pol := policy.NewBoundedPolicy(maxAttempts)

	timeout := stage.PerCallTimeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	val, err := r.validators.Get(stage.Validator)
	if err != nil {
		exec.Status = types.StageStatusFailed
		exec.Error = err.Error()
		r.complete(ctx, run, exec)
		return exec, types.NewError(types.ErrInternalError, err.Error()).WithStage(stage.ID)
	}

	for {
		// On cancellation the execution is left as recorded so a
		// restart can resume it. Turning the cancellation into an
		// aborted run is the orchestrator's call, not ours.
		if err := ctx.Err(); err != nil {
			return exec, err
		}

		// Decide on the last recorded attempt before generating a new
		// one. On recovery this replays the pending decision instead
		// of burning an extra attempt past the ceiling.
		if last := exec.LastAttempt(); last != nil {
			// A recorded permanent failure is terminal. A crash between
			// persisting the attempt and persisting the failed status
			// must not replay it as a retry.
			if last.FailureKind == types.FailurePermanent {
				exec.Status = types.StageStatusFailed
				exec.Error = last.FailureError
				r.complete(ctx, run, exec)
				return exec, types.NewError(types.ErrPermanentGeneration,
					"generation failed permanently").WithStage(stage.ID)
			}
			switch pol.Decide(exec.AttemptCount(), last.Verdict, last.FailureKind) {
			case policy.DecisionSucceed:
				return exec, r.finalize(ctx, run, stage, exec, last.Output, nil)
			case policy.DecisionEscalate:
				return exec, r.escalate(ctx, run, stage, exec)
			case policy.DecisionRetry:
			}
		}

		feedback := attemptFeedback(exec.LastAttempt())
		prompt, err := renderPrompt(stage, inputs, feedback)
		if err != nil {
			exec.Status = types.StageStatusFailed
			exec.Error = err.Error()
			r.complete(ctx, run, exec)
			return exec, types.NewError(types.ErrInternalError, err.Error()).WithStage(stage.ID)
		}

		attempt := types.Attempt{
			Seq:       exec.AttemptCount() + 1,
			Prompt:    prompt,
			CreatedAt: time.Now(),
		}
		if r.tokenizer != nil {
			attempt.PromptTokens = r.tokenizer.Count(prompt)
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		genCtx, genSpan := otel.Tracer("stageflow/runner").Start(callCtx, "generation.generate",
			trace.WithAttributes(attribute.Int("attempt.seq", attempt.Seq)))
		started := time.Now()
		text, genErr := r.gen.Generate(genCtx, prompt)
		if genErr != nil {
			genSpan.RecordError(genErr)
		}
		genSpan.End()
		cancel()
		elapsed := time.Since(started)

		if ctx.Err() != nil {
			return exec, ctx.Err()
		}

		if genErr != nil {
			attempt.FailureKind = generation.Classify(genErr)
			attempt.FailureError = genErr.Error()
			logger.Warn("generation attempt failed",
				zap.Int("attempt", attempt.Seq),
				zap.String("kind", string(attempt.FailureKind)),
				zap.Error(genErr))
		} else {
			v := val.Validate(ctx, text, stage, inputs)
			attempt.Output = text
			attempt.Verdict = &v
			logger.Info("attempt validated",
				zap.Int("attempt", attempt.Seq),
				zap.String("verdict", string(v.Status)),
				zap.Strings("reasons", v.Reasons))
		}

		// The attempt must be on durable record before any decision
		// derived from it.
		exec.Attempts = append(exec.Attempts, attempt)
		if err := r.runs.SaveRun(ctx, run); err != nil {
			return exec, fmt.Errorf("failed to persist attempt: %w", err)
		}
		r.metrics.RecordAttempt(stage.ID, attemptResult(&attempt), attempt.PromptTokens, elapsed)

		if attempt.FailureKind == types.FailurePermanent {
			exec.Status = types.StageStatusFailed
			exec.Error = attempt.FailureError
			r.complete(ctx, run, exec)
			return exec, types.NewError(types.ErrPermanentGeneration,
				"generation failed permanently").WithStage(stage.ID).WithCause(genErr)
		}
		// The loop head decides what this attempt means.
	}
}

// Resume continues a recovered execution that is waiting on a human.
func (r *Runner) Resume(ctx context.Context, run *types.Run, stage config.StageSpec, exec *types.StageExecution) error {
	if exec.Status != types.StageStatusEscalated || exec.PendingID == "" {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution %s is not waiting on a human", exec.ID))
	}
	return r.awaitResolution(ctx, run, stage, exec)
}

// resolveInputs loads every declared input at its latest version. A
// missing input fails the stage before any attempt exists.
func (r *Runner) resolveInputs(ctx context.Context, stage config.StageSpec, exec *types.StageExecution) (map[string]*types.Artifact, error) {
	inputs := make(map[string]*types.Artifact, len(stage.Inputs))
	refs := make([]types.ArtifactRef, 0, len(stage.Inputs))
	for _, name := range stage.Inputs {
		a, err := r.artifacts.Get(ctx, name, 0)
		if err != nil {
			if err == artifact.ErrNotFound {
				return nil, types.NewError(types.ErrMissingInput,
					fmt.Sprintf("input artifact %q not found", name)).WithStage(stage.ID)
			}
			return nil, fmt.Errorf("failed to load input %q: %w", name, err)
		}
		inputs[name] = a
		refs = append(refs, a.Ref())
	}
	exec.Inputs = refs
	return inputs, nil
}

// escalate raises an intervention request and suspends until a human
// decides.
func (r *Runner) escalate(ctx context.Context, run *types.Run, stage config.StageSpec, exec *types.StageExecution) error {
	req := &types.InterventionRequest{
		RunID:       run.ID,
		ExecutionID: exec.ID,
		Stage:       stage.ID,
		OutputName:  stage.Output,
		Attempts:    exec.Attempts,
	}
	pendingID, err := r.gateway.Raise(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to raise intervention: %w", err)
	}

	exec.Status = types.StageStatusEscalated
	exec.PendingID = pendingID
	if err := r.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist escalation: %w", err)
	}
	r.metrics.RecordEscalation(stage.ID)

	if r.hooks.OnEscalated != nil {
		r.hooks.OnEscalated(ctx, run, pendingID)
	}

	return r.awaitResolution(ctx, run, stage, exec)
}

// awaitResolution blocks on the gateway and applies the resolution.
func (r *Runner) awaitResolution(ctx context.Context, run *types.Run, stage config.StageSpec, exec *types.StageExecution) error {
	logger := r.logger.With(
		zap.String("run_id", run.ID),
		zap.String("stage", stage.ID),
		zap.String("pending_id", exec.PendingID))
	logger.Info("waiting on human resolution")

	res, err := r.gateway.Await(ctx, exec.PendingID)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrResolutionVoided {
			return r.abort(ctx, run, exec, err)
		}
		// Context cancellation during shutdown: the execution stays
		// escalated on record and is recovered on the next start.
		return err
	}

	if r.hooks.OnResumed != nil {
		r.hooks.OnResumed(ctx, run)
	}
	r.metrics.RecordResolution(string(res.Type))

	switch res.Type {
	case types.ResolutionApproveAsIs:
		cand := exec.LastCandidate()
		if cand == nil {
			exec.Status = types.StageStatusFailed
			exec.Resolution = &res
			exec.Error = "approve_as_is with no candidate output on record"
			r.complete(ctx, run, exec)
			return types.NewError(types.ErrNoCandidateOutput,
				"no candidate output to approve").WithStage(stage.ID)
		}
		logger.Info("resolution applied", zap.String("type", string(res.Type)))
		return r.finalize(ctx, run, stage, exec, cand.Output, &res)

	case types.ResolutionProvideCorrected:
		logger.Info("resolution applied", zap.String("type", string(res.Type)))
		return r.finalize(ctx, run, stage, exec, res.Content, &res)

	case types.ResolutionAbortRun:
		exec.Status = types.StageStatusFailed
		exec.Resolution = &res
		exec.Error = "aborted by human reviewer"
		r.complete(ctx, run, exec)
		logger.Info("resolution applied", zap.String("type", string(res.Type)))
		return types.NewError(types.ErrAbortedByReviewer,
			"run aborted by human reviewer").WithStage(stage.ID)

	default:
		return types.NewError(types.ErrInternalError,
			fmt.Sprintf("unknown resolution type %q", res.Type)).WithStage(stage.ID)
	}
}

// finalize stores the stage output and marks the execution succeeded.
func (r *Runner) finalize(ctx context.Context, run *types.Run, stage config.StageSpec, exec *types.StageExecution, content string, res *types.Resolution) error {
	ref, err := r.artifacts.Put(ctx, stage.Output, content, stage.ID)
	if err != nil {
		return fmt.Errorf("failed to store stage output: %w", err)
	}
	exec.Output = &ref
	exec.Resolution = res
	exec.Status = types.StageStatusSucceeded
	r.complete(ctx, run, exec)

	r.logger.Info("stage succeeded",
		zap.String("run_id", run.ID),
		zap.String("stage", stage.ID),
		zap.Int("attempts", exec.AttemptCount()),
		zap.String("artifact", ref.Name),
		zap.Int("version", ref.Version))
	return nil
}

// abort records a voided escalation against the execution. Voiding only
// happens when the run itself is cancelled.
func (r *Runner) abort(ctx context.Context, run *types.Run, exec *types.StageExecution, cause error) error {
	exec.Status = types.StageStatusFailed
	exec.Error = "run cancelled"
	r.complete(context.WithoutCancel(ctx), run, exec)
	return types.NewError(types.ErrRunAborted, "run cancelled").WithCause(cause)
}

// complete stamps the completion time, persists, and records metrics.
// Persistence failures here are logged, not returned: the execution
// outcome is already decided.
func (r *Runner) complete(ctx context.Context, run *types.Run, exec *types.StageExecution) {
	now := time.Now()
	exec.CompletedAt = &now
	if err := r.runs.SaveRun(ctx, run); err != nil {
		r.logger.Error("failed to persist stage completion",
			zap.String("run_id", run.ID),
			zap.String("stage", exec.Stage),
			zap.Error(err))
	}
	r.metrics.RecordStageExecution(exec.Stage, string(exec.Status), now.Sub(exec.StartedAt))
}

// attemptResult labels an attempt for metrics.
func attemptResult(a *types.Attempt) string {
	switch {
	case a.FailureKind == types.FailureTransient:
		return "transient_failure"
	case a.FailureKind == types.FailurePermanent:
		return "permanent_failure"
	case a.Verdict == nil:
		return "unknown"
	case a.Verdict.Status == types.VerdictAccept:
		return "accepted"
	case a.Verdict.Status == types.VerdictInconclusive:
		return "inconclusive"
	default:
		return "rejected"
	}
}
