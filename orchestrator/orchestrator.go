// Package orchestrator drives pipeline runs through their stage
// sequence. It owns the run state machine: the orchestrator is the only
// component that moves a run between pending, running, waiting_on_human
// and the terminal statuses. Stage-level work is delegated to the
// runner; human decisions pass through the intervention gateway.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/stageflow/artifact"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/intervention"
	"github.com/BaSui01/stageflow/persistence"
	"github.com/BaSui01/stageflow/runner"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/validator"
)

// Options configures an Orchestrator. Pipelines, Generator, Artifacts,
// Gateway and Runs are required; everything else has a sensible zero
// value.
type Options struct {
	Pipelines map[string]*config.Pipeline
	Generator generation.Client
	Artifacts artifact.Store
	Gateway   *intervention.Gateway
	Runs      persistence.RunStore

	Validators *validator.Registry
	Tokenizer  *generation.Tokenizer
	Metrics    *metrics.Collector
	Logger     *zap.Logger

	// MaxConcurrentRuns bounds how many runs execute at once. Runs
	// beyond the bound queue on submission order.
	MaxConcurrentRuns int
	// DefaultMaxAttempts applies to stages without their own ceiling.
	DefaultMaxAttempts int
	// DefaultPerCallTimeout applies to stages without their own timeout.
	DefaultPerCallTimeout time.Duration
}

// Orchestrator accepts submissions, executes runs concurrently, and
// recovers interrupted runs after a restart.
type Orchestrator struct {
	pipelines map[string]*config.Pipeline
	runner    *runner.Runner
	artifacts artifact.Store
	gateway   *intervention.Gateway
	runs      persistence.RunStore
	metrics   *metrics.Collector
	logger    *zap.Logger

	sem        *semaphore.Weighted
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates an orchestrator and wires the stage runner to it.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Pipelines) == 0 {
		return nil, fmt.Errorf("at least one pipeline is required")
	}
	if opts.Generator == nil || opts.Artifacts == nil || opts.Gateway == nil || opts.Runs == nil {
		return nil, fmt.Errorf("generator, artifact store, gateway and run store are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validators := opts.Validators
	if validators == nil {
		validators = validator.NewRegistry(opts.Generator, logger)
	}
	maxConcurrent := opts.MaxConcurrentRuns
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		pipelines:  opts.Pipelines,
		artifacts:  opts.Artifacts,
		gateway:    opts.Gateway,
		runs:       opts.Runs,
		metrics:    opts.Metrics,
		logger:     logger.With(zap.String("component", "orchestrator")),
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		cancels:    make(map[string]context.CancelFunc),
	}

	o.runner = runner.New(runner.Options{
		Generator:  opts.Generator,
		Validators: validators,
		Artifacts:  opts.Artifacts,
		Gateway:    opts.Gateway,
		Runs:       opts.Runs,
		Tokenizer:  opts.Tokenizer,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
		Hooks: runner.Hooks{
			OnEscalated: o.onEscalated,
			OnResumed:   o.onResumed,
		},
		DefaultMaxAttempts:    opts.DefaultMaxAttempts,
		DefaultPerCallTimeout: opts.DefaultPerCallTimeout,
	})

	return o, nil
}

// Submit creates a run for the named pipeline, persists the submitted
// input artifacts, and starts executing in the background. Inputs the
// pipeline needs but no earlier stage produces must either be submitted
// here or already exist in the artifact store.
func (o *Orchestrator) Submit(ctx context.Context, pipelineID string, inputs map[string]string) (*types.Run, error) {
	pipeline, ok := o.pipelines[pipelineID]
	if !ok {
		return nil, types.NewError(types.ErrPipelineNotFound,
			fmt.Sprintf("unknown pipeline %q", pipelineID))
	}

	for name, content := range inputs {
		if _, err := o.artifacts.Put(ctx, name, content, "submission"); err != nil {
			return nil, fmt.Errorf("failed to store submitted artifact %q: %w", name, err)
		}
	}

	// Inputs no stage produces must be resolvable now, so a doomed run
	// is rejected instead of created.
	for _, name := range externalInputs(pipeline) {
		if _, err := o.artifacts.Get(ctx, name, 0); err != nil {
			if err == artifact.ErrNotFound {
				return nil, types.NewError(types.ErrMissingInput,
					fmt.Sprintf("pipeline %q requires input artifact %q", pipelineID, name))
			}
			return nil, fmt.Errorf("failed to check input %q: %w", name, err)
		}
	}

	run := &types.Run{
		ID:        uuid.NewString(),
		Pipeline:  pipelineID,
		Stages:    pipeline.StageIDs(),
		Status:    types.RunStatusPending,
		CreatedAt: time.Now(),
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	if err := o.launch(run); err != nil {
		return nil, err
	}

	o.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("pipeline", pipelineID),
		zap.Int("stages", len(run.Stages)))
	return run.Clone(), nil
}

// Status returns the full aggregate of a run.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*types.Run, error) {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, types.NewError(types.ErrRunNotFound,
				fmt.Sprintf("no run with id %s", runID))
		}
		return nil, err
	}
	return run, nil
}

// List returns runs matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter persistence.RunFilter) ([]*types.Run, error) {
	return o.runs.ListRuns(ctx, filter)
}

// Resolve applies a human decision to a pending intervention.
func (o *Orchestrator) Resolve(ctx context.Context, pendingID string, res types.Resolution) error {
	return o.gateway.Resolve(ctx, pendingID, res)
}

// Pending lists pending interventions, optionally scoped to one run.
func (o *Orchestrator) Pending(ctx context.Context, runID string) ([]*types.InterventionRequest, error) {
	return o.gateway.Pending(ctx, runID)
}

// Intervention returns a single intervention request.
func (o *Orchestrator) Intervention(ctx context.Context, pendingID string) (*types.InterventionRequest, error) {
	return o.gateway.Get(ctx, pendingID)
}

// Cancel aborts a run. Pending interventions for the run are voided so
// a waiting stage wakes up; an executing run is cancelled
// cooperatively. Cancelling a terminal run is an error.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return types.NewError(types.ErrRunNotFound,
				fmt.Sprintf("no run with id %s", runID))
		}
		return err
	}
	if run.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("run %s is already %s", runID, run.Status))
	}

	if err := o.gateway.VoidRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to void pending interventions: %w", err)
	}

	o.mu.Lock()
	cancel, active := o.cancels[runID]
	o.mu.Unlock()

	if active {
		cancel()
		return nil
	}

	// No goroutine owns the run, so it is finalized directly.
	now := time.Now()
	run.Status = types.RunStatusAborted
	run.Error = "cancelled"
	run.CompletedAt = &now
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	o.metrics.RecordRunCompleted(run.Pipeline, string(run.Status))
	o.logger.Info("run cancelled", zap.String("run_id", runID))
	return nil
}

// RecoverPending relaunches every non-terminal run on record. Called
// once at startup, before the API starts accepting traffic.
func (o *Orchestrator) RecoverPending(ctx context.Context) (int, error) {
	runs, err := o.runs.GetRecoverableRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load recoverable runs: %w", err)
	}
	for _, run := range runs {
		if err := o.launch(run); err != nil {
			return 0, err
		}
		o.logger.Info("run recovered",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("current_stage", run.CurrentStage))
	}
	return len(runs), nil
}

// Shutdown stops accepting work, cancels executing runs and waits for
// their goroutines to persist their state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// launch registers the run and starts its goroutine.
func (o *Orchestrator) launch(run *types.Run) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return types.NewError(types.ErrStoreUnavailable, "orchestrator is shutting down")
	}
	if _, exists := o.cancels[run.ID]; exists {
		o.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("run %s is already executing", run.ID))
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancels[run.ID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, run.ID)
			o.mu.Unlock()
		}()

		if err := o.sem.Acquire(runCtx, 1); err != nil {
			if o.isClosed() {
				// The run never started; recovery relaunches it.
				return
			}
			o.finish(runCtx, run, types.RunStatusAborted, err)
			return
		}
		defer o.sem.Release(1)

		o.metrics.RunStarted()
		defer o.metrics.RunFinished()
		o.executeRun(runCtx, run)
	}()
	return nil
}

// executeRun walks the run through its remaining stages.
func (o *Orchestrator) executeRun(ctx context.Context, run *types.Run) {
	ctx, span := otel.Tracer("stageflow/orchestrator").Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("pipeline.id", run.Pipeline)))
	defer func() {
		span.SetAttributes(attribute.String("run.status", string(run.Status)))
		span.End()
	}()

	pipeline, ok := o.pipelines[run.Pipeline]
	if !ok {
		o.finish(ctx, run, types.RunStatusFailed,
			types.NewError(types.ErrPipelineNotFound,
				fmt.Sprintf("unknown pipeline %q", run.Pipeline)))
		return
	}

	// A recovered run waiting on a human keeps its status until the
	// resolution arrives.
	if run.Status == types.RunStatusPending {
		run.Status = types.RunStatusRunning
		if err := o.runs.SaveRun(ctx, run); err != nil {
			o.logger.Error("failed to persist run start",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	for run.CurrentStage < len(run.Stages) {
		stageID := run.Stages[run.CurrentStage]
		stage, ok := pipeline.StageByID(stageID)
		if !ok {
			o.finish(ctx, run, types.RunStatusFailed,
				types.NewError(types.ErrInternalError,
					fmt.Sprintf("pipeline %q has no stage %q", run.Pipeline, stageID)))
			return
		}

		if _, err := o.runner.Execute(ctx, run, stage); err != nil {
			if types.GetErrorCode(err) == types.ErrRunAborted {
				o.finish(ctx, run, types.RunStatusAborted, err)
				return
			}
			if ctx.Err() != nil {
				if o.isClosed() {
					// Graceful shutdown: the run keeps its recorded
					// state and is recovered on the next start.
					o.logger.Info("run suspended for shutdown",
						zap.String("run_id", run.ID))
					return
				}
				o.finish(ctx, run, types.RunStatusAborted,
					types.NewError(types.ErrRunAborted, "run cancelled"))
				return
			}
			o.finish(ctx, run, types.RunStatusFailed, err)
			return
		}

		run.CurrentStage++
		if err := o.runs.SaveRun(ctx, run); err != nil {
			o.logger.Error("failed to persist stage advance",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	o.finish(ctx, run, types.RunStatusSucceeded, nil)
}

// finish moves the run to a terminal status and persists it. The save
// uses a detached context so cancellation cannot lose the outcome.
func (o *Orchestrator) finish(ctx context.Context, run *types.Run, status types.RunStatus, cause error) {
	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}
	if err := o.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error("failed to persist terminal run",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	o.metrics.RecordRunCompleted(run.Pipeline, string(status))

	if cause != nil {
		o.logger.Warn("run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(cause))
		return
	}
	o.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)))
}

// onEscalated is the runner hook for a durably raised escalation.
func (o *Orchestrator) onEscalated(ctx context.Context, run *types.Run, pendingID string) {
	run.Status = types.RunStatusWaitingOnHuman
	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.logger.Error("failed to persist waiting status",
			zap.String("run_id", run.ID), zap.Error(err))
	}
	o.logger.Info("run waiting on human",
		zap.String("run_id", run.ID),
		zap.String("pending_id", pendingID))
}

// onResumed is the runner hook for a received resolution.
func (o *Orchestrator) onResumed(ctx context.Context, run *types.Run) {
	run.Status = types.RunStatusRunning
	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.logger.Error("failed to persist resumed status",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

// externalInputs returns the artifact names the pipeline consumes but
// no stage produces. They must exist at submission time.
func externalInputs(p *config.Pipeline) []string {
	produced := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		produced[s.Output] = true
	}
	seen := make(map[string]bool)
	var names []string
	for _, s := range p.Stages {
		for _, in := range s.Inputs {
			if !produced[in] && !seen[in] {
				seen[in] = true
				names = append(names, in)
			}
		}
	}
	return names
}
