package types

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusWaitingOnHuman RunStatus = "waiting_on_human"
	RunStatusSucceeded      RunStatus = "succeeded"
	RunStatusFailed         RunStatus = "failed"
	RunStatusAborted        RunStatus = "aborted"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusAborted
}

// IsValid reports whether the status is a known value.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusWaitingOnHuman,
		RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// StageStatus represents the outcome state of a single stage execution.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusEscalated StageStatus = "escalated"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

// FailureKind classifies a generation failure recorded on an attempt.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Attempt is one generation try within a stage execution. Attempts are
// append-only: once recorded they are never modified or removed, and
// Seq is 1-based and strictly increasing within the execution.
type Attempt struct {
	Seq          int         `json:"seq"`
	Prompt       string      `json:"prompt"`
	Output       string      `json:"output,omitempty"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	FailureError string      `json:"failure_error,omitempty"`
	Verdict      *Verdict    `json:"verdict,omitempty"`
	PromptTokens int         `json:"prompt_tokens,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// StageExecution records the full history of one stage within a run.
type StageExecution struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Stage       string        `json:"stage"`
	Status      StageStatus   `json:"status"`
	Inputs      []ArtifactRef `json:"inputs,omitempty"`
	Attempts    []Attempt     `json:"attempts,omitempty"`
	Output      *ArtifactRef  `json:"output,omitempty"`
	PendingID   string        `json:"pending_id,omitempty"`
	Resolution  *Resolution   `json:"resolution,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// AttemptCount returns the number of attempts recorded so far.
func (e *StageExecution) AttemptCount() int {
	return len(e.Attempts)
}

// LastAttempt returns the most recent attempt, or nil when none exist.
func (e *StageExecution) LastAttempt() *Attempt {
	if len(e.Attempts) == 0 {
		return nil
	}
	return &e.Attempts[len(e.Attempts)-1]
}

// LastCandidate returns the most recent attempt that produced generation
// output, or nil when every attempt failed before producing one.
func (e *StageExecution) LastCandidate() *Attempt {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		if e.Attempts[i].Output != "" {
			return &e.Attempts[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the execution.
func (e *StageExecution) Clone() *StageExecution {
	cp := *e
	cp.Inputs = append([]ArtifactRef(nil), e.Inputs...)
	cp.Attempts = make([]Attempt, len(e.Attempts))
	for i, a := range e.Attempts {
		cp.Attempts[i] = a
		if a.Verdict != nil {
			v := a.Verdict.Clone()
			cp.Attempts[i].Verdict = &v
		}
	}
	if e.Output != nil {
		out := *e.Output
		cp.Output = &out
	}
	if e.Resolution != nil {
		res := *e.Resolution
		cp.Resolution = &res
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Run is the aggregate root of one pipeline execution.
type Run struct {
	ID           string            `json:"id"`
	Pipeline     string            `json:"pipeline"`
	Stages       []string          `json:"stages"`
	CurrentStage int               `json:"current_stage"`
	Status       RunStatus         `json:"status"`
	Executions   []*StageExecution `json:"executions,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionFor returns the execution for the named stage, or nil.
func (r *Run) ExecutionFor(stage string) *StageExecution {
	for _, e := range r.Executions {
		if e.Stage == stage {
			return e
		}
	}
	return nil
}

// Clone returns a deep copy of the run and its executions.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Stages = append([]string(nil), r.Stages...)
	cp.Executions = make([]*StageExecution, len(r.Executions))
	for i, e := range r.Executions {
		cp.Executions[i] = e.Clone()
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
