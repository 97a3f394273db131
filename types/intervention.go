package types

import "time"

// InterventionStatus is the lifecycle state of an escalation.
type InterventionStatus string

const (
	InterventionPending  InterventionStatus = "pending"
	InterventionResolved InterventionStatus = "resolved"
	InterventionVoided   InterventionStatus = "voided"
)

// ResolutionType is the decision a human reviewer makes on an escalation.
type ResolutionType string

const (
	ResolutionApproveAsIs      ResolutionType = "approve_as_is"
	ResolutionProvideCorrected ResolutionType = "provide_corrected_artifact"
	ResolutionAbortRun         ResolutionType = "abort_run"
)

// IsValid reports whether the resolution type is a known value.
func (t ResolutionType) IsValid() bool {
	switch t {
	case ResolutionApproveAsIs, ResolutionProvideCorrected, ResolutionAbortRun:
		return true
	}
	return false
}

// Resolution is the human decision applied to a pending intervention.
// Content is only meaningful for provide_corrected_artifact.
type Resolution struct {
	Type       ResolutionType `json:"type"`
	Content    string         `json:"content,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// InterventionRequest is a durable escalation raised when a stage
// exhausts its retry budget. It carries the full attempt history so a
// reviewer can see every candidate and every rejection reason.
type InterventionRequest struct {
	PendingID   string             `json:"pending_id"`
	RunID       string             `json:"run_id"`
	ExecutionID string             `json:"execution_id"`
	Stage       string             `json:"stage"`
	OutputName  string             `json:"output_name"`
	Attempts    []Attempt          `json:"attempts"`
	Status      InterventionStatus `json:"status"`
	Resolution  *Resolution        `json:"resolution,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Clone returns a deep copy of the request.
func (r *InterventionRequest) Clone() *InterventionRequest {
	cp := *r
	cp.Attempts = make([]Attempt, len(r.Attempts))
	for i, a := range r.Attempts {
		cp.Attempts[i] = a
		if a.Verdict != nil {
			v := a.Verdict.Clone()
			cp.Attempts[i].Verdict = &v
		}
	}
	if r.Resolution != nil {
		res := *r.Resolution
		cp.Resolution = &res
	}
	return &cp
}
