// Package policy decides what happens after each stage attempt.
//
// A RetryPolicy is a pure function of the attempt history summary; it
// performs no I/O and holds no mutable state, so the same inputs always
// produce the same decision.
package policy

import "github.com/BaSui01/stageflow/types"

// Decision is the outcome of consulting the retry policy.
type Decision string

const (
	// DecisionSucceed finalizes the stage with the current candidate.
	DecisionSucceed Decision = "succeed"
	// DecisionRetry schedules another attempt.
	DecisionRetry Decision = "retry"
	// DecisionEscalate hands the stage to a human reviewer.
	DecisionEscalate Decision = "escalate"
)

// RetryPolicy decides whether a stage should succeed, retry or escalate
// after an attempt. attempts is the number of attempts made so far
// (including the one just recorded), verdict is nil when the attempt
// failed before validation, and failure classifies a generation failure.
//
// Permanent failures never reach the policy; the runner aborts the
// execution before consulting it.
type RetryPolicy interface {
	Decide(attempts int, verdict *types.Verdict, failure types.FailureKind) Decision
}

// BoundedPolicy is the default policy: accept wins immediately, anything
// else consumes one retry slot, and the stage escalates once attempts
// reach the ceiling. The ceiling is a hard upper bound; no caller may
// run more attempts than MaxAttempts.
type BoundedPolicy struct {
	MaxAttempts int
}

// NewBoundedPolicy returns a policy with the given attempt ceiling.
// Ceilings below 1 are clamped to 1.
func NewBoundedPolicy(maxAttempts int) *BoundedPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &BoundedPolicy{MaxAttempts: maxAttempts}
}

// Decide implements RetryPolicy.
//
// Rejected, inconclusive and transient-failure attempts are treated
// identically for budgeting purposes: each consumes one slot.
func (p *BoundedPolicy) Decide(attempts int, verdict *types.Verdict, failure types.FailureKind) Decision {
	if verdict != nil && verdict.Accepted() {
		return DecisionSucceed
	}
	if attempts >= p.MaxAttempts {
		return DecisionEscalate
	}
	return DecisionRetry
}
