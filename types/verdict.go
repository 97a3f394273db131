package types

// VerdictStatus is the outcome of validating one candidate output.
type VerdictStatus string

const (
	VerdictAccept       VerdictStatus = "accept"
	VerdictReject       VerdictStatus = "reject"
	VerdictInconclusive VerdictStatus = "inconclusive"
)

// Verdict is a validator's judgement of a candidate. Reject and
// inconclusive verdicts carry human-readable reasons that are fed back
// into the next attempt's prompt and surfaced to reviewers.
type Verdict struct {
	Status  VerdictStatus `json:"status"`
	Reasons []string      `json:"reasons,omitempty"`
}

// Accepted reports whether the candidate passed validation.
func (v Verdict) Accepted() bool {
	return v.Status == VerdictAccept
}

// Clone returns a copy with its own reasons slice.
func (v Verdict) Clone() Verdict {
	return Verdict{Status: v.Status, Reasons: append([]string(nil), v.Reasons...)}
}

// Accept returns an accepting verdict.
func Accept() Verdict {
	return Verdict{Status: VerdictAccept}
}

// Reject returns a rejecting verdict with the given reasons.
func Reject(reasons ...string) Verdict {
	return Verdict{Status: VerdictReject, Reasons: reasons}
}

// Inconclusive returns an inconclusive verdict with the given reason.
func Inconclusive(reason string) Verdict {
	return Verdict{Status: VerdictInconclusive, Reasons: []string{reason}}
}
