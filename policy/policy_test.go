package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/stageflow/types"
)

func TestBoundedPolicyTable(t *testing.T) {
	p := NewBoundedPolicy(3)
	accept := types.Accept()
	reject := types.Reject("missing required section: scope")
	inconclusive := types.Inconclusive("rubric score unparseable")

	tests := []struct {
		name     string
		attempts int
		verdict  *types.Verdict
		failure  types.FailureKind
		want     Decision
	}{
		{"accept on first attempt", 1, &accept, types.FailureNone, DecisionSucceed},
		{"accept on final attempt", 3, &accept, types.FailureNone, DecisionSucceed},
		{"reject below ceiling", 1, &reject, types.FailureNone, DecisionRetry},
		{"reject at ceiling", 3, &reject, types.FailureNone, DecisionEscalate},
		{"inconclusive consumes a slot", 2, &inconclusive, types.FailureNone, DecisionRetry},
		{"inconclusive at ceiling", 3, &inconclusive, types.FailureNone, DecisionEscalate},
		{"transient failure below ceiling", 2, nil, types.FailureTransient, DecisionRetry},
		{"transient failure at ceiling", 3, nil, types.FailureTransient, DecisionEscalate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.attempts, tt.verdict, tt.failure); got != tt.want {
				t.Errorf("Decide(%d, %v, %q) = %s, want %s", tt.attempts, tt.verdict, tt.failure, got, tt.want)
			}
		})
	}
}

func TestBoundedPolicyClampsCeiling(t *testing.T) {
	p := NewBoundedPolicy(0)
	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
	reject := types.Reject("bad")
	if got := p.Decide(1, &reject, types.FailureNone); got != DecisionEscalate {
		t.Errorf("single-attempt ceiling should escalate immediately, got %s", got)
	}
}

func TestProperty_BoundedPolicyDecisions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	verdictFor := func(kind int) *types.Verdict {
		switch kind {
		case 0:
			v := types.Accept()
			return &v
		case 1:
			v := types.Reject("generated reason")
			return &v
		case 2:
			v := types.Inconclusive("generated reason")
			return &v
		default:
			return nil
		}
	}

	properties.Property("accept always succeeds regardless of attempt count", prop.ForAll(
		func(maxAttempts, attempts int) bool {
			p := NewBoundedPolicy(maxAttempts)
			v := types.Accept()
			return p.Decide(attempts, &v, types.FailureNone) == DecisionSucceed
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
	))

	properties.Property("non-accept below ceiling retries, at or above ceiling escalates", prop.ForAll(
		func(maxAttempts, attempts, verdictKind int) bool {
			p := NewBoundedPolicy(maxAttempts)
			v := verdictFor(verdictKind)
			failure := types.FailureNone
			if v == nil {
				failure = types.FailureTransient
			}
			got := p.Decide(attempts, v, failure)
			if attempts >= p.MaxAttempts {
				return got == DecisionEscalate
			}
			return got == DecisionRetry
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
		gen.IntRange(1, 3),
	))

	properties.Property("decisions are deterministic", prop.ForAll(
		func(maxAttempts, attempts, verdictKind int) bool {
			p := NewBoundedPolicy(maxAttempts)
			v := verdictFor(verdictKind)
			failure := types.FailureNone
			if v == nil {
				failure = types.FailureTransient
			}
			first := p.Decide(attempts, v, failure)
			for i := 0; i < 5; i++ {
				if p.Decide(attempts, v, failure) != first {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
