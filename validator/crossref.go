package validator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/types"
)

// CrossRefValidator checks that a candidate stays anchored to its
// inputs: the candidate must reference each input artifact by at least
// one of its key terms. A generated document that never mentions
// anything from its inputs has almost certainly drifted off-spec.
type CrossRefValidator struct {
	logger *zap.Logger
}

// NewCrossRefValidator creates a cross-reference validator.
func NewCrossRefValidator(logger *zap.Logger) *CrossRefValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrossRefValidator{
		logger: logger.With(zap.String("component", "crossref_validator")),
	}
}

// Validate implements Validator.
func (v *CrossRefValidator) Validate(ctx context.Context, candidate string, stage config.StageSpec, inputs map[string]*types.Artifact) types.Verdict {
	if strings.TrimSpace(candidate) == "" {
		return types.Reject("candidate output is empty")
	}

	lower := strings.ToLower(candidate)
	var reasons []string
	for _, name := range stage.Inputs {
		a, ok := inputs[name]
		if !ok {
			continue
		}
		terms := keyTerms(a)
		if len(terms) == 0 {
			continue
		}
		matched := false
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched = true
				break
			}
		}
		if !matched {
			reasons = append(reasons, fmt.Sprintf("candidate never references input %q", name))
		}
	}

	if len(reasons) > 0 {
		return types.Reject(reasons...)
	}
	return types.Accept()
}

// keyTerms extracts lowercase terms that identify an input: the
// artifact's own name (underscores as spaces) and its heading titles.
func keyTerms(a *types.Artifact) []string {
	terms := []string{
		strings.ToLower(strings.ReplaceAll(a.Name, "_", " ")),
		strings.ToLower(a.Name),
	}
	for _, line := range strings.Split(a.Content, "\n") {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.ToLower(strings.TrimSpace(m[2]))
		if len(title) >= 4 {
			terms = append(terms, title)
		}
	}
	return terms
}
