package validator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/types"
)

// DefaultRubricThreshold is the minimum passing rubric score.
const DefaultRubricThreshold = 70

// RubricValidator delegates judgement to a secondary generation call
// that scores the candidate from 0 to 100. A score at or above the
// threshold accepts; below rejects with the scorer's feedback. An
// unreachable scorer or an unparseable score yields inconclusive, never
// a hard failure.
type RubricValidator struct {
	gen       generation.Client
	threshold int
	logger    *zap.Logger
}

// NewRubricValidator creates a rubric validator.
func NewRubricValidator(gen generation.Client, threshold int, logger *zap.Logger) *RubricValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 || threshold > 100 {
		threshold = DefaultRubricThreshold
	}
	return &RubricValidator{
		gen:       gen,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "rubric_validator")),
	}
}

var scoreRe = regexp.MustCompile(`(?mi)^\s*score\s*[:=]\s*(\d{1,3})\b`)

// Validate implements Validator.
func (v *RubricValidator) Validate(ctx context.Context, candidate string, stage config.StageSpec, inputs map[string]*types.Artifact) types.Verdict {
	if strings.TrimSpace(candidate) == "" {
		return types.Reject("candidate output is empty")
	}
	if v.gen == nil {
		return types.Inconclusive("rubric scorer is not configured")
	}

	prompt := v.buildPrompt(candidate, stage, inputs)
	reply, err := v.gen.Generate(ctx, prompt)
	if err != nil {
		v.logger.Warn("rubric scoring call failed",
			zap.String("stage", stage.ID),
			zap.Error(err))
		return types.Inconclusive(fmt.Sprintf("rubric scoring call failed: %v", err))
	}

	score, feedback, ok := parseScore(reply)
	if !ok {
		return types.Inconclusive("rubric score missing or unparseable")
	}
	if score < 0 || score > 100 {
		return types.Inconclusive(fmt.Sprintf("rubric score %d out of range", score))
	}

	if score >= v.threshold {
		return types.Accept()
	}
	reason := fmt.Sprintf("rubric score %d below threshold %d", score, v.threshold)
	if feedback != "" {
		reason += ": " + feedback
	}
	return types.Reject(reason)
}

func (v *RubricValidator) buildPrompt(candidate string, stage config.StageSpec, inputs map[string]*types.Artifact) string {
	var b strings.Builder
	b.WriteString("You are a strict reviewer. Score the document below from 0 to 100\n")
	b.WriteString("for completeness, consistency with its inputs, and clarity.\n")
	b.WriteString("Reply with a line \"Score: <number>\" followed by one line of feedback.\n\n")
	for _, name := range stage.Inputs {
		if a, ok := inputs[name]; ok {
			fmt.Fprintf(&b, "## Input: %s\n\n%s\n\n", name, a.Content)
		}
	}
	fmt.Fprintf(&b, "## Document to score\n\n%s\n", candidate)
	return b.String()
}

// parseScore extracts the first "Score: N" line and the remainder of
// that reply as feedback.
func parseScore(reply string) (int, string, bool) {
	m := scoreRe.FindStringSubmatchIndex(reply)
	if m == nil {
		return 0, "", false
	}
	score, err := strconv.Atoi(reply[m[2]:m[3]])
	if err != nil {
		return 0, "", false
	}
	rest := strings.TrimSpace(reply[m[1]:])
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = strings.TrimSpace(rest[:i])
	}
	return score, rest, true
}
