package validator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/types"
)

// SectionsValidator checks that a markdown candidate contains every
// required section as a heading, and that each section body has real
// content. Each failing section yields its own rejection reason so the
// next attempt's prompt can call out exactly what to fix.
type SectionsValidator struct {
	logger *zap.Logger
}

// NewSectionsValidator creates a sections validator.
func NewSectionsValidator(logger *zap.Logger) *SectionsValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SectionsValidator{
		logger: logger.With(zap.String("component", "sections_validator")),
	}
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// sectionDiag records where a required section was found and whether
// its body held any content.
type sectionDiag struct {
	found bool
	line  int
	empty bool
}

// Validate implements Validator.
func (v *SectionsValidator) Validate(ctx context.Context, candidate string, stage config.StageSpec, inputs map[string]*types.Artifact) types.Verdict {
	if strings.TrimSpace(candidate) == "" {
		return types.Reject("candidate output is empty")
	}
	if len(stage.RequiredSections) == 0 {
		return types.Accept()
	}

	diags := v.scan(candidate, stage.RequiredSections)

	var reasons []string
	for _, section := range stage.RequiredSections {
		d := diags[strings.ToLower(section)]
		switch {
		case !d.found:
			reasons = append(reasons, fmt.Sprintf("missing required section: %s", section))
		case d.empty:
			reasons = append(reasons, fmt.Sprintf("required section %q (line %d) has no content", section, d.line))
		}
	}

	if len(reasons) > 0 {
		v.logger.Debug("candidate rejected",
			zap.String("stage", stage.ID),
			zap.Int("failures", len(reasons)))
		return types.Reject(reasons...)
	}
	return types.Accept()
}

// scan walks the candidate line by line and builds diagnostics for each
// required section. Matching is case-insensitive on the heading text.
func (v *SectionsValidator) scan(candidate string, required []string) map[string]sectionDiag {
	want := make(map[string]bool, len(required))
	for _, s := range required {
		want[strings.ToLower(s)] = true
	}

	diags := make(map[string]sectionDiag, len(required))
	lines := strings.Split(candidate, "\n")

	current := ""
	hasContent := false
	flush := func() {
		if current == "" {
			return
		}
		d := diags[current]
		d.empty = !hasContent
		diags[current] = d
	}

	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m != nil {
			flush()
			title := strings.ToLower(strings.TrimSpace(m[2]))
			if want[title] {
				current = title
				diags[title] = sectionDiag{found: true, line: i + 1}
			} else {
				current = ""
			}
			hasContent = false
			continue
		}
		if strings.TrimSpace(line) != "" {
			hasContent = true
		}
	}
	flush()

	return diags
}
