package runner

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/types"
)

// promptData is the template context for a stage prompt.
type promptData struct {
	Stage            string
	OutputName       string
	Inputs           map[string]string
	Feedback         []string
	RequiredSections []string
}

// renderPrompt renders the stage's prompt template with its inputs and
// the previous attempt's feedback. Rejection reasons flow into the next
// prompt so each retry knows exactly what to fix.
func renderPrompt(stage config.StageSpec, inputs map[string]*types.Artifact, feedback []string) (string, error) {
	tmpl, err := template.New(stage.ID).Parse(stage.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template for stage %s: %w", stage.ID, err)
	}

	contents := make(map[string]string, len(inputs))
	for name, a := range inputs {
		contents[name] = a.Content
	}

	var b strings.Builder
	err = tmpl.Execute(&b, promptData{
		Stage:            stage.ID,
		OutputName:       stage.Output,
		Inputs:           contents,
		Feedback:         feedback,
		RequiredSections: stage.RequiredSections,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt template for stage %s: %w", stage.ID, err)
	}
	return b.String(), nil
}

// attemptFeedback extracts the feedback lines to feed into the next
// attempt's prompt.
func attemptFeedback(a *types.Attempt) []string {
	if a == nil {
		return nil
	}
	if a.Verdict != nil && !a.Verdict.Accepted() {
		return a.Verdict.Reasons
	}
	if a.FailureKind == types.FailureTransient && a.FailureError != "" {
		return []string{fmt.Sprintf("previous attempt failed before producing output: %s", a.FailureError)}
	}
	return nil
}
