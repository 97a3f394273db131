package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StageSpec defines one stage of a pipeline.
type StageSpec struct {
	// ID is the stage name, unique within the pipeline.
	ID string `yaml:"id"`
	// Output is the artifact name the stage produces.
	Output string `yaml:"output"`
	// Inputs are the artifact names the stage consumes. Every input
	// must exist before the first attempt or the stage fails fast.
	Inputs []string `yaml:"inputs"`
	// PromptTemplate is a text/template rendered with the stage inputs
	// and the previous attempt's rejection feedback.
	PromptTemplate string `yaml:"prompt_template"`
	// Validator names the validator binding for candidate outputs.
	Validator string `yaml:"validator"`
	// RequiredSections configures the sections validator.
	RequiredSections []string `yaml:"required_sections"`
	// MaxAttempts overrides the engine attempt ceiling. Zero means
	// use the engine default.
	MaxAttempts int `yaml:"max_attempts"`
	// PerCallTimeout overrides the engine per-call timeout. Zero means
	// use the engine default.
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
}

// Pipeline is an ordered sequence of stages.
type Pipeline struct {
	ID     string      `yaml:"id"`
	Stages []StageSpec `yaml:"stages"`
}

// StageIDs returns the stage names in execution order.
func (p *Pipeline) StageIDs() []string {
	ids := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		ids[i] = s.ID
	}
	return ids
}

// StageByID returns the stage spec with the given ID.
func (p *Pipeline) StageByID(id string) (StageSpec, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageSpec{}, false
}

// Validate checks the pipeline definition for structural problems.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.ID)
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.ID == "" {
			return fmt.Errorf("pipeline %q: stage %d has no id", p.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline %q: duplicate stage id %q", p.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Output == "" {
			return fmt.Errorf("pipeline %q: stage %q has no output artifact", p.ID, s.ID)
		}
		if s.PromptTemplate == "" {
			return fmt.Errorf("pipeline %q: stage %q has no prompt template", p.ID, s.ID)
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("pipeline %q: stage %q has negative max_attempts", p.ID, s.ID)
		}
		// Inputs not produced by an earlier stage must arrive at
		// submission; that is checked at run start, not here.
		for _, in := range s.Inputs {
			if in == s.Output {
				return fmt.Errorf("pipeline %q: stage %q consumes its own output", p.ID, s.ID)
			}
		}
	}
	return nil
}

// pipelinesFile is the on-disk shape of a pipeline definitions file.
type pipelinesFile struct {
	Pipelines []*Pipeline `yaml:"pipelines"`
}

// LoadPipelines reads pipeline definitions from a YAML file and returns
// them keyed by ID. The compiled-in default pipeline is always present
// unless the file overrides its ID.
func LoadPipelines(path string) (map[string]*Pipeline, error) {
	out := map[string]*Pipeline{}
	def := DefaultPipeline()
	out[def.ID] = def

	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read pipelines file: %w", err)
	}

	var file pipelinesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipelines file: %w", err)
	}

	for _, p := range file.Pipelines {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, nil
}

// DefaultPipeline returns the built-in four-stage document pipeline:
// requirements through acceptance criteria, design, developer document
// and generated code. Every stage re-receives the requirements artifact
// so later documents stay anchored to the source of truth.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		ID: "sdlc",
		Stages: []StageSpec{
			{
				ID:     "analysis",
				Output: "acceptance_criteria",
				Inputs: []string{"requirements"},
				PromptTemplate: strings.TrimSpace(`
You are a requirements analyst. Produce an acceptance criteria document
in markdown for the requirements below.

The document must contain these sections, each with substantive content:
{{range .RequiredSections}}- {{.}}
{{end}}
## Requirements

{{index .Inputs "requirements"}}
{{if .Feedback}}
## Previous attempt was rejected

Fix every issue listed below:
{{range .Feedback}}- {{.}}
{{end}}{{end}}`),
				Validator: "sections",
				RequiredSections: []string{
					"Overview",
					"User Stories",
					"Acceptance Criteria",
					"Edge Cases",
				},
			},
			{
				ID:     "design",
				Output: "design_document",
				Inputs: []string{"requirements", "acceptance_criteria"},
				PromptTemplate: strings.TrimSpace(`
You are a software architect. Produce a design document in markdown that
satisfies the requirements and the acceptance criteria below.

The document must contain these sections, each with substantive content:
{{range .RequiredSections}}- {{.}}
{{end}}
## Requirements

{{index .Inputs "requirements"}}

## Acceptance Criteria

{{index .Inputs "acceptance_criteria"}}
{{if .Feedback}}
## Previous attempt was rejected

Fix every issue listed below:
{{range .Feedback}}- {{.}}
{{end}}{{end}}`),
				Validator: "sections",
				RequiredSections: []string{
					"Architecture",
					"Components",
					"Data Model",
					"Interfaces",
				},
			},
			{
				ID:     "developer_doc",
				Output: "developer_document",
				Inputs: []string{"requirements", "design_document"},
				PromptTemplate: strings.TrimSpace(`
You are a tech lead. Produce a developer document in markdown that turns
the design below into an actionable implementation guide.

The document must contain these sections, each with substantive content:
{{range .RequiredSections}}- {{.}}
{{end}}
## Requirements

{{index .Inputs "requirements"}}

## Design Document

{{index .Inputs "design_document"}}
{{if .Feedback}}
## Previous attempt was rejected

Fix every issue listed below:
{{range .Feedback}}- {{.}}
{{end}}{{end}}`),
				Validator: "sections",
				RequiredSections: []string{
					"Implementation Plan",
					"Module Breakdown",
					"Testing Strategy",
				},
			},
			{
				ID:     "code_generation",
				Output: "generated_code",
				Inputs: []string{"requirements", "developer_document"},
				PromptTemplate: strings.TrimSpace(`
You are a senior engineer. Generate the code described by the developer
document below. Output complete files with their paths.

## Requirements

{{index .Inputs "requirements"}}

## Developer Document

{{index .Inputs "developer_document"}}
{{if .Feedback}}
## Previous attempt was rejected

Fix every issue listed below:
{{range .Feedback}}- {{.}}
{{end}}{{end}}`),
				Validator: "crossref",
			},
		},
	}
}
