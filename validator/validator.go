// Package validator checks candidate outputs against stage-specific
// rules and produces verdicts.
//
// Validators are total: a well-formed candidate always yields a
// verdict, never a panic or an error. When a validator cannot reach a
// judgement (for example an unparseable rubric score) it returns an
// inconclusive verdict, which the retry policy budgets like a
// rejection.
package validator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/types"
)

// Validator judges one candidate output for a stage.
type Validator interface {
	Validate(ctx context.Context, candidate string, stage config.StageSpec, inputs map[string]*types.Artifact) types.Verdict
}

// Registry maps validator binding names to implementations.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	logger     *zap.Logger
}

// NewRegistry creates a registry with the built-in validators
// registered: sections, crossref, rubric and none. The generation
// client powers the rubric validator and may be nil if rubric
// validation is never bound.
func NewRegistry(gen generation.Client, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		validators: make(map[string]Validator),
		logger:     logger.With(zap.String("component", "validator_registry")),
	}
	r.Register("sections", NewSectionsValidator(logger))
	r.Register("crossref", NewCrossRefValidator(logger))
	r.Register("rubric", NewRubricValidator(gen, DefaultRubricThreshold, logger))
	r.Register("none", acceptAll{})
	return r
}

// Register adds or replaces a validator binding.
func (r *Registry) Register(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Get returns the validator bound to name.
func (r *Registry) Get(name string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = "none"
	}
	v, ok := r.validators[name]
	if !ok {
		return nil, fmt.Errorf("unknown validator binding: %s", name)
	}
	return v, nil
}

// acceptAll accepts any non-empty candidate.
type acceptAll struct{}

func (acceptAll) Validate(ctx context.Context, candidate string, stage config.StageSpec, inputs map[string]*types.Artifact) types.Verdict {
	if candidate == "" {
		return types.Reject("candidate output is empty")
	}
	return types.Accept()
}
