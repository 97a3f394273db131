// Package stageflow provides a top-level convenience entry point for
// running staged pipelines with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stageflow"
//
//	engine, err := stageflow.New(stageflow.WithGenerator(client))
//	run, err := engine.Submit(ctx, "sdlc", map[string]string{
//	    "requirements": requirementsDoc,
//	})
//
// The defaults use in-memory stores and the built-in document
// pipeline; production deployments wire their own backends through
// [orchestrator.New] directly.
package stageflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/artifact"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/intervention"
	"github.com/BaSui01/stageflow/orchestrator"
	"github.com/BaSui01/stageflow/persistence"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	generator generation.Client
	pipelines map[string]*config.Pipeline
	artifacts artifact.Store
	runs      persistence.RunStore
	gateway   *intervention.Gateway
	logger    *zap.Logger
}

// WithGenerator sets the generation backend. Required.
func WithGenerator(client generation.Client) Option {
	return func(o *options) { o.generator = client }
}

// WithPipeline registers a pipeline definition. Without any, the
// built-in document pipeline is used.
func WithPipeline(p *config.Pipeline) Option {
	return func(o *options) {
		if o.pipelines == nil {
			o.pipelines = map[string]*config.Pipeline{}
		}
		o.pipelines[p.ID] = p
	}
}

// WithArtifactStore overrides the default in-memory artifact store.
func WithArtifactStore(store artifact.Store) Option {
	return func(o *options) { o.artifacts = store }
}

// WithRunStore overrides the default in-memory run store.
func WithRunStore(store persistence.RunStore) Option {
	return func(o *options) { o.runs = store }
}

// WithGateway overrides the default in-memory intervention gateway.
func WithGateway(g *intervention.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithLogger sets the logger for every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates an [orchestrator.Orchestrator] with minimal
// configuration. At minimum, a generation backend must be supplied via
// [WithGenerator].
func New(opts ...Option) (*orchestrator.Orchestrator, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.generator == nil {
		return nil, fmt.Errorf("stageflow: a generation client is required, use WithGenerator")
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.pipelines == nil {
		p := config.DefaultPipeline()
		o.pipelines = map[string]*config.Pipeline{p.ID: p}
	}
	if o.artifacts == nil {
		o.artifacts = artifact.NewMemoryStore(o.logger)
	}
	if o.runs == nil {
		o.runs = persistence.NewMemoryRunStore(o.logger)
	}
	if o.gateway == nil {
		o.gateway = intervention.NewGateway(intervention.NewMemoryStore(o.logger), o.logger)
	}

	return orchestrator.New(orchestrator.Options{
		Pipelines: o.pipelines,
		Generator: o.generator,
		Artifacts: o.artifacts,
		Gateway:   o.gateway,
		Runs:      o.runs,
		Logger:    o.logger,
	})
}
