// Package mocks provides scripted fakes for package tests.
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/stageflow/generation"
)

// Step is one scripted generation outcome: either Output or Err.
type Step struct {
	Output string
	Err    error
}

// ScriptedClient replays a fixed sequence of generation outcomes and
// records every prompt it receives. When the script runs out, the last
// step repeats, so tests only script the interesting prefix. Safe for
// concurrent use.
type ScriptedClient struct {
	mu      sync.Mutex
	script  []Step
	calls   int
	prompts []string
}

// NewScriptedClient creates a client that replays the given steps.
func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{script: steps}
}

// Generate implements generation.Client.
func (c *ScriptedClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", generation.Transient("context done", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prompts = append(c.prompts, prompt)
	idx := c.calls
	c.calls++
	if len(c.script) == 0 {
		return "", generation.Permanent("scripted client has no steps", nil)
	}
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	step := c.script[idx]
	return step.Output, step.Err
}

// Calls returns how many times Generate was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Prompts returns a copy of every prompt received, in order.
func (c *ScriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
