package stageflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/testutil/mocks"
	"github.com/BaSui01/stageflow/types"
)

func TestNewRequiresGenerator(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithGenerator")
}

func TestNewRunsDefaultPipeline(t *testing.T) {
	engine, err := New(WithGenerator(mocks.NewScriptedClient(
		mocks.Step{Output: fixtures.ValidAcceptanceCriteria},
		mocks.Step{Output: fixtures.ValidDesignDocument},
		mocks.Step{Output: fixtures.ValidDeveloperDocument},
		mocks.Step{Output: fixtures.ValidGeneratedCode},
	)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	ctx := testutil.TestContext(t)
	run, err := engine.Submit(ctx, "sdlc", map[string]string{
		"requirements": fixtures.Requirements,
	})
	require.NoError(t, err)

	testutil.AssertEventuallyTrue(t, func() bool {
		got, err := engine.Status(ctx, run.ID)
		return err == nil && got.Status == types.RunStatusSucceeded
	}, 5*time.Second)
}
