package digestflow

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestDigestCycleWorkflowReturnsActivitySummary(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.RunDigestCycleActivity).Return(Summary{OK: true, Daily: 3, Weekly: 1, Archive: 1}, nil)

	env.ExecuteWorkflow(DigestCycleWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Summary
	require.NoError(t, env.GetWorkflowResult(&result))
	require.True(t, result.OK)
	require.Equal(t, 3, result.Daily)
}

func TestDigestCycleWorkflowPropagatesActivityFailure(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.OnActivity(a.RunDigestCycleActivity).Return(Summary{}, assertAnyError())

	env.ExecuteWorkflow(DigestCycleWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	_ = mock.Anything
}

func assertAnyError() error {
	return errPlaceholder{}
}

type errPlaceholder struct{}

func (errPlaceholder) Error() string { return "activity failed" }
