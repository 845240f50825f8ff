package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlanNumberedSteps(t *testing.T) {
	text := `Here is my plan:
1. Load and inspect the dataset
2. Compute correlations
3) Visualize the strongest pair`

	plan, ok := parsePlan(text)
	require.True(t, ok)
	require.Len(t, plan.Steps, 3)
	require.Equal(t, "Load and inspect the dataset", plan.Steps[0].Title)
	require.Equal(t, "Visualize the strongest pair", plan.Steps[2].Title)
	for _, s := range plan.Steps {
		require.Equal(t, StepPending, s.Status)
	}
}

func TestParsePlanBulletSteps(t *testing.T) {
	text := "- [ ] clean the data\n- [ ] fit the model"
	plan, ok := parsePlan(text)
	require.True(t, ok)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, "clean the data", plan.Steps[0].Title)
}

func TestParsePlanRejectsProse(t *testing.T) {
	_, ok := parsePlan("I will look at the data and then report back with findings.")
	require.False(t, ok)
}

func TestParsePlanRejectsSingleStep(t *testing.T) {
	_, ok := parsePlan("1. do everything")
	require.False(t, ok)
}

func TestClaimNextWalksStepsInOrder(t *testing.T) {
	plan, ok := parsePlan("1. first\n2. second")
	require.True(t, ok)

	s1 := plan.claimNext()
	require.Equal(t, 1, s1.Index)
	require.Equal(t, StepInProgress, s1.Status)
	plan.resolve(s1, true)
	require.Equal(t, StepCompleted, plan.Steps[0].Status)

	s2 := plan.claimNext()
	require.Equal(t, 2, s2.Index)
	plan.resolve(s2, false)
	require.Equal(t, StepError, plan.Steps[1].Status)

	require.Nil(t, plan.claimNext())
}

func TestClaimNextNilPlan(t *testing.T) {
	var plan *Plan
	require.Nil(t, plan.claimNext())
	plan.resolve(nil, true)
}

func TestOverflowClassifier(t *testing.T) {
	require.True(t, DefaultOverflowClassifier(errFor("This model's maximum context length is 8192 tokens")))
	require.True(t, DefaultOverflowClassifier(errFor("error code context_length_exceeded")))
	require.True(t, DefaultOverflowClassifier(errFor("Prompt is too long: 210000 tokens")))
	require.False(t, DefaultOverflowClassifier(errFor("connection refused")))
	require.False(t, DefaultOverflowClassifier(nil))
}

type strErr string

func (e strErr) Error() string { return string(e) }

func errFor(msg string) error { return strErr(msg) }
