package check

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"created to processing", StatusCreated, StatusProcessing, true},
		{"created to failed", StatusCreated, StatusFailed, true},
		{"created to completed skips processing", StatusCreated, StatusCompleted, false},
		{"processing to analyzed", StatusProcessing, StatusAnalyzed, true},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing back to created", StatusProcessing, StatusCreated, false},
		{"analyzed restarts processing", StatusAnalyzed, StatusProcessing, true},
		{"analyzed to failed", StatusAnalyzed, StatusFailed, true},
		{"analyzed straight to completed", StatusAnalyzed, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusProcessing, false},
		{"failed is terminal", StatusFailed, StatusProcessing, false},
		{"failed cannot restart", StatusFailed, StatusCreated, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.False(t, StatusCreated.IsTerminal())
	require.False(t, StatusProcessing.IsTerminal())
	require.False(t, StatusAnalyzed.IsTerminal())
}
