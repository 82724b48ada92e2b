package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfer_PhaseSequence(t *testing.T) {
	var state State

	next, ok := Infer(CategoryTask, state, "PHASE: PLANNING\n")
	require.True(t, ok)
	require.Equal(t, "planning", next.Phase)
	require.Equal(t, 20, next.Percent)
	state = next

	next, ok = Infer(CategoryTask, state, "PHASE: COMPLETE\n")
	require.True(t, ok)
	require.Equal(t, PhaseComplete, next.Phase)
	require.Equal(t, 100, next.Percent)
}

func TestInfer_UnmatchedOutput(t *testing.T) {
	prev := State{Phase: "planning", Percent: 20}

	_, ok := Infer(CategoryTask, prev, "compiling 42 files...\n")
	require.False(t, ok)
}

func TestInfer_DuplicateMarkerIsNotATransition(t *testing.T) {
	prev := State{Phase: "planning", Percent: 20}

	_, ok := Infer(CategoryTask, prev, "PHASE: PLANNING\n")
	require.False(t, ok)
}

func TestInfer_NeverRegresses(t *testing.T) {
	prev := State{Phase: "testing", Percent: 75}

	// An out-of-order (stale) marker must not move the phase backwards.
	_, ok := Infer(CategoryTask, prev, "PHASE: PLANNING\n")
	require.False(t, ok)
}

func TestInfer_LatestMatchWins(t *testing.T) {
	var state State

	// Two markers in one chunk: the later one in the chunk wins.
	next, ok := Infer(CategoryTask, state, "PHASE: PLANNING\nsome output\nPHASE: IMPLEMENTING\n")
	require.True(t, ok)
	require.Equal(t, "implementing", next.Phase)
	require.Equal(t, 50, next.Percent)
}

func TestInfer_MonotonicUnderOutOfOrderMarkers(t *testing.T) {
	chunks := []string{
		"PHASE: PLANNING\n",
		"PHASE: TESTING\n",
		"PHASE: PLANNING\n", // stale repeat
		"PHASE: IMPLEMENTING\n",
		"PHASE: COMPLETE\n",
	}

	var state State
	var percents []int
	for _, chunk := range chunks {
		if next, ok := Infer(CategoryTask, state, chunk); ok {
			state = next
			percents = append(percents, next.Percent)
		}
	}

	require.Equal(t, []int{20, 75, 100}, percents)
	for i := 1; i < len(percents); i++ {
		require.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestInfer_ErrorIsTerminal(t *testing.T) {
	prev := State{Phase: "testing", Percent: 75}

	next, ok := Infer(CategoryTask, prev, "PHASE: ERROR\n")
	require.True(t, ok)
	require.Equal(t, PhaseError, next.Phase)
	require.True(t, next.IsTerminal())

	// Nothing transitions out of error.
	_, ok = Infer(CategoryTask, next, "PHASE: COMPLETE\n")
	require.False(t, ok)
}

func TestInfer_UnknownCategory(t *testing.T) {
	_, ok := Infer(Category("mystery"), State{}, "PHASE: COMPLETE\n")
	require.False(t, ok)
}

func TestInfer_PerCategoryVocabulary(t *testing.T) {
	tests := []struct {
		name      string
		cat       Category
		chunk     string
		wantPhase string
	}{
		{"spec drafting", CategorySpec, "PHASE: DRAFTING", "drafting"},
		{"roadmap analyzing", CategoryRoadmap, "Analyzing codebase", "analyzing"},
		{"ideation brainstorming", CategoryIdeation, "PHASE: BRAINSTORMING", "brainstorming"},
		{"insights analyzing", CategoryInsights, "PHASE: ANALYZING", "analyzing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := Infer(tt.cat, State{}, tt.chunk)
			require.True(t, ok)
			require.Equal(t, tt.wantPhase, next.Phase)
		})
	}
}

func TestCategory_Namespace(t *testing.T) {
	require.Equal(t, "task", CategoryTask.Namespace())
	require.Equal(t, "spec", CategorySpec.Namespace())
	require.Equal(t, "roadmap", CategoryRoadmap.Namespace())
	require.Equal(t, "idea", CategoryIdeation.Namespace())
	require.Equal(t, "insights", CategoryInsights.Namespace())
}

func TestCompleted(t *testing.T) {
	state := Completed(CategoryRoadmap)
	require.Equal(t, PhaseComplete, state.Phase)
	require.Equal(t, 100, state.Percent)
}
