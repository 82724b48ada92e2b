// Package progress infers discrete phase transitions from the free-form
// output of automation workers. Workers do not emit structured events,
// so each category owns an ordered marker table mapping output
// substrings to phase states. Keeping the heuristic behind one pure
// function keeps the worker registry ignorant of category vocabulary.
package progress

import "strings"

// Category identifies the kind of automation worker being observed.
type Category string

const (
	CategoryTask     Category = "task-execution"
	CategorySpec     Category = "spec-creation"
	CategoryRoadmap  Category = "roadmap"
	CategoryIdeation Category = "ideation"
	CategoryInsights Category = "insights"
)

// Valid reports whether the category is one of the known worker kinds.
func (c Category) Valid() bool {
	switch c {
	case CategoryTask, CategorySpec, CategoryRoadmap, CategoryIdeation, CategoryInsights:
		return true
	}
	return false
}

// Namespace returns the event channel namespace for the category.
// Each category broadcasts on its own namespace ("task:progress",
// "roadmap:log", ...) so downstream routing never inspects categories.
func (c Category) Namespace() string {
	switch c {
	case CategoryTask:
		return "task"
	case CategorySpec:
		return "spec"
	case CategoryRoadmap:
		return "roadmap"
	case CategoryIdeation:
		return "idea"
	case CategoryInsights:
		return "insights"
	default:
		return "unknown"
	}
}

// State is a derived phase snapshot for a worker run.
type State struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// Terminal phase names shared across categories.
const (
	PhaseComplete = "complete"
	PhaseError    = "error"
)

// IsTerminal reports whether the state ends a run.
func (s State) IsTerminal() bool {
	return s.Phase == PhaseComplete || s.Phase == PhaseError
}

// marker maps an output substring to a target phase state.
type marker struct {
	substr string
	state  State
}

// Marker tables are ordered start-to-finish per category. Matching is
// plain substring search: workers emit "PHASE: X" banners plus a few
// recognizable free-form lines.
var markerTables = map[Category][]marker{
	CategoryTask: {
		{"PHASE: STARTING", State{"starting", 5, "Starting task execution"}},
		{"PHASE: PLANNING", State{"planning", 20, "Planning changes"}},
		{"PHASE: IMPLEMENTING", State{"implementing", 50, "Implementing changes"}},
		{"PHASE: TESTING", State{"testing", 75, "Running tests"}},
		{"Running tests", State{"testing", 75, "Running tests"}},
		{"PHASE: COMPLETE", State{PhaseComplete, 100, "Task complete"}},
		{"PHASE: ERROR", State{PhaseError, 100, "Task failed"}},
	},
	CategorySpec: {
		{"PHASE: STARTING", State{"starting", 10, "Starting spec generation"}},
		{"PHASE: DRAFTING", State{"drafting", 40, "Drafting specification"}},
		{"Drafting specification", State{"drafting", 40, "Drafting specification"}},
		{"PHASE: REFINING", State{"refining", 75, "Refining specification"}},
		{"PHASE: COMPLETE", State{PhaseComplete, 100, "Specification complete"}},
		{"PHASE: ERROR", State{PhaseError, 100, "Spec generation failed"}},
	},
	CategoryRoadmap: {
		{"PHASE: STARTING", State{"starting", 10, "Starting roadmap generation"}},
		{"PHASE: ANALYZING", State{"analyzing", 40, "Analyzing project"}},
		{"Analyzing codebase", State{"analyzing", 40, "Analyzing project"}},
		{"PHASE: GENERATING", State{"generating", 70, "Generating roadmap"}},
		{"PHASE: COMPLETE", State{PhaseComplete, 100, "Roadmap complete"}},
		{"PHASE: ERROR", State{PhaseError, 100, "Roadmap generation failed"}},
	},
	CategoryIdeation: {
		{"PHASE: STARTING", State{"starting", 15, "Starting idea generation"}},
		{"PHASE: BRAINSTORMING", State{"brainstorming", 50, "Brainstorming ideas"}},
		{"PHASE: COMPLETE", State{PhaseComplete, 100, "Ideas complete"}},
		{"PHASE: ERROR", State{PhaseError, 100, "Idea generation failed"}},
	},
	CategoryInsights: {
		{"PHASE: STARTING", State{"starting", 15, "Starting insight analysis"}},
		{"PHASE: ANALYZING", State{"analyzing", 55, "Analyzing activity"}},
		{"PHASE: COMPLETE", State{PhaseComplete, 100, "Insights complete"}},
		{"PHASE: ERROR", State{PhaseError, 100, "Insight analysis failed"}},
	},
}

// Infer scans one output chunk and returns the phase state it implies,
// or ok=false when the chunk causes no transition. It is stateless: the
// caller supplies the previous state and stores the result.
//
// Rules:
//   - When several markers match one chunk, the latest match in the
//     chunk wins.
//   - A match equal to the previous phase is not a transition.
//   - Progress is monotonic within a run: a match that would lower the
//     percent is ignored, so duplicate or out-of-order markers never
//     regress the phase. The error marker is terminal and always wins.
//   - Unmatched output never changes phase.
func Infer(cat Category, prev State, chunk string) (State, bool) {
	table, ok := markerTables[cat]
	if !ok {
		return State{}, false
	}

	best := -1
	var target State
	for _, m := range table {
		idx := strings.LastIndex(chunk, m.substr)
		if idx > best {
			best = idx
			target = m.state
		}
	}
	if best < 0 {
		return State{}, false
	}

	if target.Phase == prev.Phase {
		return State{}, false
	}
	if target.Phase != PhaseError && target.Percent < prev.Percent {
		return State{}, false
	}
	// Nothing follows a terminal error.
	if prev.Phase == PhaseError {
		return State{}, false
	}
	return target, true
}

// Completed returns the terminal completion state for a category.
// The registry applies it when a worker exits cleanly without having
// printed its completion banner.
func Completed(cat Category) State {
	table := markerTables[cat]
	for _, m := range table {
		if m.state.Phase == PhaseComplete {
			return m.state
		}
	}
	return State{Phase: PhaseComplete, Percent: 100}
}

// Failed returns the terminal error state for a category with the
// given message.
func Failed(cat Category, msg string) State {
	return State{Phase: PhaseError, Percent: 100, Message: msg}
}
