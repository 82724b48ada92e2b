// Package worker manages long-running out-of-process automation
// workers: spawning them with resolved credentials, buffering their
// output, inferring progress from it, and publishing lifecycle events.
package worker

import (
	"time"

	"github.com/zjrosen/strand/internal/progress"
)

// EventType identifies the kind of worker lifecycle event.
type EventType string

const (
	// EventLog carries one line of worker output.
	EventLog EventType = "log"
	// EventProgress carries a phase transition inferred from output.
	EventProgress EventType = "progress"
	// EventExit signals a clean exit (code 0).
	EventExit EventType = "exit"
	// EventError signals a failed exit or a spawn-side failure.
	EventError EventType = "error"
)

// Event is a worker lifecycle event published on the registry's broker.
// The daemon bridge forwards events to remote observers keyed by
// Channel(), and records exits in the run history store.
type Event struct {
	Type      EventType         `json:"type"`
	Key       string            `json:"key"`
	Category  progress.Category `json:"category"`
	Project   string            `json:"project,omitempty"`
	SpecID    string            `json:"specId,omitempty"`
	Line      string            `json:"line,omitempty"`
	State     progress.State    `json:"state,omitempty"`
	ExitCode  int               `json:"exitCode,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Channel returns the distribution channel for the event, namespaced
// by category: "task:progress", "spec:log", "roadmap:exit", and so on.
// Routing downstream operates on the channel alone.
func (e Event) Channel() string {
	return e.Category.Namespace() + ":" + string(e.Type)
}
