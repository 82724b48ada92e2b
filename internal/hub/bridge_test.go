package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/progress"
	"github.com/zjrosen/strand/internal/store"
	"github.com/zjrosen/strand/internal/worker"
)

type fakeRecorder struct {
	runs chan store.Run
}

func (f *fakeRecorder) Record(_ context.Context, run store.Run) (string, error) {
	f.runs <- run
	return "run-id", nil
}

func runBridge(t *testing.T) (*Hub, *fakeRecorder, chan worker.Event) {
	t.Helper()
	h := NewHub()
	rec := &fakeRecorder{runs: make(chan store.Run, 10)}
	events := make(chan worker.Event)

	b := NewBridge(h, rec)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx, events)
	return h, rec, events
}

func TestBridgeForwardsToSubscribedObserver(t *testing.T) {
	h, _, events := runBridge(t)

	o := h.register()
	defer h.unregister(o)
	o.subscribe([]string{"task:progress"})

	events <- worker.Event{
		Type:      worker.EventProgress,
		Key:       "w1",
		Category:  progress.CategoryTask,
		State:     progress.State{Phase: "planning", Percent: 20},
		Timestamp: time.Now(),
	}

	select {
	case payload := <-o.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		require.Equal(t, "task:progress", env.Channel)
		require.Contains(t, string(env.Data), "planning")
	case <-time.After(2 * time.Second):
		t.Fatal("observer never received the forwarded event")
	}
}

func TestBridgeRecordsRunOnExit(t *testing.T) {
	_, rec, events := runBridge(t)

	start := time.Now().Add(-time.Minute)
	events <- worker.Event{
		Type:      worker.EventProgress,
		Key:       "w2",
		Category:  progress.CategoryTask,
		Project:   "/tmp/p",
		SpecID:    "spec-9",
		State:     progress.State{Phase: "complete", Percent: 100},
		Timestamp: start,
	}
	end := time.Now()
	events <- worker.Event{
		Type:      worker.EventExit,
		Key:       "w2",
		Category:  progress.CategoryTask,
		Project:   "/tmp/p",
		SpecID:    "spec-9",
		ExitCode:  0,
		Timestamp: end,
	}

	select {
	case run := <-rec.runs:
		require.Equal(t, "w2", run.Key)
		require.Equal(t, "task-execution", run.Category)
		require.Equal(t, "/tmp/p", run.Project)
		require.Equal(t, "spec-9", run.SpecID)
		require.Equal(t, "complete", run.FinalPhase)
		require.Equal(t, 0, run.ExitCode)
		require.Equal(t, start, run.StartedAt)
		require.Equal(t, end, run.EndedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("run never recorded")
	}
}

func TestBridgeRecordsFailureWithLastPhase(t *testing.T) {
	_, rec, events := runBridge(t)

	events <- worker.Event{
		Type:      worker.EventProgress,
		Key:       "w3",
		Category:  progress.CategorySpec,
		State:     progress.State{Phase: "drafting", Percent: 40},
		Timestamp: time.Now(),
	}
	events <- worker.Event{
		Type:      worker.EventError,
		Key:       "w3",
		Category:  progress.CategorySpec,
		ExitCode:  2,
		Timestamp: time.Now(),
	}

	select {
	case run := <-rec.runs:
		require.Equal(t, 2, run.ExitCode)
		require.Equal(t, "drafting", run.FinalPhase)
	case <-time.After(2 * time.Second):
		t.Fatal("run never recorded")
	}
}
