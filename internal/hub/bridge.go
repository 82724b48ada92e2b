package hub

import (
	"context"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/store"
	"github.com/zjrosen/strand/internal/worker"
)

// RunRecorder persists finished worker runs. Satisfied by store.Store.
type RunRecorder interface {
	Record(ctx context.Context, run store.Run) (string, error)
}

// Bridge forwards worker events from the in-process broker to the hub
// and records finished runs. It is the only component that sees both
// sides; registries never know about observers, and the hub never
// knows about workers.
type Bridge struct {
	hub      *Hub
	recorder RunRecorder

	// live tracks in-flight runs by worker key so exits can be
	// recorded with their start time and last known phase.
	live map[string]*liveRun
}

type liveRun struct {
	startedAt time.Time
	phase     string
}

// NewBridge creates a bridge. recorder may be nil when the daemon runs
// without history.
func NewBridge(h *Hub, recorder RunRecorder) *Bridge {
	return &Bridge{
		hub:      h,
		recorder: recorder,
		live:     make(map[string]*liveRun),
	}
}

// Run consumes worker events until the channel closes or ctx ends.
// Call it in its own goroutine; the live-run map is confined to it.
func (b *Bridge) Run(ctx context.Context, events <-chan worker.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev worker.Event) {
	if ev.Project != "" {
		b.hub.BroadcastScoped(ev.Project, ev.Channel(), ev)
	} else {
		b.hub.Broadcast(ev.Channel(), ev)
	}

	run, ok := b.live[ev.Key]
	if !ok {
		run = &liveRun{startedAt: ev.Timestamp}
		b.live[ev.Key] = run
	}

	switch ev.Type {
	case worker.EventProgress:
		run.phase = ev.State.Phase
	case worker.EventExit, worker.EventError:
		delete(b.live, ev.Key)
		if b.recorder == nil {
			return
		}
		_, err := b.recorder.Record(ctx, store.Run{
			Key:        ev.Key,
			Category:   string(ev.Category),
			Project:    ev.Project,
			SpecID:     ev.SpecID,
			StartedAt:  run.startedAt,
			EndedAt:    ev.Timestamp,
			ExitCode:   ev.ExitCode,
			FinalPhase: run.phase,
		})
		if err != nil {
			log.ErrorErr(log.CatHub, "recording run failed", err, "key", ev.Key)
		}
	}
}
