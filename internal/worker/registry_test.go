package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/progress"
)

type stubResolver struct {
	values map[string]string
}

func (s *stubResolver) Resolve(name, _ string) (string, error) {
	if v, ok := s.values[name]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

// collect drains events until the worker's exit or error event arrives.
func collect(t *testing.T, events <-chan Event, key string) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Key != key {
				continue
			}
			got = append(got, ev)
			if ev.Type == EventExit || ev.Type == EventError {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(got))
		}
	}
}

func shRequest(key string, script string) SpawnRequest {
	return SpawnRequest{
		Key:      key,
		Category: progress.CategoryTask,
		Command:  "sh",
		Args:     []string{"-c", script},
		Dir:      ".",
	}
}

func TestSpawnPublishesLogProgressAndExit(t *testing.T) {
	r := NewRegistry(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	err := r.Spawn(ctx, shRequest("w1", `
echo "PHASE: PLANNING"
echo "PHASE: COMPLETE"
`))
	require.NoError(t, err)

	got := collect(t, events, "w1")

	var phases []string
	var sawLog bool
	for _, ev := range got {
		switch ev.Type {
		case EventLog:
			sawLog = true
			require.Equal(t, "task:log", ev.Channel())
		case EventProgress:
			phases = append(phases, ev.State.Phase)
			require.Equal(t, "task:progress", ev.Channel())
		}
	}
	require.True(t, sawLog)
	require.Contains(t, phases, "planning")
	require.Equal(t, "complete", phases[len(phases)-1])

	last := got[len(got)-1]
	require.Equal(t, EventExit, last.Type)
	require.Equal(t, 0, last.ExitCode)
	require.Equal(t, "task:exit", last.Channel())
}

func TestSpawnRejectsDuplicateKey(t *testing.T) {
	r := NewRegistry(Options{})
	ctx := context.Background()

	require.NoError(t, r.Spawn(ctx, shRequest("dup", "sleep 5")))
	defer r.Stop(ctx, "dup")

	err := r.Spawn(ctx, shRequest("dup", "true"))
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSpawnKeyReusableAfterExit(t *testing.T) {
	r := NewRegistry(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	require.NoError(t, r.Spawn(ctx, shRequest("reuse", "true")))
	collect(t, events, "reuse")

	require.Eventually(t, func() bool {
		return !r.IsRunning("reuse")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Spawn(ctx, shRequest("reuse", "true")))
	collect(t, events, "reuse")
}

func TestSpawnNonZeroExitPublishesError(t *testing.T) {
	r := NewRegistry(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	require.NoError(t, r.Spawn(ctx, shRequest("fail", "exit 3")))
	got := collect(t, events, "fail")

	last := got[len(got)-1]
	require.Equal(t, EventError, last.Type)
	require.Equal(t, 3, last.ExitCode)
	require.Equal(t, "task:error", last.Channel())

	// The terminal progress event carries the error phase.
	var final progress.State
	for _, ev := range got {
		if ev.Type == EventProgress {
			final = ev.State
		}
	}
	require.Equal(t, progress.PhaseError, final.Phase)
}

func TestSpawnMissingExecutableIsSynchronous(t *testing.T) {
	r := NewRegistry(Options{})
	err := r.Spawn(context.Background(), SpawnRequest{
		Key:      "ghost",
		Category: progress.CategoryTask,
		Command:  "/nonexistent/strand-worker",
	})
	require.Error(t, err)
	require.False(t, r.IsRunning("ghost"))
}

func TestSpawnInvalidCategory(t *testing.T) {
	r := NewRegistry(Options{})
	err := r.Spawn(context.Background(), SpawnRequest{
		Key:      "bad",
		Category: progress.Category("nonsense"),
		Command:  "true",
	})
	require.ErrorIs(t, err, ErrInvalidCategory)
}

func TestSpawnInjectsCredential(t *testing.T) {
	r := NewRegistry(Options{
		Resolver: &stubResolver{values: map[string]string{"WORKER_TOKEN": "s3cret"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	req := shRequest("cred", `echo "token=$WORKER_TOKEN"`)
	req.CredentialName = "WORKER_TOKEN"
	require.NoError(t, r.Spawn(ctx, req))

	got := collect(t, events, "cred")
	var lines []string
	for _, ev := range got {
		if ev.Type == EventLog {
			lines = append(lines, ev.Line)
		}
	}
	require.Contains(t, lines, "token=s3cret")
}

func TestSpawnMissingCredential(t *testing.T) {
	r := NewRegistry(Options{Resolver: &stubResolver{}})
	req := shRequest("nocred", "true")
	req.CredentialName = "ABSENT_TOKEN"

	err := r.Spawn(context.Background(), req)
	require.ErrorIs(t, err, ErrMissingCredential)
	require.False(t, r.IsRunning("nocred"))
}

// gateResolver parks Resolve until released, so a test can hold a
// Spawn mid-chain at a known point.
type gateResolver struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateResolver) Resolve(_, _ string) (string, error) {
	close(g.entered)
	<-g.release
	return "s3cret", nil
}

func TestSpawnConcurrentSameKey(t *testing.T) {
	gate := &gateResolver{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRegistry(Options{Resolver: gate})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	req := shRequest("race", "true")
	req.CredentialName = "RACE_TOKEN"

	firstErr := make(chan error, 1)
	go func() { firstErr <- r.Spawn(ctx, req) }()
	<-gate.entered

	// The first Spawn is parked in credential resolution with no
	// process started yet; the key must already be held.
	err := r.Spawn(ctx, shRequest("race", "true"))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The reservation is not a live worker.
	require.False(t, r.IsRunning("race"))
	require.False(t, r.Stop(ctx, "race"))
	_, found := r.Info("race")
	require.False(t, found)

	close(gate.release)
	require.NoError(t, <-firstErr)
	got := collect(t, events, "race")
	require.Equal(t, EventExit, got[len(got)-1].Type)
}

func TestSpawnFailureReleasesKey(t *testing.T) {
	r := NewRegistry(Options{Resolver: &stubResolver{}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	req := shRequest("flaky", "true")
	req.CredentialName = "ABSENT_TOKEN"
	require.ErrorIs(t, r.Spawn(ctx, req), ErrMissingCredential)

	// The failed attempt must not leave a reservation holding the key.
	require.NoError(t, r.Spawn(ctx, shRequest("flaky", "true")))
	collect(t, events, "flaky")
}

func TestStopTerminatesAndDeregisters(t *testing.T) {
	r := NewRegistry(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	require.NoError(t, r.Spawn(ctx, shRequest("stopme", "sleep 30")))
	require.True(t, r.IsRunning("stopme"))

	require.True(t, r.Stop(ctx, "stopme"))

	// Deregistration is immediate, the key is reusable right away.
	require.False(t, r.IsRunning("stopme"))
	_, ok := r.Info("stopme")
	require.False(t, ok)

	got := collect(t, events, "stopme")
	require.Equal(t, EventError, got[len(got)-1].Type)
}

func TestStopKillsSignalIgnoringWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the SIGTERM grace period")
	}

	r := NewRegistry(Options{StopGrace: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	require.NoError(t, r.Spawn(ctx, shRequest("stubborn", `trap "" TERM; sleep 30`)))
	require.True(t, r.Stop(ctx, "stubborn"))

	got := collect(t, events, "stubborn")
	require.Equal(t, EventError, got[len(got)-1].Type)
}

func TestStopUnknownKey(t *testing.T) {
	r := NewRegistry(Options{})
	require.False(t, r.Stop(context.Background(), "nobody"))
}

func TestListAndInfo(t *testing.T) {
	r := NewRegistry(Options{})
	ctx := context.Background()

	req := shRequest("listed", "sleep 5")
	req.Project = "/tmp/project"
	req.Dir = "."
	require.NoError(t, r.Spawn(ctx, req))
	defer r.Stop(ctx, "listed")

	infos := r.List()
	require.Len(t, infos, 1)
	require.Equal(t, "listed", infos[0].Key)
	require.Equal(t, progress.CategoryTask, infos[0].Category)
	require.True(t, infos[0].Running)
	require.Greater(t, infos[0].PID, 0)

	info, ok := r.Info("listed")
	require.True(t, ok)
	require.Equal(t, "/tmp/project", info.Project)

	_, ok = r.Info("absent")
	require.False(t, ok)
}

func TestRegistrySurvivesWorkerDeath(t *testing.T) {
	r := NewRegistry(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Subscribe(ctx)

	require.NoError(t, r.Spawn(ctx, shRequest("dies", "exit 7")))
	require.NoError(t, r.Spawn(ctx, shRequest("lives", "sleep 5")))
	defer r.Stop(ctx, "lives")

	collect(t, events, "dies")

	require.Eventually(t, func() bool {
		_, ok := r.Info("dies")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, r.IsRunning("lives"))
}
