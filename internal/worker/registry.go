package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/progress"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/internal/tracing"
)

var (
	// ErrAlreadyRunning is returned by Spawn when a live worker already
	// holds the requested key.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrMissingCredential is returned by Spawn when a required
	// credential cannot be resolved.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCategory is returned by Spawn for an unknown category.
	ErrInvalidCategory = errors.New("invalid worker category")
)

// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
const StopGrace = 5 * time.Second

// CredentialResolver resolves a named credential for a project.
type CredentialResolver interface {
	Resolve(name, projectPath string) (string, error)
}

// Options configures a Registry.
type Options struct {
	// Runner is the default worker executable when a SpawnRequest does
	// not name one.
	Runner string
	// BufferLines caps each worker's output ring buffer.
	BufferLines int
	// Resolver resolves credentials named by SpawnRequests. May be nil
	// when no worker needs a credential.
	Resolver CredentialResolver
	// Tracer emits spawn/stop spans. May be nil.
	Tracer *tracing.Provider
	// StopGrace overrides the SIGTERM grace period when positive.
	StopGrace time.Duration
}

// SpawnRequest describes a worker to start.
type SpawnRequest struct {
	// Key identifies the worker; at most one live worker per key.
	Key string
	// Category selects the progress vocabulary and channel namespace.
	Category progress.Category
	// Project is the project path the worker operates on.
	Project string
	// SpecID is the spec the worker executes, when applicable.
	SpecID string
	// Command overrides the registry's default runner.
	Command string
	// Args are passed to the command.
	Args []string
	// Dir is the working directory; defaults to Project.
	Dir string
	// CredentialName, when set, names a credential resolved through the
	// chain and injected as an environment variable of the same name.
	CredentialName string
}

// Info is a point-in-time snapshot of a worker.
type Info struct {
	Key       string            `json:"key"`
	Category  progress.Category `json:"category"`
	Project   string            `json:"project,omitempty"`
	SpecID    string            `json:"specId,omitempty"`
	PID       int               `json:"pid"`
	Running   bool              `json:"running"`
	StartedAt time.Time         `json:"startedAt"`
	State     progress.State    `json:"state"`
	Output    []string          `json:"output,omitempty"`
}

// Registry tracks live workers, at most one per key. Workers run
// fire-and-forget: Spawn returns as soon as the process has started,
// and lifecycle events flow through the registry's broker.
type Registry struct {
	opts    Options
	broker  *pubsub.Broker[Event]
	mu      sync.RWMutex
	workers map[string]*Handle
}

// NewRegistry creates an empty worker registry.
func NewRegistry(opts Options) *Registry {
	if opts.BufferLines <= 0 {
		opts.BufferLines = 1000
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = StopGrace
	}
	return &Registry{
		opts:    opts,
		broker:  pubsub.NewBroker[Event](),
		workers: make(map[string]*Handle),
	}
}

// Subscribe returns a channel of worker events, closed when ctx ends.
func (r *Registry) Subscribe(ctx context.Context) <-chan Event {
	sub := r.broker.Subscribe(ctx)
	out := make(chan Event, 100)
	go func() {
		defer close(out)
		for ev := range sub {
			out <- ev.Payload
		}
	}()
	return out
}

func (r *Registry) publish(ev Event) {
	r.broker.Publish(pubsub.UpdatedEvent, ev)
}

// Spawn starts a worker for the request's key. It returns
// ErrAlreadyRunning when the key is held by a live worker,
// ErrMissingCredential when the credential chain comes up empty, and
// the start error when the process cannot be launched. Once the
// process is running Spawn returns; completion is observed via events.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) error {
	ctx, span := r.startSpan(ctx, tracing.SpanWorkerSpawn, req.Key, req.Category)
	defer span.End()

	if !req.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, req.Category)
	}

	r.mu.Lock()
	if existing, ok := r.workers[req.Key]; ok && (existing == nil || existing.IsRunning()) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, req.Key)
	}
	// Reserve the key before the slow spawn work so a concurrent Spawn
	// for the same key loses deterministically. A dead handle that has
	// not deregistered yet is replaced by the reservation.
	r.workers[req.Key] = nil
	r.mu.Unlock()

	env := os.Environ()
	if req.CredentialName != "" {
		if r.opts.Resolver == nil {
			r.release(req.Key)
			return fmt.Errorf("%w: %s (no resolver configured)", ErrMissingCredential, req.CredentialName)
		}
		secret, err := r.opts.Resolver.Resolve(req.CredentialName, req.Project)
		if err != nil {
			r.release(req.Key)
			span.SetAttributes(attribute.String(tracing.AttrErrorMessage, "credential resolution failed"))
			return fmt.Errorf("%w: %s", ErrMissingCredential, req.CredentialName)
		}
		// The secret goes into the child environment only; it must
		// never reach the log sink or an event payload.
		env = append(env, req.CredentialName+"="+secret)
	}

	command := req.Command
	if command == "" {
		command = r.opts.Runner
	}
	dir := req.Dir
	if dir == "" {
		dir = req.Project
	}

	cmd := exec.Command(command, req.Args...)
	cmd.Dir = dir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.release(req.Key)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.release(req.Key)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.release(req.Key)
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		return fmt.Errorf("starting worker %s: %w", req.Key, err)
	}

	h := &Handle{
		key:       req.Key,
		category:  req.Category,
		project:   req.Project,
		specID:    req.SpecID,
		cmd:       cmd,
		buffer:    NewOutputBuffer(r.opts.BufferLines),
		publish:   r.publish,
		onExit:    r.deregister,
		startedAt: time.Now(),
		running:   true,
		exitCode:  -1,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.workers[req.Key] = h
	r.mu.Unlock()

	h.start(stdout, stderr)

	log.Info(log.CatWorker, "worker spawned",
		"key", req.Key, "category", string(req.Category), "pid", h.PID())
	span.SetAttributes(attribute.Int("worker.pid", h.PID()))
	return nil
}

// Stop terminates the worker holding key: SIGTERM, a grace period,
// then SIGKILL. The handle is deregistered immediately so the key is
// reusable even if the process ignores signals. Returns false when no
// worker holds the key.
func (r *Registry) Stop(ctx context.Context, key string) bool {
	r.mu.Lock()
	h, ok := r.workers[key]
	if ok && h != nil {
		delete(r.workers, key)
	}
	r.mu.Unlock()
	// A nil entry is a spawn reservation with no process behind it yet.
	if !ok || h == nil {
		return false
	}

	_, span := r.startSpan(ctx, tracing.SpanWorkerStop, key, h.category)

	log.Info(log.CatWorker, "stopping worker", "key", key, "pid", h.PID())
	h.signal(syscall.SIGTERM)

	// The span stays open until the process is gone, so it carries the
	// exit code and final phase.
	go func() {
		defer span.End()
		select {
		case <-h.Done():
		case <-time.After(r.opts.StopGrace):
			log.Warn(log.CatWorker, "grace period expired, killing", "key", key)
			h.signal(syscall.SIGKILL)
			<-h.Done()
		}
		span.SetAttributes(
			attribute.Int(tracing.AttrExitCode, h.ExitCode()),
			attribute.String(tracing.AttrWorkerPhase, h.State().Phase),
		)
	}()
	return true
}

// IsRunning reports whether a live worker holds the key.
func (r *Registry) IsRunning(key string) bool {
	r.mu.RLock()
	h, ok := r.workers[key]
	r.mu.RUnlock()
	return ok && h != nil && h.IsRunning()
}

// List returns snapshots of all registered workers.
func (r *Registry) List() []Info {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.workers))
	for _, h := range r.workers {
		if h == nil {
			continue
		}
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, snapshot(h))
	}
	return infos
}

// Info returns a snapshot of the worker holding key.
func (r *Registry) Info(key string) (Info, bool) {
	r.mu.RLock()
	h, ok := r.workers[key]
	r.mu.RUnlock()
	if !ok || h == nil {
		return Info{}, false
	}
	return snapshot(h), true
}

// Shutdown stops every registered worker and closes the broker.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.workers))
	for key := range r.workers {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	for _, key := range keys {
		r.Stop(ctx, key)
	}
	r.broker.Close()
}

// release drops a spawn reservation that never became a handle.
func (r *Registry) release(key string) {
	r.mu.Lock()
	if h, ok := r.workers[key]; ok && h == nil {
		delete(r.workers, key)
	}
	r.mu.Unlock()
}

// deregister removes a handle after its process exits, unless the key
// has already been taken by a successor.
func (r *Registry) deregister(h *Handle) {
	r.mu.Lock()
	if current, ok := r.workers[h.key]; ok && current == h {
		delete(r.workers, h.key)
	}
	r.mu.Unlock()
}

func (r *Registry) startSpan(ctx context.Context, name, key string, cat progress.Category) (context.Context, trace.Span) {
	if r.opts.Tracer == nil {
		return ctx, noop.Span{}
	}
	return r.opts.Tracer.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String(tracing.AttrWorkerKey, key),
		attribute.String(tracing.AttrWorkerCategory, string(cat)),
	))
}

func snapshot(h *Handle) Info {
	return Info{
		Key:       h.key,
		Category:  h.category,
		Project:   h.project,
		SpecID:    h.specID,
		PID:       h.PID(),
		Running:   h.IsRunning(),
		StartedAt: h.startedAt,
		State:     h.State(),
		Output:    h.buffer.LastN(20),
	}
}
