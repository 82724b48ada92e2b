package term

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/internal/tracing"
)

// ErrAlreadyExists is returned by Create on a session id collision.
var ErrAlreadyExists = errors.New("session already exists")

// Options configures a session registry.
type Options struct {
	// Shell is the program started in each session; defaults to $SHELL
	// then /bin/sh.
	Shell string
	// AgentCommand is written into the PTY by InvokeAgent.
	AgentCommand string
	// BufferBytes caps each session's output ring.
	BufferBytes int
	// Tracer emits create/destroy spans. May be nil.
	Tracer *tracing.Provider
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID           string    `json:"id"`
	Cwd          string    `json:"cwd"`
	PID          int       `json:"pid"`
	Running      bool      `json:"running"`
	Title        string    `json:"title,omitempty"`
	AgentSession string    `json:"agentSession,omitempty"`
	AgentMode    bool      `json:"agentMode"`
	StartedAt    time.Time `json:"startedAt"`
	ExitCode     int       `json:"exitCode"`
}

// Registry tracks interactive sessions by id. Input, resize, and
// destroy are fire-and-forget: absence is reported as false, never an
// error, and a failed signal still clears the entry.
type Registry struct {
	opts     Options
	broker   *pubsub.Broker[Event]
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts Options) *Registry {
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
		if opts.Shell == "" {
			opts.Shell = "/bin/sh"
		}
	}
	if opts.AgentCommand == "" {
		opts.AgentCommand = "claude"
	}
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = DefaultRingBytes
	}
	return &Registry{
		opts:     opts,
		broker:   pubsub.NewBroker[Event](),
		sessions: make(map[string]*Session),
	}
}

// Subscribe returns a channel of session events, closed when ctx ends.
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

// Create starts a shell on a fresh PTY under the given id. Returns
// ErrAlreadyExists when the id is taken, even by an exited session
// that has not been destroyed.
func (r *Registry) Create(ctx context.Context, id, cwd string, cols, rows uint16, env []string) error {
	_, span := r.startSpan(ctx, tracing.SpanSessionCreate, id)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrSessionCwd, cwd))

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	// Reserve the id before the slow PTY work; a concurrent Create for
	// the same id must lose deterministically.
	r.sessions[id] = nil
	r.mu.Unlock()

	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(r.opts.Shell) //nolint:gosec // G204: shell comes from configuration
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	master, err := startPTY(cmd, cols, rows)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return fmt.Errorf("starting session %s: %w", id, err)
	}

	s := &Session{
		id:        id,
		cwd:       cwd,
		cmd:       cmd,
		master:    master,
		ring:      NewByteRing(r.opts.BufferBytes),
		publish:   r.publish,
		startedAt: time.Now(),
		running:   true,
		exitCode:  -1,
	}

	if !r.install(id, s) {
		// Destroyed while still being created; the entry must stay
		// gone, so the fresh shell is collected and never registered.
		s.kill()
		_ = cmd.Wait()
		master.Close()
		return fmt.Errorf("session %s destroyed during creation", id)
	}

	s.start()
	log.Info(log.CatSession, "session created",
		"id", id, "cwd", cwd, "pid", cmd.Process.Pid)
	return nil
}

// install replaces the Create reservation with the live session. It
// refuses when the reservation is gone, which means Destroy won the
// race against a slow Create.
func (r *Registry) install(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, reserved := r.sessions[id]; !reserved {
		return false
	}
	r.sessions[id] = s
	return true
}

// Write delivers input bytes to the session's PTY. Returns false when
// the id is unknown; delivery itself never errors.
func (r *Registry) Write(id string, data []byte) bool {
	s := r.get(id)
	if s == nil {
		return false
	}
	s.write(data)
	return true
}

// Resize updates the session's terminal dimensions. Returns false when
// the id is unknown.
func (r *Registry) Resize(id string, cols, rows uint16) bool {
	s := r.get(id)
	if s == nil {
		return false
	}
	s.resize(cols, rows)
	return true
}

// InvokeAgent types the configured agent command into the session and
// marks it agent mode. Returns false when the id is unknown.
func (r *Registry) InvokeAgent(id, cwd string) bool {
	s := r.get(id)
	if s == nil {
		return false
	}

	input := r.opts.AgentCommand
	if cwd != "" {
		input = "cd " + cwd + " && " + input
	}
	s.write([]byte(input + "\n"))

	s.mu.Lock()
	s.agentMode = true
	s.mu.Unlock()

	log.Info(log.CatSession, "agent invoked", "id", id)
	return true
}

// Destroy kills the session's process and removes the entry. The
// entry is removed even when the kill fails; Destroy cannot leave a
// stuck session behind. Returns false when the id is unknown.
func (r *Registry) Destroy(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok || s == nil {
		return ok
	}

	_, span := r.startSpan(ctx, tracing.SpanSessionDestroy, id)
	defer span.End()

	s.kill()
	log.Info(log.CatSession, "session destroyed", "id", id)
	return true
}

// Snapshot returns the session's retained output and its current
// stream offset, for the connected handshake of a new observer.
func (r *Registry) Snapshot(id string) ([]byte, uint64, bool) {
	s := r.get(id)
	if s == nil {
		return nil, 0, false
	}
	return s.ring.Snapshot(), s.ring.Offset(), true
}

// Info returns a snapshot of the session's state.
func (r *Registry) Info(id string) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	pid := -1
	if s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return Info{
		ID:           s.id,
		Cwd:          s.cwd,
		PID:          pid,
		Running:      s.running,
		Title:        s.title,
		AgentSession: s.agentSession,
		AgentMode:    s.agentMode,
		StartedAt:    s.startedAt,
		ExitCode:     s.exitCode,
	}, true
}

// List returns snapshots of all sessions.
func (r *Registry) List() []Info {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.Info(id); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Shutdown destroys every session and closes the broker.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, info := range r.List() {
		r.Destroy(ctx, info.ID)
	}
	r.broker.Close()
}

func (r *Registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Registry) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	if r.opts.Tracer == nil {
		return ctx, noop.Span{}
	}
	return r.opts.Tracer.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String(tracing.AttrSessionID, id),
	))
}
