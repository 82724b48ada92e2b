package worker

import (
	"bufio"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/progress"
)

// Handle tracks one spawned worker process. It owns the goroutines
// that drain the process's output, feed the bounded buffer and the
// progress inference engine, and publish lifecycle events.
type Handle struct {
	key      string
	category progress.Category
	project  string
	specID   string
	cmd      *exec.Cmd
	buffer   *OutputBuffer
	publish  func(Event)
	onExit   func(*Handle)

	startedAt time.Time

	mu       sync.RWMutex
	running  bool
	exitCode int
	state    progress.State

	scanners sync.WaitGroup
	done     chan struct{}
}

// Key returns the worker's registry key.
func (h *Handle) Key() string { return h.key }

// Category returns the worker's category.
func (h *Handle) Category() progress.Category { return h.category }

// PID returns the OS process ID, or -1 if unavailable.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// IsRunning reports whether the process is still alive.
func (h *Handle) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// State returns the latest inferred progress state.
func (h *Handle) State() progress.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// ExitCode returns the process exit code, or -1 while running.
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// Output returns a snapshot of the buffered output lines.
func (h *Handle) Output() []string { return h.buffer.Lines() }

// Done returns a channel closed once the process has exited and all
// of its events have been published.
func (h *Handle) Done() <-chan struct{} { return h.done }

// start launches the output readers and the completion watcher.
// Called by the registry after cmd.Start succeeds.
func (h *Handle) start(stdout, stderr io.ReadCloser) {
	h.scanners.Add(2)
	go h.scanStream(stdout)
	go h.scanStream(stderr)
	go h.waitForCompletion()
}

// scanStream drains one output stream line by line. Every line lands
// in the ring buffer and on the log channel; lines that move the
// inference engine also produce a progress event.
func (h *Handle) scanStream(r io.ReadCloser) {
	defer h.scanners.Done()

	scanner := bufio.NewScanner(r)
	// Large buffer for workers that emit long single-line payloads.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		h.buffer.Append(line)

		h.publish(Event{
			Type:      EventLog,
			Key:       h.key,
			Category:  h.category,
			Project:   h.project,
			SpecID:    h.specID,
			Line:      line,
			Timestamp: time.Now(),
		})

		h.inferProgress(line)
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatWorker, "scanner error", "key", h.key, "error", err)
	}
}

// inferProgress runs one output chunk through the inference engine.
// The previous state is read and replaced under the same lock so
// concurrent stdout/stderr chunks cannot interleave a regression.
func (h *Handle) inferProgress(line string) {
	h.mu.Lock()
	next, ok := progress.Infer(h.category, h.state, line)
	if ok {
		h.state = next
	}
	h.mu.Unlock()

	if ok {
		log.Debug(log.CatWorker, "phase transition",
			"key", h.key, "phase", next.Phase, "percent", next.Percent)
		h.publish(Event{
			Type:      EventProgress,
			Key:       h.key,
			Category:  h.category,
			Project:   h.project,
			SpecID:    h.specID,
			State:     next,
			Timestamp: time.Now(),
		})
	}
}

// waitForCompletion reaps the process once both streams are drained,
// records the exit code, publishes the terminal events, and hands the
// handle back to the registry for deregistration.
func (h *Handle) waitForCompletion() {
	h.scanners.Wait()
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	} else if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.running = false
	h.exitCode = code
	var terminal progress.State
	if code == 0 {
		terminal = progress.Completed(h.category)
	} else {
		terminal = progress.Failed(h.category, "worker exited")
	}
	// A worker that already reported a terminal error keeps it.
	if !h.state.IsTerminal() {
		h.state = terminal
	}
	final := h.state
	h.mu.Unlock()

	h.publish(Event{
		Type:      EventProgress,
		Key:       h.key,
		Category:  h.category,
		Project:   h.project,
		SpecID:    h.specID,
		State:     final,
		Timestamp: time.Now(),
	})

	if code == 0 {
		log.Info(log.CatWorker, "worker completed", "key", h.key)
		h.publish(Event{
			Type:      EventExit,
			Key:       h.key,
			Category:  h.category,
			Project:   h.project,
			SpecID:    h.specID,
			ExitCode:  0,
			Timestamp: time.Now(),
		})
	} else {
		log.Warn(log.CatWorker, "worker failed", "key", h.key, "exitCode", code)
		h.publish(Event{
			Type:      EventError,
			Key:       h.key,
			Category:  h.category,
			Project:   h.project,
			SpecID:    h.specID,
			ExitCode:  code,
			Message:   "worker exited with code " + strconv.Itoa(code),
			Timestamp: time.Now(),
		})
	}

	if h.onExit != nil {
		h.onExit(h)
	}
	close(h.done)
}

// signal delivers sig to the process, tolerating an already-dead one.
func (h *Handle) signal(sig syscall.Signal) {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}
