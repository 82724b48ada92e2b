package term

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/log"
)

// EventType identifies the kind of session event.
type EventType string

const (
	// EventOutput carries a chunk of raw terminal output.
	EventOutput EventType = "output"
	// EventTitle signals an OSC title change.
	EventTitle EventType = "titleChange"
	// EventExit signals the shell process ended.
	EventExit EventType = "exit"
	// EventError signals a session-level failure.
	EventError EventType = "error"
)

// Event is a session event published on the registry's broker. Output
// events carry the ring offset just past their chunk, so a consumer
// holding a snapshot can discard chunks the snapshot already covers.
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Data      []byte    `json:"data,omitempty"`
	Offset    uint64    `json:"offset,omitempty"`
	Title     string    `json:"title,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one interactive shell on a PTY. Output flows through the
// byte ring and out as events; input and resizes go straight to the
// master descriptor.
type Session struct {
	id        string
	cwd       string
	cmd       *exec.Cmd
	master    *os.File
	ring      *ByteRing
	publish   func(Event)
	startedAt time.Time

	mu           sync.RWMutex
	running      bool
	exitCode     int
	title        string
	agentSession string
	agentMode    bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// IsRunning reports whether the shell process is still alive.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Title returns the last OSC-reported title.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// AgentSession returns the agent session id detected in the output
// stream, or empty while none has appeared.
func (s *Session) AgentSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentSession
}

// start launches the reader and reaper goroutines.
func (s *Session) start() {
	go s.readLoop()
}

// readLoop drains the PTY master. Every chunk lands in the ring, is
// scanned for passive signals, and goes out as an output event. A read
// error means the slave side closed; the reaper then collects the
// process.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			off := s.ring.Write(chunk)
			s.scanChunk(chunk)

			s.publish(Event{
				Type:      EventOutput,
				ID:        s.id,
				Data:      chunk,
				Offset:    off,
				Timestamp: time.Now(),
			})
		}
		if err != nil {
			// EIO when the child exits and the slave closes.
			break
		}
	}
	s.reap()
}

// scanChunk runs passive detection on one output chunk.
func (s *Session) scanChunk(chunk []byte) {
	if title, ok := detectTitle(chunk); ok {
		s.mu.Lock()
		changed := title != s.title
		s.title = title
		s.mu.Unlock()

		if changed {
			s.publish(Event{
				Type:      EventTitle,
				ID:        s.id,
				Title:     title,
				Timestamp: time.Now(),
			})
		}
	}

	if ref, ok := detectSessionID(chunk); ok {
		s.mu.Lock()
		if s.agentSession == "" {
			s.agentSession = ref
			log.Debug(log.CatSession, "detected agent session", "id", s.id, "ref", ref)
		}
		s.mu.Unlock()
	}
}

// reap collects the exited shell and publishes the exit event. A
// process that vanished without a wait status reports -1.
func (s *Session) reap() {
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if s.cmd.ProcessState != nil {
			code = s.cmd.ProcessState.ExitCode()
		}
	} else if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}

	s.master.Close()

	s.mu.Lock()
	s.running = false
	s.exitCode = code
	s.mu.Unlock()

	log.Info(log.CatSession, "session exited", "id", s.id, "exitCode", code)
	s.publish(Event{
		Type:      EventExit,
		ID:        s.id,
		ExitCode:  code,
		Timestamp: time.Now(),
	})
}

// write sends input bytes to the PTY. Errors are logged, never
// surfaced: input delivery is fire-and-forget.
func (s *Session) write(data []byte) {
	if _, err := s.master.Write(data); err != nil {
		log.Debug(log.CatSession, "write to dead session", "id", s.id, "error", err)
	}
}

// resize updates the PTY window size.
func (s *Session) resize(cols, rows uint16) {
	if err := setWindowSize(int(s.master.Fd()), cols, rows); err != nil {
		log.Debug(log.CatSession, "resize failed", "id", s.id, "error", err)
	}
}

// kill forcibly terminates the shell process.
func (s *Session) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
