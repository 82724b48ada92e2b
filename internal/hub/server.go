package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/term"
)

// Server accepts observer connections and routes them to the hub or
// to an interactive session.
type Server struct {
	hub      *Hub
	sessions *term.Registry

	listener net.Listener
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewServer creates a server distributing hub events and session
// streams. sessions may be nil when the daemon runs without the
// interactive layer; attach frames are then answered with an error.
func NewServer(h *Hub, sessions *term.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:      h,
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen binds addr and starts accepting connections.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	log.Info(log.CatHub, "listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and tears down live connections.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads the first frame and dispatches the connection. An
// attach frame binds it to a session; anything else, including a frame
// that does not parse, starts an events connection with the frame as
// its first control message.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	first, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var ctrl ControlMessage
	if json.Unmarshal(first, &ctrl) == nil && ctrl.Type == ControlAttach {
		s.handleSession(conn, reader, ctrl)
		return
	}
	s.handleEvents(conn, reader, first)
}

// handleEvents runs a general events connection: a writer goroutine
// drains the observer queue, the read loop applies control messages.
func (s *Server) handleEvents(conn net.Conn, reader *bufio.Reader, first []byte) {
	o := s.hub.register()
	defer s.hub.unregister(o)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range o.send {
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}()

	// Stop the connection when the server shuts down.
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-writerDone:
		}
	}()

	line := first
	for {
		s.applyControl(o, line)

		var err error
		line, err = reader.ReadBytes('\n')
		if err != nil {
			return
		}
	}
}

// applyControl interprets one control frame. Malformed or unknown
// frames are logged and dropped; they never disturb the connection.
func (s *Server) applyControl(o *observer, line []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Warn(log.CatHub, "malformed control frame ignored", "observer", o.id)
		return
	}

	switch msg.Type {
	case ControlSubscribe:
		o.subscribe(msg.channels())
	case ControlUnsubscribe:
		o.unsubscribe(msg.channels())
	case ControlSetProject:
		o.setProject(msg.ProjectID)
	case ControlPing:
		pong, _ := json.Marshal(Pong{Type: "pong"})
		pong = append(pong, '\n')
		select {
		case o.send <- pong:
		default:
		}
	default:
		log.Warn(log.CatHub, "unknown control frame ignored",
			"observer", o.id, "type", msg.Type)
	}
}

// handleSession binds the connection to one interactive session. The
// client first receives a connected frame carrying the output ring
// snapshot, then live frames; inbound frames carry input and resizes.
func (s *Server) handleSession(conn net.Conn, reader *bufio.Reader, ctrl ControlMessage) {
	sessionID := ctrl.SessionID
	writeFrame := func(f SessionFrame) error {
		payload, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_, err = conn.Write(append(payload, '\n'))
		return err
	}

	if s.sessions == nil {
		_ = writeFrame(SessionFrame{Type: FrameError, Message: "sessions unavailable"})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		// Unblock the read loop on shutdown.
		<-ctx.Done()
		conn.Close()
	}()

	// Subscribe before taking the snapshot: a chunk published in
	// between lands in both, and the offset filter below drops the
	// duplicate. Subscribing after would lose that window entirely.
	events := s.sessions.Subscribe(ctx)

	snapshot, offset, ok := s.sessions.Snapshot(sessionID)
	if !ok && ctrl.Create {
		if err := s.sessions.Create(s.ctx, sessionID, ctrl.Cwd, ctrl.Cols, ctrl.Rows, nil); err != nil {
			_ = writeFrame(SessionFrame{Type: FrameError, Message: err.Error()})
			return
		}
		snapshot, offset, ok = s.sessions.Snapshot(sessionID)
	}
	if !ok {
		_ = writeFrame(SessionFrame{Type: FrameError, Message: "unknown session: " + sessionID})
		return
	}

	// One writer drains both live events and pong replies, keeping
	// frame order on the socket.
	out := make(chan SessionFrame, observerQueueSize)
	go func() {
		for {
			select {
			case f := <-out:
				if err := writeFrame(f); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	enqueue := func(f SessionFrame) {
		select {
		case out <- f:
		default:
			log.Warn(log.CatHub, "session connection backlogged, dropping frame",
				"session", sessionID, "frameType", f.Type)
		}
	}

	enqueue(SessionFrame{Type: FrameConnected, Data: snapshot, Offset: offset})

	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.ID != sessionID {
					continue
				}
				switch ev.Type {
				case term.EventOutput:
					// Already covered by the connected snapshot.
					if ev.Offset <= offset {
						continue
					}
					enqueue(SessionFrame{Type: FrameOutput, Data: ev.Data, Offset: ev.Offset})
				case term.EventTitle:
					enqueue(SessionFrame{Type: FrameTitleChange, Title: ev.Title})
				case term.EventExit:
					enqueue(SessionFrame{Type: FrameExit, ExitCode: ev.ExitCode})
				case term.EventError:
					enqueue(SessionFrame{Type: FrameError, Message: ev.Message})
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var frame SessionFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Warn(log.CatHub, "malformed session frame ignored", "session", sessionID)
			continue
		}

		switch frame.Type {
		case FrameInput:
			s.sessions.Write(sessionID, frame.Data)
		case FrameResize:
			s.sessions.Resize(sessionID, frame.Cols, frame.Rows)
		case FramePing:
			enqueue(SessionFrame{Type: FramePong})
		default:
			log.Warn(log.CatHub, "unknown session frame ignored",
				"session", sessionID, "frameType", frame.Type)
		}
	}
}
