package mux

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/zjrosen/strand/internal/hub"
	"github.com/zjrosen/strand/internal/log"
)

// ErrSessionRejected is returned when the daemon answers an attach
// with an error frame.
var ErrSessionRejected = errors.New("session attach rejected")

// SessionConn is a dedicated connection to one interactive session.
// Losing it affects neither other sessions nor the general events
// connection.
type SessionConn struct {
	id       string
	conn     net.Conn
	reader   *bufio.Reader
	snapshot []byte
	offset   uint64

	writeMu sync.Mutex
	frames  chan hub.SessionFrame
	once    sync.Once
}

// ID returns the attached session id.
func (s *SessionConn) ID() string { return s.id }

// Snapshot returns the output replay received in the connected
// handshake.
func (s *SessionConn) Snapshot() []byte { return s.snapshot }

// Offset returns the stream offset at attach time.
func (s *SessionConn) Offset() uint64 { return s.offset }

// Frames returns the live frame stream. Closed when the connection
// drops.
func (s *SessionConn) Frames() <-chan hub.SessionFrame { return s.frames }

// SendInput delivers input bytes to the session.
func (s *SessionConn) SendInput(data []byte) error {
	return s.write(hub.SessionFrame{Type: hub.FrameInput, Data: data})
}

// Resize updates the session's terminal dimensions.
func (s *SessionConn) Resize(cols, rows uint16) error {
	return s.write(hub.SessionFrame{Type: hub.FrameResize, Cols: cols, Rows: rows})
}

// Ping sends a keepalive probe.
func (s *SessionConn) Ping() error {
	return s.write(hub.SessionFrame{Type: hub.FramePing})
}

// Close tears the connection down.
func (s *SessionConn) Close() error {
	return s.conn.Close()
}

func (s *SessionConn) write(f hub.SessionFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(append(payload, '\n'))
	return err
}

// readLoop continues on the handshake reader so frames buffered
// behind the connected reply are not lost.
func (s *SessionConn) readLoop() {
	defer s.once.Do(func() { close(s.frames) })

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var frame hub.SessionFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Debug(log.CatMux, "malformed session frame", "session", s.id)
			continue
		}
		s.frames <- frame
	}
}

type inflightDial struct {
	done chan struct{}
	conn *SessionConn
	err  error
}

// DialSession opens (or joins) a connection to one session. Concurrent
// dials for the same id share a single in-flight attempt; once that
// attempt settles, later dials start fresh ones.
func (c *Client) DialSession(id string) (*SessionConn, error) {
	return c.dialShared(hub.ControlMessage{Type: hub.ControlAttach, SessionID: id})
}

// DialSessionCreate attaches to a session, creating it on the daemon
// first when it does not exist.
func (c *Client) DialSessionCreate(id, cwd string, cols, rows uint16) (*SessionConn, error) {
	return c.dialShared(hub.ControlMessage{
		Type:      hub.ControlAttach,
		SessionID: id,
		Create:    true,
		Cwd:       cwd,
		Cols:      cols,
		Rows:      rows,
	})
}

func (c *Client) dialShared(attach hub.ControlMessage) (*SessionConn, error) {
	id := attach.SessionID
	c.dialMu.Lock()
	if d, ok := c.dials[id]; ok {
		c.dialMu.Unlock()
		<-d.done
		return d.conn, d.err
	}
	d := &inflightDial{done: make(chan struct{})}
	c.dials[id] = d
	c.dialMu.Unlock()

	d.conn, d.err = dialSession(c.addr, attach)

	c.dialMu.Lock()
	delete(c.dials, id)
	c.dialMu.Unlock()
	close(d.done)

	return d.conn, d.err
}

func dialSession(addr string, attachMsg hub.ControlMessage) (*SessionConn, error) {
	id := attachMsg.SessionID
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing session %s: %w", id, err)
	}

	attach, err := json.Marshal(attachMsg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(append(attach, '\n')); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending attach for %s: %w", id, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading attach reply for %s: %w", id, err)
	}

	var handshake hub.SessionFrame
	if err := json.Unmarshal(line, &handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bad attach reply for %s: %w", id, err)
	}
	if handshake.Type != hub.FrameConnected {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrSessionRejected, handshake.Message)
	}

	s := &SessionConn{
		id:       id,
		conn:     conn,
		reader:   reader,
		snapshot: handshake.Data,
		offset:   handshake.Offset,
		frames:   make(chan hub.SessionFrame, 64),
	}
	go s.readLoop()
	return s, nil
}
