// Package mux is the observer-side client of the event hub. One
// long-lived connection carries all channel subscriptions, refcounted
// so concurrent consumers of the same channel share a single wire
// subscription; interactive sessions get their own connections.
package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/hub"
	"github.com/zjrosen/strand/internal/log"
)

// ReconnectDelay is the fixed pause between reconnect attempts.
const ReconnectDelay = 3 * time.Second

// Handler receives envelopes for a subscribed channel.
type Handler func(hub.Envelope)

// Client multiplexes channel subscriptions over one hub connection.
// Connection loss triggers reconnect with a fixed backoff; on
// reconnect every channel with live handlers is resubscribed and the
// project scope reapplied. Events broadcast while disconnected are
// lost.
type Client struct {
	addr   string
	delay  time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    net.Conn
	subs    map[string]map[int]Handler
	nextID  int
	project string

	dialMu sync.Mutex
	dials  map[string]*inflightDial
}

// NewClient creates a client for the hub at addr. Start must be
// called before events flow.
func NewClient(addr string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		addr:   addr,
		delay:  ReconnectDelay,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]map[int]Handler),
		dials:  make(map[string]*inflightDial),
	}
}

// Start runs the connection manager in a background goroutine.
func (c *Client) Start() {
	go c.run()
}

// Close tears the client down.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// Subscribe registers a handler for a channel and returns its cancel
// function. The first handler on a channel sends the wire subscribe;
// the last cancel sends the wire unsubscribe. Cancel is idempotent.
func (c *Client) Subscribe(channel string, fn Handler) func() {
	c.mu.Lock()
	handlers, ok := c.subs[channel]
	if !ok {
		handlers = make(map[int]Handler)
		c.subs[channel] = handlers
	}
	id := c.nextID
	c.nextID++
	handlers[id] = fn
	first := len(handlers) == 1
	c.mu.Unlock()

	if first {
		c.send(hub.ControlMessage{Type: hub.ControlSubscribe, Channel: channel})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			handlers, ok := c.subs[channel]
			if ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(c.subs, channel)
				}
			}
			last := ok && len(handlers) == 0
			c.mu.Unlock()

			if last {
				c.send(hub.ControlMessage{Type: hub.ControlUnsubscribe, Channel: channel})
			}
		})
	}
}

// SetProject scopes the event stream to one project. Applied
// immediately and again after every reconnect.
func (c *Client) SetProject(projectID string) {
	c.mu.Lock()
	c.project = projectID
	c.mu.Unlock()
	c.send(hub.ControlMessage{Type: hub.ControlSetProject, ProjectID: projectID})
}

// Ping sends a ping control message on the live connection.
func (c *Client) Ping() {
	c.send(hub.ControlMessage{Type: hub.ControlPing})
}

// run dials, replays wire state, and pumps events until the
// connection drops, then waits the fixed delay and starts over.
func (c *Client) run() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			log.Debug(log.CatMux, "dial failed, retrying", "addr", c.addr, "error", err)
			if !c.sleep() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.resubscribe()
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if !c.sleep() {
			return
		}
		log.Info(log.CatMux, "reconnecting", "addr", c.addr)
	}
}

func (c *Client) sleep() bool {
	select {
	case <-time.After(c.delay):
		return true
	case <-c.ctx.Done():
		return false
	}
}

// resubscribe replays every live channel and the project scope onto a
// fresh connection.
func (c *Client) resubscribe() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	project := c.project
	c.mu.Unlock()

	if len(channels) > 0 {
		c.send(hub.ControlMessage{Type: hub.ControlSubscribe, Channels: channels})
	}
	if project != "" {
		c.send(hub.ControlMessage{Type: hub.ControlSetProject, ProjectID: project})
	}
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var env hub.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil || env.Channel == "" {
			// Pongs and anything unrecognized land here.
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env hub.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[env.Channel]))
	for _, fn := range c.subs[env.Channel] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// send marshals and writes one frame on the current connection. A nil
// or broken connection drops the frame; wire state is replayed on the
// next connect.
func (c *Client) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		log.Debug(log.CatMux, "write failed", "error", err)
	}
}
