package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/strand/internal/log"
)

// observerQueueSize bounds the per-observer outgoing queue. A slow
// observer overflows its own queue and loses frames; it never blocks
// the broadcaster or its peers.
const observerQueueSize = 256

// observer is one connected events client. A single writer goroutine
// drains send, so frames reach the socket in enqueue order.
type observer struct {
	id   string
	send chan []byte

	mu      sync.Mutex
	subs    map[string]bool
	project string
}

func (o *observer) subscribe(channels []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range channels {
		o.subs[ch] = true
	}
}

func (o *observer) unsubscribe(channels []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range channels {
		delete(o.subs, ch)
	}
}

func (o *observer) setProject(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.project = projectID
}

// wants reports whether the observer should receive an event on the
// channel, given the event's project scope. An observer without a
// project scope sees everything on its channels; a scoped observer
// only sees unscoped events and events for its project.
func (o *observer) wants(channel, scope string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.subs[channel] {
		return false
	}
	return scope == "" || o.project == "" || o.project == scope
}

// Hub fans events out to observers by channel name. It never inspects
// event payloads; routing is channel plus project scope only.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*observer
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{observers: make(map[string]*observer)}
}

// register adds a fresh observer with no subscriptions.
func (h *Hub) register() *observer {
	o := &observer{
		id:   uuid.NewString(),
		send: make(chan []byte, observerQueueSize),
		subs: make(map[string]bool),
	}
	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()

	log.Debug(log.CatHub, "observer registered", "observer", o.id)
	return o
}

// unregister removes the observer and closes its queue. Removal and
// queue close happen under the hub lock, so no broadcast can enqueue
// to a closed channel; the observer's subscriptions vanish with it.
func (h *Hub) unregister(o *observer) {
	h.mu.Lock()
	if _, ok := h.observers[o.id]; ok {
		delete(h.observers, o.id)
		close(o.send)
	}
	h.mu.Unlock()

	log.Debug(log.CatHub, "observer unregistered", "observer", o.id)
}

// Broadcast delivers data to every observer subscribed to channel.
func (h *Hub) Broadcast(channel string, data any) {
	h.broadcast(channel, "", data)
}

// BroadcastScoped delivers data to subscribed observers whose project
// scope matches projectID (or who have not set one).
func (h *Hub) BroadcastScoped(projectID, channel string, data any) {
	h.broadcast(channel, projectID, data)
}

func (h *Hub) broadcast(channel, scope string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error(log.CatHub, "unmarshalable event dropped", "channel", channel, "error", err)
		return
	}
	payload, err := json.Marshal(Envelope{
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Error(log.CatHub, "envelope marshal failed", "channel", channel, "error", err)
		return
	}
	// Framed once here: the payload slice is shared by every observer
	// queue, so writers must not append to it.
	payload = append(payload, '\n')

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, o := range h.observers {
		if !o.wants(channel, scope) {
			continue
		}
		select {
		case o.send <- payload:
		default:
			// Queue overflow: the frame is gone for this observer.
			log.Warn(log.CatHub, "observer queue full, dropping frame",
				"observer", o.id, "channel", channel)
		}
	}
}

// ObserverCount returns the number of connected events observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}
