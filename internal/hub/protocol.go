// Package hub distributes events to remote observers over TCP. Frames
// are newline-delimited JSON. The first frame a client sends selects
// the connection mode: an attach frame binds the connection to one
// interactive session; anything else makes it a general events
// connection, with that frame treated as the first control message.
package hub

import (
	"encoding/json"
	"time"
)

// Envelope wraps one channel event for delivery to observers.
type Envelope struct {
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Control message types accepted on an events connection.
const (
	ControlAttach      = "attach"
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
	ControlSetProject  = "setProject"
	ControlPing        = "ping"
)

// ControlMessage is an inbound frame on an events connection.
// Subscribe and unsubscribe accept a single channel or a list.
type ControlMessage struct {
	Type      string   `json:"type"`
	Channel   string   `json:"channel,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	// Create asks attach to create the session when it does not exist.
	Create bool   `json:"create,omitempty"`
	Cwd    string `json:"cwd,omitempty"`
	Cols   uint16 `json:"cols,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
}

// channels returns the union of the single and list forms.
func (m ControlMessage) channels() []string {
	out := m.Channels
	if m.Channel != "" {
		out = append(out, m.Channel)
	}
	return out
}

// Pong is the reply to a ping control message.
type Pong struct {
	Type string `json:"type"`
}

// Session frame types. Server to client: connected, output,
// titleChange, exit, error, pong. Client to server: input, resize,
// ping.
const (
	FrameConnected   = "connected"
	FrameOutput      = "output"
	FrameTitleChange = "titleChange"
	FrameExit        = "exit"
	FrameError       = "error"
	FrameInput       = "input"
	FrameResize      = "resize"
	FramePing        = "ping"
	FramePong        = "pong"
)

// SessionFrame is one frame on a session connection. Data is raw
// terminal bytes (base64 in JSON).
type SessionFrame struct {
	Type     string `json:"type"`
	Data     []byte `json:"data,omitempty"`
	Offset   uint64 `json:"offset,omitempty"`
	Title    string `json:"title,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	Message  string `json:"message,omitempty"`
}
