package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/term"
)

type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newTestServer(t *testing.T, sessions *term.Registry) (*Server, *Hub) {
	t.Helper()
	h := NewHub()
	s := NewServer(h, sessions)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(s.Close)
	return s, h
}

func dialTest(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &testClient{conn: conn, scanner: scanner}
}

func (c *testClient) send(t *testing.T, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = c.conn.Write(append(payload, '\n'))
	require.NoError(t, err)
}

func (c *testClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// next reads one frame, failing the test on timeout.
func (c *testClient) next(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, c.scanner.Scan(), "expected a frame, got %v", c.scanner.Err())
	line := make([]byte, len(c.scanner.Bytes()))
	copy(line, c.scanner.Bytes())
	return line
}

func awaitObservers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ObserverCount() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "task:progress"})
	awaitObservers(t, h, 1)
	// Subscription is applied by the read loop; ping round-trip
	// guarantees it landed.
	c.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(c.next(t)), "pong")

	h.Broadcast("task:progress", map[string]string{"phase": "planning"})

	var env Envelope
	require.NoError(t, json.Unmarshal(c.next(t), &env))
	require.Equal(t, "task:progress", env.Channel)
	require.Contains(t, string(env.Data), "planning")
}

func TestBroadcastFansOutToAllObserversIntact(t *testing.T) {
	s, h := newTestServer(t, nil)

	clients := []*testClient{dialTest(t, s), dialTest(t, s), dialTest(t, s)}
	for _, c := range clients {
		c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "task:log"})
	}
	awaitObservers(t, h, len(clients))
	for _, c := range clients {
		c.send(t, ControlMessage{Type: ControlPing})
		require.Contains(t, string(c.next(t)), "pong")
	}

	// All observers share the marshaled payload; every copy must
	// arrive as one intact JSON line.
	for i := 0; i < 25; i++ {
		h.Broadcast("task:log", map[string]int{"seq": i})
	}

	for _, c := range clients {
		for i := 0; i < 25; i++ {
			var env Envelope
			require.NoError(t, json.Unmarshal(c.next(t), &env))
			require.Equal(t, "task:log", env.Channel)
			require.Contains(t, string(env.Data), `"seq":`)
		}
	}
}

func TestUnsubscribedChannelNotDelivered(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	c.send(t, ControlMessage{Type: ControlSubscribe, Channels: []string{"task:exit"}})
	c.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(c.next(t)), "pong")

	h.Broadcast("task:log", "noise")
	h.Broadcast("task:exit", "signal")

	var env Envelope
	require.NoError(t, json.Unmarshal(c.next(t), &env))
	require.Equal(t, "task:exit", env.Channel)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "spec:log"})
	c.send(t, ControlMessage{Type: ControlUnsubscribe, Channel: "spec:log"})
	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "spec:exit"})
	c.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(c.next(t)), "pong")

	h.Broadcast("spec:log", "dropped")
	h.Broadcast("spec:exit", "kept")

	var env Envelope
	require.NoError(t, json.Unmarshal(c.next(t), &env))
	require.Equal(t, "spec:exit", env.Channel)
}

func TestProjectScoping(t *testing.T) {
	s, h := newTestServer(t, nil)

	scoped := dialTest(t, s)
	scoped.send(t, ControlMessage{Type: ControlSubscribe, Channel: "task:progress"})
	scoped.send(t, ControlMessage{Type: ControlSetProject, ProjectID: "proj-a"})
	scoped.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(scoped.next(t)), "pong")

	h.BroadcastScoped("proj-b", "task:progress", "other project")
	h.BroadcastScoped("proj-a", "task:progress", "mine")

	var env Envelope
	require.NoError(t, json.Unmarshal(scoped.next(t), &env))
	require.Contains(t, string(env.Data), "mine")
}

func TestMalformedControlFrameIgnored(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	c.sendRaw(t, "{this is not json")
	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "idea:log"})
	c.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(c.next(t)), "pong")

	h.Broadcast("idea:log", "still alive")

	var env Envelope
	require.NoError(t, json.Unmarshal(c.next(t), &env))
	require.Equal(t, "idea:log", env.Channel)
}

func TestFirstFrameActsAsControlMessage(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	// No explicit handshake: the first frame is already a subscribe.
	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "roadmap:progress"})
	c.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(c.next(t)), "pong")

	h.Broadcast("roadmap:progress", "first frame worked")
	var env Envelope
	require.NoError(t, json.Unmarshal(c.next(t), &env))
	require.Equal(t, "roadmap:progress", env.Channel)
}

func TestDisconnectClearsObserver(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "task:log"})
	awaitObservers(t, h, 1)

	c.conn.Close()
	awaitObservers(t, h, 0)

	// Broadcasting after disconnect must not panic or deliver.
	h.Broadcast("task:log", "into the void")
}

func TestPerObserverOrderPreserved(t *testing.T) {
	s, h := newTestServer(t, nil)
	c := dialTest(t, s)

	c.send(t, ControlMessage{Type: ControlSubscribe, Channel: "insights:log"})
	c.send(t, ControlMessage{Type: ControlPing})
	require.Contains(t, string(c.next(t)), "pong")

	for i := 0; i < 20; i++ {
		h.Broadcast("insights:log", i)
	}
	for i := 0; i < 20; i++ {
		var env Envelope
		require.NoError(t, json.Unmarshal(c.next(t), &env))
		require.Equal(t, strings.TrimSpace(string(env.Data)), jsonNumber(i))
	}
}

func jsonNumber(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestAttachUnknownSession(t *testing.T) {
	requirePTY(t)
	reg := term.NewRegistry(term.Options{Shell: "/bin/sh"})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	s, _ := newTestServer(t, reg)
	c := dialTest(t, s)

	c.send(t, ControlMessage{Type: ControlAttach, SessionID: "ghost"})

	var frame SessionFrame
	require.NoError(t, json.Unmarshal(c.next(t), &frame))
	require.Equal(t, FrameError, frame.Type)
	require.Contains(t, frame.Message, "ghost")
}

func requirePTY(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx available")
	}
}

func TestAttachStreamsSession(t *testing.T) {
	requirePTY(t)
	reg := term.NewRegistry(term.Options{Shell: "/bin/sh"})
	ctx := context.Background()
	t.Cleanup(func() { reg.Shutdown(ctx) })

	s, _ := newTestServer(t, reg)
	require.NoError(t, reg.Create(ctx, "live", t.TempDir(), 80, 24, nil))

	c := dialTest(t, s)
	c.send(t, ControlMessage{Type: ControlAttach, SessionID: "live"})

	var connected SessionFrame
	require.NoError(t, json.Unmarshal(c.next(t), &connected))
	require.Equal(t, FrameConnected, connected.Type)

	c.send(t, SessionFrame{Type: FrameInput, Data: []byte("echo attach-$((6*7))\n")})

	var out strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var frame SessionFrame
		require.NoError(t, json.Unmarshal(c.next(t), &frame))
		if frame.Type == FrameOutput {
			out.Write(frame.Data)
			if strings.Contains(out.String(), "attach-42") {
				return
			}
		}
	}
	t.Fatalf("never saw echoed output, got %q", out.String())
}

func TestAttachReplayContiguousUnderLiveOutput(t *testing.T) {
	requirePTY(t)
	reg := term.NewRegistry(term.Options{Shell: "/bin/sh"})
	ctx := context.Background()
	t.Cleanup(func() { reg.Shutdown(ctx) })

	s, _ := newTestServer(t, reg)
	require.NoError(t, reg.Create(ctx, "chatty", t.TempDir(), 80, 24, nil))

	// Keep the session talking while the observer attaches mid-stream:
	// every byte must land in exactly one of snapshot or live frames.
	require.True(t, reg.Write("chatty",
		[]byte("i=0; while [ $i -lt 200 ]; do echo line-$i; i=$((i+1)); done; echo stream-done\n")))

	c := dialTest(t, s)
	c.send(t, ControlMessage{Type: ControlAttach, SessionID: "chatty"})

	var connected SessionFrame
	require.NoError(t, json.Unmarshal(c.next(t), &connected))
	require.Equal(t, FrameConnected, connected.Type)
	require.Equal(t, connected.Offset, uint64(len(connected.Data)))

	var out strings.Builder
	out.Write(connected.Data)
	seen := connected.Offset

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var frame SessionFrame
		require.NoError(t, json.Unmarshal(c.next(t), &frame))
		if frame.Type != FrameOutput {
			continue
		}
		// No gaps and no bytes replayed from the snapshot.
		require.Greater(t, frame.Offset, seen)
		require.Equal(t, seen+uint64(len(frame.Data)), frame.Offset)
		seen = frame.Offset
		out.Write(frame.Data)
		if strings.Contains(out.String(), "stream-done") {
			return
		}
	}
	t.Fatalf("never saw end of stream, got %d bytes", out.Len())
}

func TestAttachPingPong(t *testing.T) {
	requirePTY(t)
	reg := term.NewRegistry(term.Options{Shell: "/bin/sh"})
	ctx := context.Background()
	t.Cleanup(func() { reg.Shutdown(ctx) })

	s, _ := newTestServer(t, reg)
	require.NoError(t, reg.Create(ctx, "pingable", t.TempDir(), 80, 24, nil))

	c := dialTest(t, s)
	c.send(t, ControlMessage{Type: ControlAttach, SessionID: "pingable"})

	var connected SessionFrame
	require.NoError(t, json.Unmarshal(c.next(t), &connected))
	require.Equal(t, FrameConnected, connected.Type)

	c.send(t, SessionFrame{Type: FramePing})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var frame SessionFrame
		require.NoError(t, json.Unmarshal(c.next(t), &frame))
		if frame.Type == FramePong {
			return
		}
	}
	t.Fatal("never saw pong")
}
