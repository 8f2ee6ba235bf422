package transport

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

// socketServer is a websocket endpoint that hands every frame it reads to
// onFrame and counts upgrade attempts
type socketServer struct {
	*httptest.Server

	dials  atomic.Int32
	reject atomic.Bool
	frames chan string
}

func newSocketServer(t *testing.T, onFrame func(conn *websocket.Conn, frame []byte, n int)) *socketServer {
	t.Helper()

	s := &socketServer{frames: make(chan string, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if s.reject.Load() {
			http.Error(w, "no sockets today", http.StatusServiceUnavailable)
			return
		}

		header := http.Header{}
		header.Add("Set-Cookie", (&http.Cookie{Name: "session", Value: "ws-1", Path: "/"}).String())
		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			return
		}
		defer conn.Close()

		n := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) != string(protocol.KeepaliveFrame) && onFrame != nil {
				n++
				onFrame(conn, data, n)
			}
			select {
			case s.frames <- string(data):
			default:
			}
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func acknowledge(conn *websocket.Conn, frame []byte) {
	batch, err := protocol.DecodeFrame(frame)
	if err != nil {
		return
	}
	var replies []*protocol.Message
	for _, m := range batch {
		replies = append(replies, reply(m.ID, m.Channel, true))
	}
	data, _ := protocol.EncodeBatch(replies)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func probe(t *testing.T, h *testHost, ws *WebSocket) bool {
	t.Helper()
	result := make(chan bool, 1)
	h.onLoop(t, func() {
		ws.IsUsable(func(ok bool) { result <- ok })
	})
	select {
	case ok := <-result:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("probe did not complete")
		return false
	}
}

func (s *socketServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://example.test/bayeux", "ws://example.test/bayeux", true},
		{"https://example.test:8443/bayeux?x=1", "wss://example.test:8443/bayeux?x=1", true},
		{"ws://example.test/socket", "ws://example.test/socket", true},
		{"ftp://example.test/", "", false},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		require.NoError(t, err)

		got, err := SocketURL(u)
		if !tt.ok {
			assert.True(t, bayeuxerrors.IsCode(err, bayeuxerrors.CodeTransportUnusable), tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestWebSocket_RepliesAndPushes(t *testing.T) {
	srv := newSocketServer(t, func(conn *websocket.Conn, frame []byte, n int) {
		acknowledge(conn, frame)
		if n == 2 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"channel":"/chat","data":"hello"}]`))
		}
	})
	h := newTestHost(t, srv.URL+"/bayeux")
	ws := NewWebSocket(h, h.endpoint)

	require.True(t, probe(t, h, ws))
	assert.NotEmpty(t, h.jar.Cookies(h.endpoint), "upgrade cookies are stored")

	h.onLoop(t, func() {
		ws.SendMessage(message("1", protocol.ChannelConnect))
		ws.SendMessage(message("2", "/chat"))
		assert.Equal(t, 2, ws.pending.len())
	})

	require.Eventually(t, func() bool { return len(h.gotResponses()) == 3 }, 5*time.Second, 5*time.Millisecond)

	var ids []string
	for _, r := range h.gotResponses() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"1", "2", ""}, ids)
	assert.False(t, h.gotResponses()[2].HasVerdict())

	h.onLoop(t, func() {
		assert.Zero(t, ws.pending.len())
		assert.Equal(t, stateConnected, ws.state)
	})
	assert.Empty(t, h.gotErrors())
}

func TestWebSocket_DropRedeliversPendingImmediately(t *testing.T) {
	srv := newSocketServer(t, func(conn *websocket.Conn, frame []byte, n int) {
		if n == 3 {
			_ = conn.UnderlyingConn().Close()
		}
	})
	h := newTestHost(t, srv.URL)
	ws := NewWebSocket(h, h.endpoint)

	require.True(t, probe(t, h, ws))

	h.onLoop(t, func() {
		ws.SendMessage(message("a", "/chat"))
		ws.SendMessage(message("b", "/chat"))
		ws.SendMessage(message("c", "/chat"))
		assert.Equal(t, 3, ws.pending.len())
	})

	require.Eventually(t, func() bool { return len(h.gotErrors()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []hostError{
		{id: "a", immediate: true},
		{id: "b", immediate: true},
		{id: "c", immediate: true},
	}, h.gotErrors())
	assert.Equal(t, 1, h.shared.Faults.Count(KindWebSocket))
	assert.Equal(t, int64(1), h.metrics.faults.Load())

	h.onLoop(t, func() {
		assert.Equal(t, stateUnconnected, ws.state)
		assert.Zero(t, ws.pending.len())
	})
}

func TestWebSocket_FailedReconnectRetriesLater(t *testing.T) {
	var current atomic.Pointer[websocket.Conn]
	srv := newSocketServer(t, func(conn *websocket.Conn, frame []byte, n int) {
		current.Store(conn)
	})
	h := newTestHost(t, srv.URL)
	ws := NewWebSocket(h, h.endpoint)

	require.True(t, probe(t, h, ws))
	h.onLoop(t, func() { ws.SendMessage(message("first", "/chat")) })
	srv.nextFrame(t)

	// Drop the healthy socket, then refuse the reconnect.
	srv.reject.Store(true)
	require.NotNil(t, current.Load())
	_ = current.Load().UnderlyingConn().Close()
	require.Eventually(t, func() bool { return len(h.gotErrors()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, hostError{id: "first", immediate: true}, h.gotErrors()[0])

	h.onLoop(t, func() { ws.SendMessage(message("second", "/chat")) })
	require.Eventually(t, func() bool { return len(h.gotErrors()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, hostError{id: "second", immediate: false}, h.gotErrors()[1])
	assert.Equal(t, 2, h.shared.Faults.Count(KindWebSocket))
}

func TestWebSocket_NeverConnectedFailsProbeOnly(t *testing.T) {
	srv := newSocketServer(t, nil)
	srv.reject.Store(true)
	h := newTestHost(t, srv.URL)
	ws := NewWebSocket(h, h.endpoint)

	result := make(chan bool, 1)
	h.onLoop(t, func() {
		ws.SendMessage(message("a", "/chat"))
		ws.IsUsable(func(ok bool) { result <- ok })
	})
	assert.False(t, <-result)

	h.settle(t)
	assert.Empty(t, h.gotErrors(), "nothing was ever accepted, so nothing is redelivered")
	assert.Equal(t, 1, h.shared.Faults.Count(KindWebSocket))
}

func TestWebSocket_CircuitBreaker(t *testing.T) {
	srv := newSocketServer(t, nil)
	srv.reject.Store(true)
	h := newTestHost(t, srv.URL)

	usable := func() bool {
		result := make(chan bool, 1)
		h.onLoop(t, func() {
			WebSocketFactory{}.IsUsable(h, h.endpoint, func(ok bool) { result <- ok })
		})
		select {
		case ok := <-result:
			return ok
		case <-time.After(5 * time.Second):
			t.Fatal("probe did not complete")
			return false
		}
	}

	for i := 1; i <= 11; i++ {
		require.False(t, usable(), "attempt %d", i)
		require.Equal(t, int32(i), srv.dials.Load())
	}
	assert.Equal(t, 11, h.shared.Faults.Count(KindWebSocket))
	assert.Zero(t, h.shared.Registry.Len(), "failed instances leave the registry")

	srv.reject.Store(false)
	assert.False(t, usable())
	assert.Equal(t, int32(11), srv.dials.Load(), "the tripped kind is not dialed again")

	// A separate process-wide state is unaffected.
	other := newTestHost(t, srv.URL)
	ws := NewWebSocket(other, other.endpoint)
	assert.True(t, probe(t, other, ws))
	other.onLoop(t, ws.Close)
}

func TestWebSocket_KeepalivePingThenTimeout(t *testing.T) {
	srv := newSocketServer(t, nil)
	h := newTestHost(t, srv.URL)
	h.liveness = 60 * time.Second
	ws := NewWebSocket(h, h.endpoint)

	require.True(t, probe(t, h, ws))
	h.clock.BlockUntil(2)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, string(protocol.KeepaliveFrame), srv.nextFrame(t), "ping at half the liveness interval")
	require.Eventually(t, func() bool { return h.metrics.pingCount("sent") == 1 }, 5*time.Second, 5*time.Millisecond)

	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return h.shared.Faults.Count(KindWebSocket) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.metrics.pingCount("timeout"))

	h.onLoop(t, func() {
		assert.Equal(t, stateUnconnected, ws.state)
	})
}

func TestWebSocket_LiveTrafficCancelsPingTimeout(t *testing.T) {
	srv := newSocketServer(t, func(conn *websocket.Conn, frame []byte, n int) {
		acknowledge(conn, frame)
	})
	h := newTestHost(t, srv.URL)
	h.liveness = 60 * time.Second
	ws := NewWebSocket(h, h.endpoint)

	require.True(t, probe(t, h, ws))
	h.clock.BlockUntil(2)

	h.onLoop(t, func() { ws.SendMessage(message("a", "/meta/connect")) })
	require.Eventually(t, func() bool { return len(h.gotResponses()) == 1 }, 5*time.Second, 5*time.Millisecond)
	h.onLoop(t, func() {
		assert.False(t, ws.timeouts.Has(pingTimeoutTimer))
		assert.True(t, ws.timeouts.Has(pingTimer))
	})

	h.clock.Advance(40 * time.Second)
	h.settle(t)
	assert.Zero(t, h.shared.Faults.Count(KindWebSocket))
	h.onLoop(t, func() {
		assert.Equal(t, stateConnected, ws.state)
	})
}

func TestWebSocket_CloseIsNotAFault(t *testing.T) {
	srv := newSocketServer(t, nil)
	h := newTestHost(t, srv.URL)
	h.liveness = 60 * time.Second

	var ws *WebSocket
	h.onLoop(t, func() {
		ws = WebSocketFactory{}.Create(h, h.endpoint).(*WebSocket)
	})
	require.True(t, probe(t, h, ws))
	assert.Equal(t, 1, h.shared.Registry.Len())

	h.onLoop(t, func() {
		ws.SendMessage(message("a", "/chat"))
	})
	srv.nextFrame(t)

	h.onLoop(t, ws.Close)
	require.Eventually(t, func() bool { return len(h.gotErrors()) == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, hostError{id: "a", immediate: true}, h.gotErrors()[0])
	assert.Zero(t, h.shared.Faults.Count(KindWebSocket))
	assert.Zero(t, h.shared.Registry.Len())
	h.onLoop(t, func() {
		assert.False(t, ws.timeouts.Has(pingTimer))
		assert.False(t, ws.timeouts.Has(pingTimeoutTimer))
	})
}

func TestWebSocket_AbortClosesSocket(t *testing.T) {
	srv := newSocketServer(t, nil)
	h := newTestHost(t, srv.URL)
	ws := NewWebSocket(h, h.endpoint)
	require.True(t, probe(t, h, ws))

	var req Request
	h.onLoop(t, func() {
		ws.SendMessage(message("a", "/chat")).Then(func(r Request, err error) {
			req = r
		})
	})
	srv.nextFrame(t)

	h.onLoop(t, func() {
		assert.NoError(t, req.Abort())
	})
	h.settle(t)

	h.onLoop(t, func() {
		assert.Equal(t, stateUnconnected, ws.state)
	})
	assert.Zero(t, h.shared.Faults.Count(KindWebSocket))
}

func TestWebSocket_UndecodableFrameIsDropped(t *testing.T) {
	srv := newSocketServer(t, func(conn *websocket.Conn, frame []byte, n int) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		acknowledge(conn, frame)
	})
	h := newTestHost(t, srv.URL)
	ws := NewWebSocket(h, h.endpoint)
	require.True(t, probe(t, h, ws))

	h.onLoop(t, func() { ws.SendMessage(message("a", "/chat")) })
	require.Eventually(t, func() bool { return len(h.gotResponses()) == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), h.metrics.decodeFailures.Load())
	assert.Empty(t, h.gotErrors())
	assert.Zero(t, h.shared.Faults.Count(KindWebSocket))
}

func TestWebSocket_SendsConfiguredHeaders(t *testing.T) {
	seen := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := newTestHost(t, strings.Replace(srv.URL, "http://", "ws://", 1))
	h.header.Set("Authorization", "Bearer token")
	ws := NewWebSocket(h, h.endpoint)

	require.True(t, probe(t, h, ws))
	assert.Equal(t, "Bearer token", <-seen)
	h.onLoop(t, ws.Close)
}
