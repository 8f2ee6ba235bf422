package dispatcher

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/utils"
)

// bayeuxServer acknowledges every message it receives, over long-polling
// POSTs and, unless refuseSockets is set, over websocket frames
type bayeuxServer struct {
	*httptest.Server
	refuseSockets atomic.Bool
	posts         atomic.Int32
	frames        atomic.Int32
}

func newBayeuxServer(t *testing.T) *bayeuxServer {
	t.Helper()
	s := &bayeuxServer{}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			if s.refuseSockets.Load() {
				http.Error(w, "websocket disabled", http.StatusBadRequest)
				return
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				batch, err := protocol.DecodeFrame(data)
				if err != nil || len(batch) == 0 {
					continue
				}
				s.frames.Add(1)
				if err := conn.WriteJSON(acknowledge(batch)); err != nil {
					return
				}
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batch, err := protocol.DecodeFrame(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.posts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(acknowledge(batch))
	}))
	t.Cleanup(s.Close)
	return s
}

func acknowledge(batch []*protocol.Message) []*protocol.Message {
	replies := make([]*protocol.Message, 0, len(batch))
	for _, m := range batch {
		replies = append(replies, reply(m.ID, m.Channel, true))
	}
	return replies
}

func newLiveDispatcher(t *testing.T, endpoint string) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.Timeout = 5 * time.Second
	cfg.Liveness = 0

	d, err := New(cfg, WithLogger(logging.NewNop()), WithShared(transport.NewShared()))
	require.NoError(t, err)
	return d
}

func roundTrip(t *testing.T, d *Dispatcher, channel string) *protocol.Message {
	t.Helper()
	ctx := testContext(t)

	received := make(chan *protocol.Message, 1)
	msg := protocol.NewMessage(channel)
	d.OnMessage(func(m *protocol.Message) {
		if m.ID == msg.ID {
			received <- m
		}
	})
	require.NoError(t, d.SendMessage(ctx, msg, 0))

	select {
	case m := <-received:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply for %s", channel)
		return nil
	}
}

func TestDispatcher_LongPolling(t *testing.T) {
	srv := newBayeuxServer(t)
	d := newLiveDispatcher(t, srv.URL+"/bayeux")
	defer d.Stop()
	ctx := testContext(t)

	require.NoError(t, d.SelectTransport(ctx, transport.KindLongPolling))
	got := roundTrip(t, d, protocol.ChannelHandshake)

	assert.True(t, got.IsSuccessful())
	assert.Equal(t, StateUp, d.State())
	assert.Equal(t, int32(1), srv.posts.Load())

	n, err := d.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_WebSocket(t *testing.T) {
	srv := newBayeuxServer(t)
	d := newLiveDispatcher(t, srv.URL+"/bayeux")
	defer d.Stop()
	ctx := testContext(t)

	require.NoError(t, d.SelectTransport(ctx))
	assert.Equal(t, transport.KindWebSocket, d.ConnectionType())

	got := roundTrip(t, d, "/chat/demo")
	assert.True(t, got.IsSuccessful())
	assert.Equal(t, int32(1), srv.frames.Load())
	assert.Zero(t, srv.posts.Load())
}

func TestDispatcher_FallsBackToLongPolling(t *testing.T) {
	srv := newBayeuxServer(t)
	srv.refuseSockets.Store(true)
	d := newLiveDispatcher(t, srv.URL+"/bayeux")
	defer d.Stop()
	ctx := testContext(t)

	require.NoError(t, d.SelectTransport(ctx))
	assert.Equal(t, transport.KindLongPolling, d.ConnectionType())

	roundTrip(t, d, "/chat/demo")
	assert.Equal(t, int32(1), srv.posts.Load())
}

func TestDispatcher_StopLeaksNoGoroutines(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()

	srv := newBayeuxServer(t)
	for _, kind := range []transport.Kind{transport.KindWebSocket, transport.KindLongPolling} {
		d := newLiveDispatcher(t, srv.URL+"/bayeux")
		require.NoError(t, d.SelectTransport(testContext(t), kind))
		roundTrip(t, d, "/chat/demo")
		d.Stop()
	}
	srv.Close()

	detector.Check()
}
