package benchmarks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

// newAckServer starts a server acknowledging every message it receives,
// over websocket frames and long-polling POSTs alike
func newAckServer(tb testing.TB) *httptest.Server {
	tb.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
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
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(acknowledge(batch))
	}))
	tb.Cleanup(srv.Close)
	return srv
}

func acknowledge(batch []*protocol.Message) []*protocol.Message {
	replies := make([]*protocol.Message, 0, len(batch))
	for _, m := range batch {
		r := &protocol.Message{ID: m.ID, Channel: m.Channel}
		r.SetSuccessful(true)
		replies = append(replies, r)
	}
	return replies
}
