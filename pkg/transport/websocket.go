package transport

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

// writeWait bounds a single frame write
const writeWait = 10 * time.Second

// Names of the keepalive timers
const (
	pingTimer        = "ping"
	pingTimeoutTimer = "ping-timeout"
)

type socketState int

const (
	stateUnconnected socketState = iota
	stateConnecting
	stateConnected
)

func (s socketState) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// socketCycle is one connection attempt and, if it opens, the connection
// that results. Its close is handled exactly once.
type socketCycle struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	span   trace.Span

	// shutdown is set once we have asked the connection to go away;
	// expected marks that request as ours rather than a failure.
	shutdown bool
	expected bool
	closed   bool
}

// WebSocketFactory builds websocket transports
type WebSocketFactory struct{}

// Kind returns KindWebSocket
func (WebSocketFactory) Kind() Kind {
	return KindWebSocket
}

// IsUsable opens a real connection to find out. Once the kind has tripped
// the shared fault counter it reports false without dialing.
func (f WebSocketFactory) IsUsable(host Host, endpoint *url.URL, callback func(bool)) {
	if host.Shared().Faults.Tripped(KindWebSocket, host.Settings().FaultThreshold) {
		host.Logger().Debug("Websocket circuit open, skipping probe",
			logging.String("component", "websocket"),
			logging.Int("faults", host.Shared().Faults.Count(KindWebSocket)))
		callback(false)
		return
	}
	if _, err := SocketURL(endpoint); err != nil {
		callback(false)
		return
	}
	f.Create(host, endpoint).IsUsable(callback)
}

// Create returns the host's websocket transport for endpoint
func (WebSocketFactory) Create(host Host, endpoint *url.URL) Transport {
	return host.Shared().Registry.GetOrCreate(host, KindWebSocket, endpoint.String(), func() Transport {
		return NewWebSocket(host, endpoint)
	})
}

// SocketURL maps an HTTP endpoint to its websocket URL
func SocketURL(endpoint *url.URL) (string, error) {
	u := *endpoint
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", bayeuxerrors.TransportUnusable(string(KindWebSocket), endpoint.String(), "scheme "+u.Scheme+" cannot carry a websocket")
	}
	return u.String(), nil
}

// WebSocket is the persistent socket transport. Messages written to the
// socket stay in a pending set until a reply carrying a verdict arrives;
// if the socket closes first they are handed back to the host for
// redelivery.
type WebSocket struct {
	host     Host
	endpoint *url.URL
	loop     *loop.Loop
	logger   logging.Logger
	metrics  observability.Recorder

	state         socketState
	everConnected bool
	cycle         *socketCycle
	ready         *loop.Future[*socketCycle]
	pending       *pendingSet
	timeouts      *loop.Timeouts
}

// NewWebSocket creates an unconnected websocket transport
func NewWebSocket(host Host, endpoint *url.URL) *WebSocket {
	return &WebSocket{
		host:     host,
		endpoint: endpoint,
		loop:     host.Loop(),
		logger: host.Logger().WithFields(
			logging.String("component", "websocket"),
			logging.String("endpoint", endpoint.String()),
		),
		metrics:  host.Metrics(),
		ready:    loop.NewFuture[*socketCycle](),
		pending:  newPendingSet(),
		timeouts: loop.NewTimeouts(host.Loop()),
	}
}

// Kind returns KindWebSocket
func (w *WebSocket) Kind() Kind {
	return KindWebSocket
}

// Endpoint returns the HTTP form of the endpoint
func (w *WebSocket) Endpoint() *url.URL {
	return w.endpoint
}

// IsUsable connects and reports whether the socket opened
func (w *WebSocket) IsUsable(callback func(bool)) {
	w.ready.Then(func(_ *socketCycle, err error) {
		callback(err == nil)
	})
	w.Connect()
}

// Connect starts dialing unless a connection is open or in progress
func (w *WebSocket) Connect() {
	if w.state != stateUnconnected {
		return
	}

	socketURL, err := SocketURL(w.endpoint)
	if err != nil {
		w.ready.Reject(err)
		return
	}

	w.state = stateConnecting
	w.logger.Info("Websocket transport attempting connection")

	ctx, cancel := context.WithCancel(context.Background())
	_, span := w.host.Tracer().Start(ctx, "bayeux.websocket.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			observability.AttrConnectionType.String(string(KindWebSocket)),
			observability.AttrEndpoint.String(socketURL),
		))

	cycle := &socketCycle{cancel: cancel, span: span}
	w.cycle = cycle

	settings := w.host.Settings()
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   settings.ReadBufferSize,
		WriteBufferSize:  settings.WriteBufferSize,
		Jar:              w.host.CookieJar(),
	}
	header := w.host.Headers()
	started := w.loop.Now()

	go func() {
		conn, resp, err := dialer.DialContext(ctx, socketURL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		posted := w.loop.Post(func() {
			w.onDial(cycle, conn, err, started)
		})
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (w *WebSocket) onDial(cycle *socketCycle, conn *websocket.Conn, err error, started time.Time) {
	elapsed := w.loop.Now().Sub(started)

	if cycle.closed || cycle.shutdown {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		w.metrics.TransportEvent(string(KindWebSocket), "connect", "failure", elapsed)
		w.handleClose(cycle, bayeuxerrors.ConnectionFailed(string(KindWebSocket), w.endpoint.String(), err))
		return
	}

	w.metrics.TransportEvent(string(KindWebSocket), "connect", "success", elapsed)
	w.logger.Info("Websocket socket opened successfully", logging.Duration("elapsed", elapsed))

	cycle.conn = conn
	cycle.span.End()
	w.state = stateConnected
	w.everConnected = true

	go w.readLoop(cycle)

	w.armKeepalive()
	w.ready.Resolve(cycle)
}

func (w *WebSocket) readLoop(cycle *socketCycle) {
	for {
		_, data, err := cycle.conn.ReadMessage()
		if err != nil {
			w.loop.Post(func() {
				w.handleClose(cycle, bayeuxerrors.ConnectionLost(string(KindWebSocket), w.endpoint.String(), err))
			})
			return
		}
		if !w.loop.Post(func() { w.handleFrame(cycle, data) }) {
			_ = cycle.conn.Close()
			return
		}
	}
}

// SendMessage adds msg to the pending set and writes it once the socket
// is open. The returned future is already resolved: its Request aborts by
// closing the socket the message was queued on.
func (w *WebSocket) SendMessage(msg *protocol.Message) *loop.Future[Request] {
	w.pending.add(msg)
	w.Connect()

	req := &socketRequest{transport: w, cycle: w.cycle}
	w.ready.Then(func(cycle *socketCycle, err error) {
		if err != nil || cycle != w.cycle || w.state != stateConnected {
			return
		}
		if !w.pending.has(msg) {
			return
		}
		data, err := protocol.EncodeBatch([]*protocol.Message{msg})
		if err != nil {
			w.logger.WithError(bayeuxerrors.EncodeFailed(string(KindWebSocket), err)).Error("Dropping unencodable message",
				logging.String("message_id", msg.ID))
			return
		}
		if err := w.write(cycle, data); err != nil {
			w.logger.Warn("Websocket write failed", logging.ErrorField(err))
			w.shutdown(cycle, false, bayeuxerrors.ConnectionLost(string(KindWebSocket), w.endpoint.String(), err))
		}
	})
	return loop.ResolvedFuture[Request](req)
}

// Close closes the socket. Messages still pending are handed back to the
// host once the close has been processed.
func (w *WebSocket) Close() {
	if w.cycle == nil {
		return
	}
	w.logger.Info("Websocket transport close requested")
	w.shutdown(w.cycle, true, bayeuxerrors.TransportClosed(string(KindWebSocket)))
}

func (w *WebSocket) write(cycle *socketCycle, data []byte) error {
	_ = cycle.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cycle.conn.WriteMessage(websocket.TextMessage, data)
}

// shutdown tears cycle down and queues its close handling. The close is
// expected when we asked for it, which keeps it out of the fault count.
func (w *WebSocket) shutdown(cycle *socketCycle, expected bool, cause error) {
	if cycle.shutdown || cycle.closed {
		return
	}
	cycle.shutdown = true
	cycle.expected = expected
	cycle.cancel()

	if cycle.conn != nil {
		if expected {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = cycle.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		}
		_ = cycle.conn.Close()
	}

	w.loop.Post(func() {
		w.handleClose(cycle, cause)
	})
}

func (w *WebSocket) handleClose(cycle *socketCycle, cause error) {
	if cycle.closed {
		return
	}
	cycle.closed = true
	cycle.cancel()
	if cycle.conn != nil {
		_ = cycle.conn.Close()
	} else {
		observability.RecordError(cycle.span, cause)
		cycle.span.End()
	}

	w.host.Shared().Registry.Remove(w.host, w)

	if cycle.expected {
		w.logger.Info("Websocket closed as expected")
	} else {
		faults := w.host.Shared().Faults.Increment(KindWebSocket)
		w.metrics.TransportFault(string(KindWebSocket))
		w.logger.WithError(cause).Warn("Websocket closed unexpectedly", logging.Int("faults", faults))
	}

	wasConnected := w.state == stateConnected
	w.state = stateUnconnected
	w.cycle = nil
	w.timeouts.RemoveAll()

	previous := w.ready
	w.ready = loop.NewFuture[*socketCycle]()
	if cause == nil {
		cause = bayeuxerrors.TransportClosed(string(KindWebSocket))
	}
	previous.Reject(cause)

	pending := w.pending.drain()
	switch {
	case wasConnected:
		for _, msg := range pending {
			w.host.HandleError(msg, true)
		}
	case w.everConnected:
		for _, msg := range pending {
			w.host.HandleError(msg, false)
		}
	}
}

func (w *WebSocket) handleFrame(cycle *socketCycle, data []byte) {
	if cycle != w.cycle || cycle.closed {
		return
	}

	replies, err := protocol.DecodeFrame(data)
	if err != nil {
		w.metrics.DecodeFailure(string(KindWebSocket))
		w.logger.WithError(bayeuxerrors.DecodeFailed(string(KindWebSocket), len(data), err)).Warn("Dropping undecodable frame")
		return
	}

	live := false
	for _, reply := range replies {
		if !reply.HasVerdict() {
			continue
		}
		live = true
		w.pending.remove(reply.ID)
	}
	if live {
		w.timeouts.Remove(pingTimeoutTimer)
	}

	for _, reply := range replies {
		w.host.HandleResponse(reply)
	}
}

// armKeepalive schedules the next ping at half the liveness interval and
// the liveness deadline at two thirds of it. Timers already armed keep
// their original deadline.
func (w *WebSocket) armKeepalive() {
	liveness := w.host.Liveness()
	if liveness <= 0 {
		return
	}
	w.timeouts.Add(pingTimer, liveness/2, w.ping)
	w.timeouts.Add(pingTimeoutTimer, liveness*2/3, func() {
		w.onPingTimeout(liveness * 2 / 3)
	})
}

func (w *WebSocket) ping() {
	cycle := w.cycle
	if cycle == nil || w.state != stateConnected {
		return
	}

	w.logger.Debug("Websocket transport ping")
	if err := w.write(cycle, protocol.KeepaliveFrame); err != nil {
		w.metrics.KeepalivePing("failed")
		w.shutdown(cycle, false, bayeuxerrors.ConnectionLost(string(KindWebSocket), w.endpoint.String(), err))
		return
	}
	w.metrics.KeepalivePing("sent")
	w.armKeepalive()
}

func (w *WebSocket) onPingTimeout(after time.Duration) {
	cycle := w.cycle
	if cycle == nil {
		return
	}
	w.metrics.KeepalivePing("timeout")
	w.shutdown(cycle, false, bayeuxerrors.PingTimeout(string(KindWebSocket), w.endpoint.String(), after))
}

// socketRequest aborts by closing the socket it was sent on
type socketRequest struct {
	transport *WebSocket
	cycle     *socketCycle
}

func (r *socketRequest) Abort() error {
	if r.cycle == nil {
		return nil
	}
	r.transport.shutdown(r.cycle, true, bayeuxerrors.TransportClosed(string(KindWebSocket)))
	return nil
}

// pendingSet is the insertion-ordered set of messages awaiting a verdict,
// keyed by message id
type pendingSet struct {
	order []*protocol.Message
	index map[string]int
}

func newPendingSet() *pendingSet {
	return &pendingSet{index: make(map[string]int)}
}

func (p *pendingSet) add(msg *protocol.Message) {
	if _, ok := p.index[msg.ID]; ok {
		return
	}
	p.index[msg.ID] = len(p.order)
	p.order = append(p.order, msg)
}

func (p *pendingSet) has(msg *protocol.Message) bool {
	_, ok := p.index[msg.ID]
	return ok
}

func (p *pendingSet) remove(id string) {
	i, ok := p.index[id]
	if !ok {
		return
	}
	delete(p.index, id)
	p.order = append(p.order[:i], p.order[i+1:]...)
	for j := i; j < len(p.order); j++ {
		p.index[p.order[j].ID] = j
	}
}

func (p *pendingSet) drain() []*protocol.Message {
	out := p.order
	p.order = nil
	p.index = make(map[string]int)
	return out
}

func (p *pendingSet) len() int {
	return len(p.order)
}
