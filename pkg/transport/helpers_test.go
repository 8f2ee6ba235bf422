package transport

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

type hostError struct {
	id        string
	immediate bool
}

// testHost records what transports report back and lets tests tune the
// settings a dispatcher would normally supply.
type testHost struct {
	loop     *loop.Loop
	clock    clockwork.FakeClock
	endpoint *url.URL
	shared   *Shared
	jar      http.CookieJar
	header   http.Header
	metrics  *countingRecorder
	tracer   trace.Tracer

	settings       Settings
	maxRequestSize int
	liveness       time.Duration

	mu        sync.Mutex
	responses []*protocol.Message
	errors    []hostError
}

func newTestHost(t *testing.T, endpoint string) *testHost {
	t.Helper()

	u, err := url.Parse(endpoint)
	require.NoError(t, err)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	l := loop.New(loop.WithClock(clock))
	t.Cleanup(l.Close)

	return &testHost{
		loop:           l,
		clock:          clock,
		endpoint:       u,
		shared:         NewShared(),
		jar:            jar,
		header:         http.Header{},
		metrics:        &countingRecorder{},
		tracer:         observability.NoopTracer(),
		settings:       SettingsFromConfig(config.Default()),
		maxRequestSize: 2048,
	}
}

func (h *testHost) Loop() *loop.Loop { return h.loop }
func (h *testHost) EndpointFor(Kind) *url.URL { return h.endpoint }
func (h *testHost) Headers() http.Header { return h.header.Clone() }
func (h *testHost) CookieJar() http.CookieJar { return h.jar }
func (h *testHost) MaxRequestSize() int { return h.maxRequestSize }
func (h *testHost) Liveness() time.Duration { return h.liveness }
func (h *testHost) Settings() Settings { return h.settings }
func (h *testHost) Logger() logging.Logger { return logging.NewNop() }
func (h *testHost) Metrics() observability.Recorder { return h.metrics }
func (h *testHost) Tracer() trace.Tracer { return h.tracer }
func (h *testHost) Shared() *Shared { return h.shared }

func (h *testHost) HandleResponse(reply *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, reply)
}

func (h *testHost) HandleError(msg *protocol.Message, immediate bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, hostError{id: msg.ID, immediate: immediate})
}

func (h *testHost) gotResponses() []*protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Message(nil), h.responses...)
}

func (h *testHost) gotErrors() []hostError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostError(nil), h.errors...)
}

// onLoop runs fn on the host's loop and waits for it
func (h *testHost) onLoop(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.loop.Call(ctx, fn))
}

// settle lets goroutines that post back to the loop catch up
func (h *testHost) settle(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	h.onLoop(t, func() {})
}

type countingRecorder struct {
	observability.NopRecorder

	faults         atomic.Int64
	decodeFailures atomic.Int64
	pings          sync.Map
	batches        atomic.Int64
	events         sync.Map
}

func (r *countingRecorder) TransportEvent(_, event, status string, _ time.Duration) {
	n, _ := r.events.LoadOrStore(event+"/"+status, new(atomic.Int64))
	n.(*atomic.Int64).Add(1)
}

func (r *countingRecorder) eventCount(event, status string) int64 {
	n, ok := r.events.Load(event + "/" + status)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func (r *countingRecorder) TransportFault(string) {
	r.faults.Add(1)
}

func (r *countingRecorder) DecodeFailure(string) {
	r.decodeFailures.Add(1)
}

func (r *countingRecorder) KeepalivePing(status string) {
	n, _ := r.pings.LoadOrStore(status, new(atomic.Int64))
	n.(*atomic.Int64).Add(1)
}

func (r *countingRecorder) BatchFlushed(string, int, int) {
	r.batches.Add(1)
}

func (r *countingRecorder) pingCount(status string) int64 {
	n, ok := r.pings.Load(status)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func message(id, channel string) *protocol.Message {
	return &protocol.Message{ID: id, Channel: channel}
}

func reply(id, channel string, ok bool) *protocol.Message {
	m := message(id, channel)
	m.SetSuccessful(ok)
	return m
}
