package dispatcher

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

type fakeRequest struct {
	aborts atomic.Int32
}

func (r *fakeRequest) Abort() error {
	r.aborts.Add(1)
	return nil
}

// fakeTransport records what the dispatcher hands it and never answers
type fakeTransport struct {
	kind     transport.Kind
	endpoint *url.URL

	mu       sync.Mutex
	sent     []*protocol.Message
	requests []*fakeRequest
	closes   int
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }
func (f *fakeTransport) Endpoint() *url.URL { return f.endpoint }
func (f *fakeTransport) IsUsable(cb func(bool)) { cb(true) }
func (f *fakeTransport) Connect() {}

func (f *fakeTransport) SendMessage(msg *protocol.Message) *loop.Future[transport.Request] {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := &fakeRequest{}
	f.sent = append(f.sent, msg)
	f.requests = append(f.requests, req)
	return loop.ResolvedFuture[transport.Request](req)
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeTransport) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) request(i int) *fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeFactory struct {
	kind   transport.Kind
	usable bool

	mu      sync.Mutex
	created *fakeTransport
}

func (f *fakeFactory) Kind() transport.Kind { return f.kind }

func (f *fakeFactory) IsUsable(_ transport.Host, _ *url.URL, cb func(bool)) {
	cb(f.usable)
}

func (f *fakeFactory) Create(host transport.Host, endpoint *url.URL) transport.Transport {
	return host.Shared().Registry.GetOrCreate(host, f.kind, endpoint.String(), func() transport.Transport {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.created = &fakeTransport{kind: f.kind, endpoint: endpoint}
		return f.created
	})
}

func (f *fakeFactory) transport() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type countingRecorder struct {
	observability.NopRecorder

	mu      sync.Mutex
	dropped map[string]int
	retried map[bool]int
	states  []string
	acked   int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{dropped: map[string]int{}, retried: map[bool]int{}}
}

func (r *countingRecorder) MessageDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *countingRecorder) MessageRetried(immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried[immediate]++
}

func (r *countingRecorder) MessageAcked(string, bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked++
}

func (r *countingRecorder) ConnectionState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *countingRecorder) droppedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

func (r *countingRecorder) retriedCount(immediate bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retried[immediate]
}

type testDispatcher struct {
	*Dispatcher
	clock   clockwork.FakeClock
	ws      *fakeFactory
	lp      *fakeFactory
	shared  *transport.Shared
	metrics *countingRecorder
}

func newTestDispatcher(t *testing.T, tune ...func(*config.Config)) *testDispatcher {
	t.Helper()

	cfg := config.Default()
	cfg.Endpoint = "http://example.test/bayeux"
	cfg.Timeout = time.Second
	cfg.Retry = 5 * time.Second
	for _, fn := range tune {
		fn(cfg)
	}

	td := &testDispatcher{
		clock:   clockwork.NewFakeClock(),
		ws:      &fakeFactory{kind: transport.KindWebSocket},
		lp:      &fakeFactory{kind: transport.KindLongPolling, usable: true},
		shared:  transport.NewShared(),
		metrics: newCountingRecorder(),
	}

	d, err := New(cfg,
		WithLogger(logging.NewNop()),
		WithMetrics(td.metrics),
		WithClock(td.clock),
		WithShared(td.shared),
		WithCatalog(transport.Catalog{
			transport.KindWebSocket:   td.ws,
			transport.KindLongPolling: td.lp,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	td.Dispatcher = d
	return td
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (td *testDispatcher) pending(t *testing.T) int {
	t.Helper()
	n, err := td.Pending(testContext(t))
	require.NoError(t, err)
	return n
}

// step advances the clock once a single timer is armed
func (td *testDispatcher) step(d time.Duration) {
	td.clock.BlockUntil(1)
	td.clock.Advance(d)
}

func reply(id, channel string, ok bool) *protocol.Message {
	m := &protocol.Message{ID: id, Channel: channel}
	m.SetSuccessful(ok)
	return m
}
