package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

type recordedRequest struct {
	messages []*protocol.Message
	body     []byte
}

type recordingRequester struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recordingRequester) Request(_ context.Context, messages []*protocol.Message, body []byte) Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{messages: messages, body: body})
	return &httpRequest{cancel: func() {}}
}

func (r *recordingRequester) batches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][]string
	for _, req := range r.requests {
		var ids []string
		for _, m := range req.messages {
			ids = append(ids, m.ID)
		}
		out = append(out, ids)
	}
	return out
}

func newTestBatching(t *testing.T) (*testHost, *Batching, *recordingRequester) {
	t.Helper()
	h := newTestHost(t, "http://example.test/bayeux")
	requester := &recordingRequester{}
	return h, NewBatching(h, KindLongPolling, h.endpoint, requester), requester
}

func TestBatching_SizeLimitStartsNewBatch(t *testing.T) {
	h, b, requester := newTestBatching(t)
	h.maxRequestSize = 100

	msgs := []*protocol.Message{
		message("m1", "/chat/room-00001"),
		message("m2", "/chat/room-00001"),
		message("m3", "/chat/room-00001"),
	}
	for _, m := range msgs {
		data, err := protocol.EncodeBatch([]*protocol.Message{m})
		require.NoError(t, err)
		require.Len(t, data, 42, "each message encodes to 40 bytes plus brackets")
	}

	var results []*loop.Future[Request]
	h.onLoop(t, func() {
		for _, m := range msgs {
			results = append(results, b.SendMessage(m))
		}

		// The third message pushed the batch over the limit, so the first
		// two went out before it was queued.
		assert.Equal(t, [][]string{{"m1", "m2"}}, requester.batches())
		assert.Equal(t, 1, b.Pending())

		// The zero-delay flush timer only runs on a later loop turn.
		assert.Same(t, results[0], results[1])
		assert.NotSame(t, results[1], results[2])
		assert.Equal(t, loop.Resolved, results[0].State())
		assert.Equal(t, loop.Pending, results[2].State())
	})

	h.settle(t)
	assert.Equal(t, [][]string{{"m1", "m2"}, {"m3"}}, requester.batches())
	assert.Equal(t, loop.Resolved, results[2].State())

	for _, req := range requester.requests {
		assert.LessOrEqual(t, len(req.body), 100)
	}
}

func TestBatching_OversizedMessageGoesAlone(t *testing.T) {
	h, b, requester := newTestBatching(t)
	h.maxRequestSize = 10

	h.onLoop(t, func() {
		b.SendMessage(message("big", "/chat/room-00001"))
		assert.Empty(t, requester.batches())
	})
	h.settle(t)
	assert.Equal(t, [][]string{{"big"}}, requester.batches())
}

func TestBatching_HandshakeFlushesAfterShortDelay(t *testing.T) {
	h, b, requester := newTestBatching(t)
	h.settings.BatchMaxDelay = time.Second

	h.onLoop(t, func() {
		b.SendMessage(message("hs", protocol.ChannelHandshake))
	})
	h.clock.BlockUntil(1)

	h.clock.Advance(9 * time.Millisecond)
	h.settle(t)
	assert.Empty(t, requester.batches())

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		return len(requester.batches()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"hs"}}, requester.batches())
}

func TestBatching_FirstTimerWins(t *testing.T) {
	h, b, requester := newTestBatching(t)
	h.settings.BatchMaxDelay = 100 * time.Millisecond

	h.onLoop(t, func() {
		b.SendMessage(message("a", "/chat"))
	})
	h.clock.BlockUntil(1)
	h.clock.Advance(60 * time.Millisecond)

	h.onLoop(t, func() {
		b.SendMessage(message("b", "/chat"))
	})
	h.clock.Advance(40 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(requester.batches()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"a", "b"}}, requester.batches())
}

func TestBatching_ConnectAdvice(t *testing.T) {
	t.Run("zeroed when sent with other traffic", func(t *testing.T) {
		h, b, requester := newTestBatching(t)

		hold := 30000
		connect := message("c1", protocol.ChannelConnect)
		connect.Advice = &protocol.Advice{Timeout: &hold}

		h.onLoop(t, func() {
			b.SendMessage(connect)
			b.SendMessage(message("p1", "/chat"))
		})
		h.settle(t)

		require.Len(t, requester.batches(), 1)
		require.NotNil(t, connect.Advice)
		require.NotNil(t, connect.Advice.Timeout)
		assert.Equal(t, 0, *connect.Advice.Timeout)
		assert.Contains(t, string(requester.requests[0].body), `"advice":{"timeout":0}`)
	})

	t.Run("kept when alone", func(t *testing.T) {
		h, b, requester := newTestBatching(t)

		hold := 30000
		connect := message("c1", protocol.ChannelConnect)
		connect.Advice = &protocol.Advice{Timeout: &hold}

		h.onLoop(t, func() {
			b.SendMessage(connect)
		})
		h.settle(t)

		require.Len(t, requester.batches(), 1)
		assert.Equal(t, 30000, *connect.Advice.Timeout)
	})
}

func TestBatching_CloseRejectsUnflushedBatch(t *testing.T) {
	h, b, requester := newTestBatching(t)
	h.settings.BatchMaxDelay = time.Minute

	var result *loop.Future[Request]
	h.onLoop(t, func() {
		result = b.SendMessage(message("a", "/chat"))
		b.Close()
		assert.Zero(t, b.Pending())
	})

	_, err := result.Wait(context.Background())
	assert.True(t, bayeuxerrors.IsCode(err, bayeuxerrors.CodeTransportClosed))

	h.clock.Advance(time.Hour)
	h.settle(t)
	assert.Empty(t, requester.batches())
}

func TestBatching_FlushSpan(t *testing.T) {
	h, b, _ := newTestBatching(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h.tracer = provider.Tracer("test")

	h.onLoop(t, func() {
		b.SendMessage(message("a", "/chat"))
		b.SendMessage(message("b", "/chat"))
	})
	h.settle(t)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "bayeux.batch.flush", spans[0].Name())

	attrs := map[string]int64{}
	for _, kv := range spans[0].Attributes() {
		if kv.Key == observability.AttrBatchSize || kv.Key == observability.AttrBatchBytes {
			attrs[string(kv.Key)] = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(2), attrs[string(observability.AttrBatchSize)])
	assert.Positive(t, attrs[string(observability.AttrBatchBytes)])
	assert.Equal(t, int64(1), h.metrics.batches.Load())
}
