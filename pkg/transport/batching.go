package transport

import (
	"context"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

const publishTimer = "publish"

// Requester sends one encoded batch as a single request/response exchange
// and reports the outcome to the host. It must not block.
type Requester interface {
	Request(ctx context.Context, messages []*protocol.Message, body []byte) Request
}

// RequesterFunc adapts a function to Requester
type RequesterFunc func(ctx context.Context, messages []*protocol.Message, body []byte) Request

// Request calls f
func (f RequesterFunc) Request(ctx context.Context, messages []*protocol.Message, body []byte) Request {
	return f(ctx, messages, body)
}

// Batching coalesces outbound messages into size-bounded requests. Every
// message flushed together shares one future.
type Batching struct {
	host      Host
	kind      Kind
	endpoint  *url.URL
	requester Requester
	logger    logging.Logger
	metrics   observability.Recorder

	outbox         []*protocol.Message
	connectMessage *protocol.Message
	result         *loop.Future[Request]
	timeouts       *loop.Timeouts
}

// NewBatching creates a batching transport that hands flushed batches to
// requester
func NewBatching(host Host, kind Kind, endpoint *url.URL, requester Requester) *Batching {
	return &Batching{
		host:      host,
		kind:      kind,
		endpoint:  endpoint,
		requester: requester,
		logger: host.Logger().WithFields(
			logging.String("component", "batching"),
			logging.String("connection_type", string(kind)),
		),
		metrics:  host.Metrics(),
		timeouts: loop.NewTimeouts(host.Loop()),
	}
}

// Kind returns the connection type this transport was built for
func (b *Batching) Kind() Kind {
	return b.kind
}

// Endpoint returns the request URL
func (b *Batching) Endpoint() *url.URL {
	return b.endpoint
}

// IsUsable reports true; usability is decided by the factory
func (b *Batching) IsUsable(callback func(bool)) {
	callback(true)
}

// Connect is a no-op: every request opens its own exchange
func (b *Batching) Connect() {}

// SendMessage appends msg to the outbox and schedules a flush. A handshake
// flushes after the short handshake delay, anything else after the
// configured max delay. The timer armed by the first message of a batch
// wins.
func (b *Batching) SendMessage(msg *protocol.Message) *loop.Future[Request] {
	b.logger.Debug("Queueing message", logging.String("message_id", msg.ID), logging.String("channel", msg.Channel))

	b.outbox = append(b.outbox, msg)
	b.flushLargeBatch()
	if b.result == nil {
		b.result = loop.NewFuture[Request]()
	}
	result := b.result

	settings := b.host.Settings()
	if msg.Channel == protocol.ChannelHandshake {
		b.timeouts.Add(publishTimer, settings.HandshakeDelay, b.flush)
		return result
	}

	if msg.Channel == protocol.ChannelConnect {
		b.connectMessage = msg
	}

	b.timeouts.Add(publishTimer, settings.BatchMaxDelay, b.flush)
	return result
}

// Close drops the unflushed batch and rejects its shared result
func (b *Batching) Close() {
	b.timeouts.RemoveAll()
	if b.result != nil {
		b.result.Reject(bayeuxerrors.TransportClosed(string(b.kind)))
	}
	b.outbox = nil
	b.connectMessage = nil
	b.result = nil
	b.host.Shared().Registry.Remove(b.host, b)
}

// Pending returns the number of messages waiting in the outbox
func (b *Batching) Pending() int {
	return len(b.outbox)
}

func (b *Batching) flush() {
	b.timeouts.Remove(publishTimer)

	// A connect sent alongside other traffic must not ask the server to
	// hold the response open.
	if len(b.outbox) > 1 && b.connectMessage != nil {
		zero := 0
		b.connectMessage.Advice = &protocol.Advice{Timeout: &zero}
	}

	outbox, result := b.outbox, b.result
	b.outbox = nil
	b.connectMessage = nil
	b.result = nil

	if len(outbox) == 0 {
		return
	}

	ctx, span := b.host.Tracer().Start(context.Background(), "bayeux.batch.flush",
		trace.WithAttributes(
			observability.AttrConnectionType.String(string(b.kind)),
			observability.AttrEndpoint.String(b.endpoint.String()),
			observability.AttrBatchSize.Int(len(outbox)),
		))
	defer span.End()

	body, err := protocol.EncodeBatch(outbox)
	if err != nil {
		encErr := bayeuxerrors.EncodeFailed(string(b.kind), err)
		observability.RecordError(span, encErr)
		b.logger.WithError(encErr).Error("Dropping batch that could not be encoded", logging.Int("messages", len(outbox)))
		result.Reject(encErr)
		return
	}
	span.SetAttributes(observability.AttrBatchBytes.Int(len(body)))

	b.metrics.BatchFlushed(string(b.kind), len(outbox), len(body))
	b.logger.Debug("Flushing batch", logging.Int("messages", len(outbox)), logging.Int("bytes", len(body)))

	result.Resolve(b.requester.Request(ctx, outbox, body))
}

// flushLargeBatch keeps the outbox under the host's request size limit. If
// the message just appended pushed the encoding over the limit, everything
// before it is flushed now and it starts the next batch alone.
func (b *Batching) flushLargeBatch() {
	if len(b.outbox) < 2 {
		return
	}
	body, err := protocol.EncodeBatch(b.outbox)
	if err != nil || len(body) <= b.host.MaxRequestSize() {
		return
	}

	last := b.outbox[len(b.outbox)-1]
	b.outbox = b.outbox[:len(b.outbox)-1]
	b.flush()
	b.outbox = append(b.outbox, last)
}
