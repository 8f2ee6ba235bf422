package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

// maxResponseSize caps how much of a response body is read
const maxResponseSize = 10 * 1024 * 1024

// LongPollingFactory builds batching transports that POST to the endpoint
type LongPollingFactory struct{}

// Kind returns KindLongPolling
func (LongPollingFactory) Kind() Kind {
	return KindLongPolling
}

// IsUsable reports whether endpoint is an HTTP URL
func (LongPollingFactory) IsUsable(host Host, endpoint *url.URL, callback func(bool)) {
	callback(endpoint != nil && (endpoint.Scheme == "http" || endpoint.Scheme == "https"))
}

// Create returns the host's long-polling transport for endpoint
func (LongPollingFactory) Create(host Host, endpoint *url.URL) Transport {
	return host.Shared().Registry.GetOrCreate(host, KindLongPolling, endpoint.String(), func() Transport {
		return NewLongPolling(host, endpoint)
	})
}

// NewLongPolling creates a batching transport backed by HTTP POST requests
func NewLongPolling(host Host, endpoint *url.URL) *Batching {
	return NewBatching(host, KindLongPolling, endpoint, NewHTTPRequester(host, endpoint))
}

var (
	sharedClientsMu sync.Mutex
	sharedClients   = make(map[int]*http.Transport)
)

// roundTripper returns a pooled transport for the idle-connection limit
// so that dispatchers reuse connections
func roundTripper(maxIdlePerHost int) *http.Transport {
	sharedClientsMu.Lock()
	defer sharedClientsMu.Unlock()

	if rt, ok := sharedClients[maxIdlePerHost]; ok {
		return rt
	}
	rt := http.DefaultTransport.(*http.Transport).Clone()
	if maxIdlePerHost > 0 {
		rt.MaxIdleConnsPerHost = maxIdlePerHost
	}
	sharedClients[maxIdlePerHost] = rt
	return rt
}

// HTTPRequester posts encoded batches to an endpoint
type HTTPRequester struct {
	host     Host
	endpoint *url.URL
	client   *http.Client
	loop     *loop.Loop
	tracer   trace.Tracer
	logger   logging.Logger
}

// NewHTTPRequester creates a requester using the host's cookie jar and
// connection settings
func NewHTTPRequester(host Host, endpoint *url.URL) *HTTPRequester {
	settings := host.Settings()
	return &HTTPRequester{
		host:     host,
		endpoint: endpoint,
		client: &http.Client{
			Transport: roundTripper(settings.MaxIdleConnsPerHost),
			Jar:       host.CookieJar(),
			Timeout:   settings.HTTPRequestTimeout,
		},
		loop:   host.Loop(),
		tracer: host.Tracer(),
		logger: host.Logger().WithFields(
			logging.String("component", "long-polling"),
			logging.String("endpoint", endpoint.String()),
		),
	}
}

type httpRequest struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func (r *httpRequest) Abort() error {
	r.aborted.Store(true)
	r.cancel()
	return nil
}

// Request starts the exchange in the background. Replies are passed to
// Host.HandleResponse; a failed exchange hands every message to
// Host.HandleError for a delayed retry. An aborted request reports nothing.
func (r *HTTPRequester) Request(ctx context.Context, messages []*protocol.Message, body []byte) Request {
	ctx, cancel := context.WithCancel(ctx)
	req := &httpRequest{cancel: cancel}
	header := r.host.Headers()
	started := r.loop.Now()

	go func() {
		defer cancel()
		replies, err := r.roundTrip(ctx, header, body)
		elapsed := r.loop.Now().Sub(started)
		r.loop.Post(func() {
			if req.aborted.Load() {
				return
			}
			r.complete(messages, replies, err, elapsed)
		})
	}()

	return req
}

func (r *HTTPRequester) roundTrip(ctx context.Context, header http.Header, body []byte) ([]*protocol.Message, error) {
	ctx, span := r.tracer.Start(ctx, "bayeux.http.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPMethod(http.MethodPost),
			observability.AttrBatchBytes.Int(len(body)),
			observability.AttrEndpoint.String(r.endpoint.String()),
		))
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, bayeuxerrors.InvalidEndpoint(r.endpoint.String(), err)
	}
	for name, values := range header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		err = bayeuxerrors.TransportError(string(KindLongPolling), "request", err)
		observability.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(semconv.HTTPStatusCode(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		err := bayeuxerrors.HTTPStatus(r.endpoint.String(), resp.StatusCode)
		observability.RecordError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		err = bayeuxerrors.TransportError(string(KindLongPolling), "read response", err)
		observability.RecordError(span, err)
		return nil, err
	}

	replies, err := protocol.DecodeFrame(data)
	if err != nil {
		err = bayeuxerrors.DecodeFailed(string(KindLongPolling), len(data), err)
		observability.RecordError(span, err)
		return nil, err
	}
	return replies, nil
}

func (r *HTTPRequester) complete(messages []*protocol.Message, replies []*protocol.Message, err error, elapsed time.Duration) {
	metrics := r.host.Metrics()

	if err != nil {
		if bayeuxerrors.IsCode(err, bayeuxerrors.CodeDecodeFailed) {
			metrics.DecodeFailure(string(KindLongPolling))
			metrics.TransportEvent(string(KindLongPolling), "request", "decode_error", elapsed)
			r.logger.WithError(err).Warn("Dropping undecodable response")
			return
		}

		// Failed messages always go back for a delayed retry; the status
		// marks rejections that are not retryable.
		retryable := bayeuxerrors.IsRetryable(err)
		status := "failure"
		if !retryable {
			status = "rejected"
		}
		metrics.TransportEvent(string(KindLongPolling), "request", status, elapsed)

		logger := r.logger.WithError(err)
		fields := []logging.Field{logging.Int("messages", len(messages)), logging.Bool("retryable", retryable)}
		if bayeuxerrors.IsCategory(err, bayeuxerrors.CategoryValidation) {
			logger.Error("Request could not be built", fields...)
		} else {
			logger.Warn("Request failed", fields...)
		}
		for _, msg := range messages {
			r.host.HandleError(msg, false)
		}
		return
	}

	metrics.TransportEvent(string(KindLongPolling), "request", statusLabel(len(replies)), elapsed)
	for _, reply := range replies {
		r.host.HandleResponse(reply)
	}
}

func statusLabel(replies int) string {
	if replies == 0 {
		return "empty"
	}
	return "success"
}
