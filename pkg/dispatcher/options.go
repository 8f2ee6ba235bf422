package dispatcher

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

// Option configures a Dispatcher
type Option func(*options)

type options struct {
	logger  logging.Logger
	metrics observability.Recorder
	tracer  trace.Tracer
	clock   clockwork.Clock
	shared  *transport.Shared
	catalog transport.Catalog
	jar     http.CookieJar
}

// WithLogger sets the logger. Without it the dispatcher builds one from the
// log section of its configuration.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder observability.Recorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

// WithTracer sets the tracer used for transport spans. The default is the
// tracer of the global OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithClock replaces the clock driving every timer
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithShared sets the fault counters and transport registry. Dispatchers
// share transport.DefaultShared() unless told otherwise.
func WithShared(shared *transport.Shared) Option {
	return func(o *options) {
		o.shared = shared
	}
}

// WithCatalog replaces the transport factories
func WithCatalog(catalog transport.Catalog) Option {
	return func(o *options) {
		o.catalog = catalog
	}
}

// WithCookieJar sets the cookie jar shared by every transport
func WithCookieJar(jar http.CookieJar) Option {
	return func(o *options) {
		o.jar = jar
	}
}

// SendOption adjusts the delivery policy of a single message
type SendOption func(*sendOptions)

type sendOptions struct {
	attempts    int
	hasAttempts bool
	deadline    time.Time
	within      time.Duration
	hasWithin   bool
}

// WithAttempts limits how many times the message is handed to a transport
func WithAttempts(n int) SendOption {
	return func(o *sendOptions) {
		o.attempts = n
		o.hasAttempts = true
	}
}

// WithDeadline stops redelivery once d has passed since the first send
func WithDeadline(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.within = d
		o.hasWithin = true
	}
}

// WithDeadlineAt stops redelivery after t
func WithDeadlineAt(t time.Time) SendOption {
	return func(o *sendOptions) {
		o.deadline = t
	}
}
