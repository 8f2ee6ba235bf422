package dispatcher

import (
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

// host is the dispatcher as its transports see it. Every method runs on
// the dispatcher loop, so it reads loop-owned state directly.
type host struct {
	d *Dispatcher
}

var _ transport.Host = (*host)(nil)

func (h *host) Loop() *loop.Loop { return h.d.loop }

func (h *host) EndpointFor(kind transport.Kind) *url.URL { return h.d.EndpointFor(kind) }

func (h *host) Headers() http.Header { return h.d.headers.Clone() }

func (h *host) CookieJar() http.CookieJar { return h.d.opts.jar }

func (h *host) MaxRequestSize() int { return h.d.cfg.MaxRequestSize }

func (h *host) Liveness() time.Duration { return h.d.liveness }

func (h *host) Settings() transport.Settings { return h.d.settings }

func (h *host) Logger() logging.Logger { return h.d.logger }

func (h *host) Metrics() observability.Recorder { return h.d.opts.metrics }

func (h *host) Tracer() trace.Tracer { return h.d.opts.tracer }

func (h *host) Shared() *transport.Shared { return h.d.opts.shared }

func (h *host) HandleResponse(reply *protocol.Message) {
	h.d.handleResponse(reply)
}

func (h *host) HandleError(msg *protocol.Message, immediate bool) {
	h.d.handleError(msg, immediate)
}
