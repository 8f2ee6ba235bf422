package transport

import (
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/loop"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/observability"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
)

// Kind identifies a transport implementation. It doubles as the Bayeux
// connectionType announced to the server.
type Kind string

const (
	// KindWebSocket is the persistent socket transport
	KindWebSocket Kind = config.ConnectionWebSocket

	// KindLongPolling is the batching HTTP transport
	KindLongPolling Kind = config.ConnectionLongPolling
)

// String returns the connection type name
func (k Kind) String() string {
	return string(k)
}

// Request is the handle for a request a transport has in flight
type Request interface {
	// Abort cancels the request. It is best effort and safe to call more
	// than once.
	Abort() error
}

// Transport delivers raw messages to the server.
//
// Every method must be called from the host's loop. Replies and failures
// are reported back through Host.HandleResponse and Host.HandleError, also
// on the loop.
type Transport interface {
	// Kind returns the transport's connection type
	Kind() Kind

	// Endpoint returns the URL the transport talks to
	Endpoint() *url.URL

	// IsUsable probes the transport and reports the outcome to callback
	IsUsable(callback func(usable bool))

	// Connect opens the underlying connection if the transport has one
	Connect()

	// SendMessage queues msg for delivery. The returned future settles with
	// the handle of the request carrying it.
	SendMessage(msg *protocol.Message) *loop.Future[Request]

	// Close releases the transport's connection and timers
	Close()
}

// Host is what a transport needs from the dispatcher that owns it.
// All methods are called on the host's loop.
type Host interface {
	Loop() *loop.Loop
	EndpointFor(kind Kind) *url.URL

	// Headers returns a copy of the headers to send with every request
	Headers() http.Header
	CookieJar() http.CookieJar
	MaxRequestSize() int

	// Liveness is the server's connection timeout; persistent sockets ping
	// at half of it
	Liveness() time.Duration
	Settings() Settings

	Logger() logging.Logger
	Metrics() observability.Recorder
	Tracer() trace.Tracer
	Shared() *Shared

	HandleResponse(reply *protocol.Message)
	HandleError(msg *protocol.Message, immediate bool)
}

// Settings are the transport tunables taken from configuration
type Settings struct {
	BatchMaxDelay       time.Duration
	HandshakeDelay      time.Duration
	HandshakeTimeout    time.Duration
	ReadBufferSize      int
	WriteBufferSize     int
	HTTPRequestTimeout  time.Duration
	MaxIdleConnsPerHost int
	FaultThreshold      int
}

// SettingsFromConfig extracts the transport tunables from cfg
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		BatchMaxDelay:       cfg.Batching.MaxDelay,
		HandshakeDelay:      cfg.Batching.HandshakeDelay,
		HandshakeTimeout:    cfg.WebSocket.HandshakeTimeout,
		ReadBufferSize:      cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:     cfg.WebSocket.WriteBufferSize,
		HTTPRequestTimeout:  cfg.HTTP.RequestTimeout,
		MaxIdleConnsPerHost: cfg.HTTP.MaxIdleConnsPerHost,
		FaultThreshold:      cfg.WebSocket.FaultThreshold,
	}
}

// Factory creates and probes transports of one kind
type Factory interface {
	Kind() Kind

	// IsUsable reports to callback whether the kind can serve endpoint
	IsUsable(host Host, endpoint *url.URL, callback func(usable bool))

	// Create returns the host's transport for endpoint, reusing a live one
	// from the shared registry
	Create(host Host, endpoint *url.URL) Transport
}

// Catalog maps each known kind to its factory
type Catalog map[Kind]Factory

// DefaultCatalog returns the websocket and long-polling factories
func DefaultCatalog() Catalog {
	return Catalog{
		KindWebSocket:   WebSocketFactory{},
		KindLongPolling: LongPollingFactory{},
	}
}

// Kinds returns the catalog's kinds in preference order
func (c Catalog) Kinds() []Kind {
	var kinds []Kind
	for _, kind := range []Kind{KindWebSocket, KindLongPolling} {
		if _, ok := c[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func kindNames(kinds []Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
