package observability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives delivery and transport events from the dispatcher and
// its transports. Implementations must be safe for concurrent use.
type Recorder interface {
	// Delivery
	MessageSent(connectionType, channel string)
	MessageAcked(channel string, successful bool, latency time.Duration)
	MessageRetried(immediate bool)
	MessageDropped(reason string)

	// Connection
	ConnectionState(state string)
	TransportSelected(connectionType string)
	TransportFault(connectionType string)
	TransportEvent(connectionType, event, status string, duration time.Duration)

	// Wire
	BatchFlushed(connectionType string, messages, bytes int)
	KeepalivePing(status string)
	DecodeFailure(connectionType string)
}

// NopRecorder discards every event
type NopRecorder struct{}

func (NopRecorder) MessageSent(string, string) {}
func (NopRecorder) MessageAcked(string, bool, time.Duration) {}
func (NopRecorder) MessageRetried(bool) {}
func (NopRecorder) MessageDropped(string) {}
func (NopRecorder) ConnectionState(string) {}
func (NopRecorder) TransportSelected(string) {}
func (NopRecorder) TransportFault(string) {}
func (NopRecorder) TransportEvent(string, string, string, time.Duration) {}
func (NopRecorder) BatchFlushed(string, int, int) {}
func (NopRecorder) KeepalivePing(string) {}
func (NopRecorder) DecodeFailure(string) {}

// MetricsConfig configures the Prometheus recorder
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Metric options
	Namespace        string    // Prometheus namespace (default: bayeux)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registry to register collectors with. A fresh registry is created
	// when nil.
	Registry *prometheus.Registry

	// Address and path of the metrics HTTP endpoint started by Start
	Addr        string // default :9090
	MetricsPath string // default /metrics

	// ErrorLog receives the metrics server's own errors
	ErrorLog *log.Logger
}

// PrometheusRecorder implements Recorder using Prometheus collectors
type PrometheusRecorder struct {
	config   MetricsConfig
	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server

	messagesSent     *prometheus.CounterVec
	messagesAcked    *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	messagesRetried  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec

	connectionState   *prometheus.GaugeVec
	transportSelected *prometheus.CounterVec
	transportFaults   *prometheus.CounterVec
	transportEvent    *prometheus.HistogramVec

	batchMessages  *prometheus.HistogramVec
	batchBytes     *prometheus.HistogramVec
	keepalivePings *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder and registers its collectors
func NewPrometheusRecorder(config MetricsConfig) (*PrometheusRecorder, error) {
	if config.Namespace == "" {
		config.Namespace = "bayeux"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.Addr == "" {
		config.Addr = ":9090"
	}
	if config.HistogramBuckets == nil {
		// milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := &PrometheusRecorder{
		config:   config,
		registry: registry,
	}
	r.initializeMetrics()

	if err := r.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return r, nil
}

func (r *PrometheusRecorder) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   r.config.Namespace,
			Subsystem:   r.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: r.config.ConstLabels,
		},
		labels,
	)
}

func (r *PrometheusRecorder) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   r.config.Namespace,
			Subsystem:   r.config.Subsystem,
			Name:        name,
			Help:        help,
			Buckets:     buckets,
			ConstLabels: r.config.ConstLabels,
		},
		labels,
	)
}

func (r *PrometheusRecorder) initializeMetrics() {
	r.messagesSent = r.counterVec("messages_sent_total",
		"Messages handed to a transport, including redeliveries", "connection_type", "channel_kind")
	r.messagesAcked = r.counterVec("messages_acknowledged_total",
		"Messages settled by a reply carrying a verdict", "channel_kind", "successful")
	r.deliveryDuration = r.histogramVec("delivery_duration_milliseconds",
		"Time from first send to verdict in milliseconds", r.config.HistogramBuckets, "channel_kind")
	r.messagesRetried = r.counterVec("messages_retried_total",
		"Messages scheduled for redelivery", "mode")
	r.messagesDropped = r.counterVec("messages_dropped_total",
		"Messages abandoned without a verdict", "reason")

	r.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   r.config.Namespace,
			Subsystem:   r.config.Subsystem,
			Name:        "connection_state",
			Help:        "Current transport connectivity (1 for the active state)",
			ConstLabels: r.config.ConstLabels,
		},
		[]string{"state"},
	)
	r.transportSelected = r.counterVec("transport_selected_total",
		"Transport selections by connection type", "connection_type")
	r.transportFaults = r.counterVec("transport_faults_total",
		"Unexpected connection closes by connection type", "connection_type")
	r.transportEvent = r.histogramVec("transport_event_duration_milliseconds",
		"Duration of transport events (connect, request) in milliseconds", r.config.HistogramBuckets,
		"connection_type", "event", "status")

	r.batchMessages = r.histogramVec("batch_messages",
		"Messages per transmitted batch", prometheus.LinearBuckets(1, 2, 10), "connection_type")
	r.batchBytes = r.histogramVec("batch_bytes",
		"Encoded size of transmitted batches", prometheus.ExponentialBuckets(64, 2, 10), "connection_type")
	r.keepalivePings = r.counterVec("keepalive_pings_total",
		"Keepalive frames written on persistent sockets", "status")
	r.decodeFailures = r.counterVec("decode_failures_total",
		"Inbound frames that could not be decoded", "connection_type")
}

func (r *PrometheusRecorder) registerMetrics() error {
	// A registry shared between recorders already holds these collectors;
	// adopt the existing ones so both recorders report into the same series.
	return firstError(
		register(r.registry, &r.messagesSent),
		register(r.registry, &r.messagesAcked),
		register(r.registry, &r.deliveryDuration),
		register(r.registry, &r.messagesRetried),
		register(r.registry, &r.messagesDropped),
		register(r.registry, &r.connectionState),
		register(r.registry, &r.transportSelected),
		register(r.registry, &r.transportFaults),
		register(r.registry, &r.transportEvent),
		register(r.registry, &r.batchMessages),
		register(r.registry, &r.batchBytes),
		register(r.registry, &r.keepalivePings),
		register(r.registry, &r.decodeFailures),
	)
}

func register[C prometheus.Collector](registry prometheus.Registerer, collector *C) error {
	err := registry.Register(*collector)
	if err == nil {
		return nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return err
	}
	*collector = existing
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the registry the collectors are registered with
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func channelKind(channel string) string {
	if len(channel) > 6 && channel[:6] == "/meta/" {
		return "meta"
	}
	return "data"
}

// MessageSent records a message handed to a transport
func (r *PrometheusRecorder) MessageSent(connectionType, channel string) {
	r.messagesSent.WithLabelValues(connectionType, channelKind(channel)).Inc()
}

// MessageAcked records a verdict and the time it took to arrive
func (r *PrometheusRecorder) MessageAcked(channel string, successful bool, latency time.Duration) {
	kind := channelKind(channel)
	r.messagesAcked.WithLabelValues(kind, fmt.Sprint(successful)).Inc()
	r.deliveryDuration.WithLabelValues(kind).Observe(float64(latency.Milliseconds()))
}

// MessageRetried records a scheduled redelivery
func (r *PrometheusRecorder) MessageRetried(immediate bool) {
	mode := "delayed"
	if immediate {
		mode = "immediate"
	}
	r.messagesRetried.WithLabelValues(mode).Inc()
}

// MessageDropped records an abandoned message
func (r *PrometheusRecorder) MessageDropped(reason string) {
	r.messagesDropped.WithLabelValues(reason).Inc()
}

// ConnectionState records the current connectivity state
func (r *PrometheusRecorder) ConnectionState(state string) {
	r.connectionState.WithLabelValues("up").Set(0)
	r.connectionState.WithLabelValues("down").Set(0)
	r.connectionState.WithLabelValues(state).Set(1)
}

// TransportSelected records a transport selection
func (r *PrometheusRecorder) TransportSelected(connectionType string) {
	r.transportSelected.WithLabelValues(connectionType).Inc()
}

// TransportFault records an unexpected connection close
func (r *PrometheusRecorder) TransportFault(connectionType string) {
	r.transportFaults.WithLabelValues(connectionType).Inc()
}

// TransportEvent records the duration and outcome of a transport event
func (r *PrometheusRecorder) TransportEvent(connectionType, event, status string, duration time.Duration) {
	r.transportEvent.WithLabelValues(connectionType, event, status).Observe(float64(duration.Milliseconds()))
}

// BatchFlushed records a transmitted batch
func (r *PrometheusRecorder) BatchFlushed(connectionType string, messages, bytes int) {
	r.batchMessages.WithLabelValues(connectionType).Observe(float64(messages))
	r.batchBytes.WithLabelValues(connectionType).Observe(float64(bytes))
}

// KeepalivePing records a keepalive write
func (r *PrometheusRecorder) KeepalivePing(status string) {
	r.keepalivePings.WithLabelValues(status).Inc()
}

// DecodeFailure records an undecodable inbound frame
func (r *PrometheusRecorder) DecodeFailure(connectionType string) {
	r.decodeFailures.WithLabelValues(connectionType).Inc()
}

// Handler returns an HTTP handler serving the registry
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Start starts the metrics HTTP server. Wrap is applied to the handler
// when non-nil.
func (r *PrometheusRecorder) Start(ctx context.Context, wrap func(http.Handler) http.Handler) error {
	mux := http.NewServeMux()
	var handler http.Handler = r.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	mux.Handle(r.config.MetricsPath, handler)

	r.mu.Lock()
	r.server = &http.Server{
		Addr:              r.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          r.config.ErrorLog,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	server := r.server
	r.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (r *PrometheusRecorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	server := r.server
	r.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
