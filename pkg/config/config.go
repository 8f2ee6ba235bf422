// Package config holds the dispatcher configuration and loads it from YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	bayeuxerrors "github.com/ajitpratap0/bayeux-sdk-go/pkg/errors"
)

// Connection types understood by the dispatcher
const (
	ConnectionWebSocket   = "websocket"
	ConnectionLongPolling = "long-polling"
)

// Config holds everything a dispatcher and its transports need.
type Config struct {
	// Endpoint is the server URL used by every connection type without an
	// override in Endpoints.
	Endpoint  string            `yaml:"endpoint" json:"endpoint"`
	Endpoints map[string]string `yaml:"endpoints" json:"endpoints,omitempty"`

	// ConnectionTypes is the transport preference list, most preferred first.
	ConnectionTypes []string `yaml:"connection_types" json:"connection_types"`
	Disabled        []string `yaml:"disabled" json:"disabled,omitempty"`

	Retry          time.Duration     `yaml:"retry" json:"retry"`
	MaxAttempts    int               `yaml:"max_attempts" json:"max_attempts"`
	MaxRequestSize int               `yaml:"max_request_size" json:"max_request_size"`
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty"`
	Liveness       time.Duration     `yaml:"liveness" json:"liveness"`

	// Timeout is the per-attempt delivery timeout used when a send does
	// not name one.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	Batching  BatchingConfig  `yaml:"batching" json:"batching"`
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

// BatchingConfig tunes the batching transport.
type BatchingConfig struct {
	// MaxDelay is how long a batch may wait for more messages. Zero flushes
	// on the next loop turn.
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	HandshakeDelay time.Duration `yaml:"handshake_delay" json:"handshake_delay"`
}

// WebSocketConfig tunes the websocket transport.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size" json:"write_buffer_size"`
	FaultThreshold   int           `yaml:"fault_threshold" json:"fault_threshold"`
}

// HTTPConfig tunes the long-polling transport.
type HTTPConfig struct {
	// RequestTimeout bounds a whole request/response exchange. Zero means
	// no limit beyond the dispatcher's own delivery timeout.
	RequestTimeout      time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
}

// LogConfig selects the logger level and output format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Addr      string `yaml:"addr" json:"addr"`
	Path      string `yaml:"path" json:"path"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // "otlp-grpc", "otlp-http" or "noop"
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ConnectionTypes: []string{ConnectionWebSocket, ConnectionLongPolling},
		Retry:           5 * time.Second,
		MaxAttempts:     0,
		MaxRequestSize:  2048,
		Liveness:        60 * time.Second,
		Timeout:         60 * time.Second,

		Batching: BatchingConfig{
			MaxDelay:       0,
			HandshakeDelay: 10 * time.Millisecond,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			FaultThreshold:   10,
		},
		HTTP: HTTPConfig{
			RequestTimeout:      0,
			MaxIdleConnsPerHost: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "bayeux",
			Addr:      ":9090",
			Path:      "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "bayeux-client",
			Exporter:    "otlp-grpc",
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
		},
	}
}

// Load reads a YAML configuration file on top of Default. An empty
// filename returns the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return bayeuxerrors.InvalidConfig("endpoint", "cannot be empty")
	}
	if err := validateURL("endpoint", c.Endpoint); err != nil {
		return err
	}
	for kind, endpoint := range c.Endpoints {
		if !knownConnectionType(kind) {
			return bayeuxerrors.InvalidConfig("endpoints", fmt.Sprintf("unknown connection type %q", kind))
		}
		if err := validateURL("endpoints."+kind, endpoint); err != nil {
			return err
		}
	}

	if len(c.ConnectionTypes) == 0 {
		return bayeuxerrors.InvalidConfig("connection_types", "at least one connection type is required")
	}
	for _, kind := range append(append([]string{}, c.ConnectionTypes...), c.Disabled...) {
		if !knownConnectionType(kind) {
			return bayeuxerrors.InvalidConfig("connection_types", fmt.Sprintf("unknown connection type %q", kind))
		}
	}

	if c.Retry <= 0 {
		return bayeuxerrors.InvalidConfig("retry", "must be positive")
	}
	if c.MaxAttempts < 0 {
		return bayeuxerrors.InvalidConfig("max_attempts", "cannot be negative")
	}
	if c.MaxRequestSize <= 0 {
		return bayeuxerrors.InvalidConfig("max_request_size", "must be positive")
	}
	if c.Liveness < 0 {
		return bayeuxerrors.InvalidConfig("liveness", "cannot be negative")
	}
	if c.Timeout <= 0 {
		return bayeuxerrors.InvalidConfig("timeout", "must be positive")
	}
	if c.Batching.MaxDelay < 0 || c.Batching.HandshakeDelay < 0 {
		return bayeuxerrors.InvalidConfig("batching", "delays cannot be negative")
	}
	if c.WebSocket.HandshakeTimeout < 0 {
		return bayeuxerrors.InvalidConfig("websocket.handshake_timeout", "cannot be negative")
	}
	if c.WebSocket.FaultThreshold < 0 {
		return bayeuxerrors.InvalidConfig("websocket.fault_threshold", "cannot be negative")
	}
	if c.HTTP.RequestTimeout < 0 {
		return bayeuxerrors.InvalidConfig("http.request_timeout", "cannot be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return bayeuxerrors.InvalidConfig("tracing.sample_rate", "must be between 0 and 1")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp-grpc", "otlp-http", "noop":
		default:
			return bayeuxerrors.InvalidConfig("tracing.exporter", "must be one of: otlp-grpc, otlp-http, noop")
		}
	}

	return nil
}

// EndpointFor returns the endpoint for a connection type, falling back to
// Endpoint when there is no override.
func (c *Config) EndpointFor(kind string) string {
	if override, ok := c.Endpoints[kind]; ok && override != "" {
		return override
	}
	return c.Endpoint
}

func knownConnectionType(kind string) bool {
	return kind == ConnectionWebSocket || kind == ConnectionLongPolling
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return bayeuxerrors.InvalidConfig(field, err.Error())
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return bayeuxerrors.InvalidConfig(field, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return bayeuxerrors.InvalidConfig(field, "missing host")
	}
	return nil
}
