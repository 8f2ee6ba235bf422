package bayeux

import (
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/config"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/dispatcher"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bayeux-sdk-go/pkg/transport"
)

// Version represents the current version of the SDK
const Version = "0.1.0"

// These exports provide direct access to the core SDK components
var (
	// NewDispatcher creates a message dispatcher
	NewDispatcher = dispatcher.New

	// DefaultConfig returns the default configuration
	DefaultConfig = config.Default

	// LoadConfig reads a YAML configuration file
	LoadConfig = config.Load

	// NewMessage creates a message with a fresh id
	NewMessage = protocol.NewMessage
)

// Dispatcher options
var (
	WithLogger    = dispatcher.WithLogger
	WithMetrics   = dispatcher.WithMetrics
	WithTracer    = dispatcher.WithTracer
	WithClock     = dispatcher.WithClock
	WithShared    = dispatcher.WithShared
	WithCatalog   = dispatcher.WithCatalog
	WithCookieJar = dispatcher.WithCookieJar
)

// Send options
var (
	WithAttempts   = dispatcher.WithAttempts
	WithDeadline   = dispatcher.WithDeadline
	WithDeadlineAt = dispatcher.WithDeadlineAt
)

// Connection types
const (
	WebSocket   = transport.KindWebSocket
	LongPolling = transport.KindLongPolling
)

// Connection states
const (
	StateUp   = dispatcher.StateUp
	StateDown = dispatcher.StateDown
)
