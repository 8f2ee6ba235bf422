package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport  string        `json:"transport"`
	Operation  string        `json:"operation,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Connected  bool          `json:"connected"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
}

// ConnectionErrorData contains structured data for connection-related errors
type ConnectionErrorData struct {
	Transport string        `json:"transport"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Retryable bool          `json:"retryable"`
	Reason    string        `json:"reason,omitempty"`
}

func reason(cause error, fallback string) string {
	if cause != nil {
		return cause.Error()
	}
	return fallback
}

func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// TransportError creates a generic transport error
func TransportError(transport, operation string, cause error) BayeuxError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Retryable: true,
		Reason:    reason(cause, "unknown"),
	})
}

// TransportUnusable reports that transport cannot serve endpoint
func TransportUnusable(transport, endpoint, why string) BayeuxError {
	return NewError(
		CodeTransportUnusable,
		fmt.Sprintf("%s transport is not usable for %s: %s", transport, endpoint, why),
		CategoryTransport,
		SeverityWarning,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "probe",
		Endpoint:  endpoint,
		Retryable: false,
		Reason:    why,
	})
}

// NoUsableTransport reports that every candidate connection type failed its probe
func NoUsableTransport(candidates []string) BayeuxError {
	return NewError(
		CodeNoUsableTransport,
		fmt.Sprintf("Could not find a usable connection type among %v", candidates),
		CategoryTransport,
		SeverityCritical,
	).WithData(map[string]interface{}{
		"candidates": candidates,
	})
}

// UnsupportedKind reports a connection type with no registered factory
func UnsupportedKind(transport string) BayeuxError {
	return NewError(
		CodeUnsupportedKind,
		fmt.Sprintf("Unsupported connection type %q", transport),
		CategoryValidation,
		SeverityError,
	)
}

// TransportNotChosen reports an operation that needs a selected transport
func TransportNotChosen(operation string) BayeuxError {
	return NewError(
		CodeTransportNotChosen,
		fmt.Sprintf("No transport selected for %s", operation),
		CategoryTransport,
		SeverityWarning,
	)
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(transport, endpoint string, cause error) BayeuxError {
	message := fmt.Sprintf("Failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Failed to connect to %s via %s", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeConnectionFailed,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost(endpoint),
		Retryable: true,
		Reason:    reason(cause, "connect failed"),
	})
}

// ConnectionLost creates an error for lost connections
func ConnectionLost(transport, endpoint string, cause error) BayeuxError {
	message := fmt.Sprintf("Lost connection via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Lost connection to %s via %s", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeConnectionLost,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost(endpoint),
		Retryable: true,
		Reason:    reason(cause, "connection lost"),
	})
}

// TransportClosed reports work cut short because the client closed the transport
func TransportClosed(transport string) BayeuxError {
	return NewError(
		CodeTransportClosed,
		fmt.Sprintf("%s transport closed", transport),
		CategoryCancelled,
		SeverityInfo,
	).WithData(&TransportErrorData{
		Transport: transport,
		Retryable: false,
		Reason:    "closed",
	})
}

// PingTimeout reports a persistent socket whose keepalive went unanswered
func PingTimeout(transport, endpoint string, timeout time.Duration) BayeuxError {
	return NewError(
		CodePingTimeout,
		fmt.Sprintf("No traffic on %s connection to %s within %v", transport, endpointHost(endpoint), timeout),
		CategoryTimeout,
		SeverityWarning,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost(endpoint),
		Timeout:   timeout,
		Retryable: true,
		Reason:    "ping timeout",
	})
}

// HTTPStatus creates an error for a non-2xx HTTP response
func HTTPStatus(endpoint string, statusCode int) BayeuxError {
	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408

	return NewError(
		CodeHTTPStatus,
		fmt.Sprintf("HTTP %d from %s", statusCode, endpoint),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport:  "http",
		Operation:  "request",
		Endpoint:   endpoint,
		Connected:  true,
		Retryable:  retryable,
		StatusCode: statusCode,
		Reason:     fmt.Sprintf("status %d", statusCode),
	})
}
