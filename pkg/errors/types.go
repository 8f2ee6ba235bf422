// Package errors provides structured error handling for the Bayeux client.
// Every error carries a numeric code, a category used to decide whether the
// failure is worth retrying, and optional structured data describing the
// transport or endpoint involved.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryTransport  Category = "transport"
	CategoryDelivery   Category = "delivery"
	CategoryProtocol   Category = "protocol"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryInternal   Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	ClientID       string    `json:"client_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	ConnectionType string    `json:"connection_type,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Component      string    `json:"component,omitempty"`
	Operation      string    `json:"operation,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// BayeuxError defines the interface for all errors raised by this module
type BayeuxError interface {
	error

	// Code returns the error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	// Category returns the error category for classification
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a new error with the provided context
	WithContext(ctx *Context) BayeuxError

	// WithDetail returns a new error with additional detail
	WithDetail(detail string) BayeuxError

	// WithData returns a new error with structured data
	WithData(data interface{}) BayeuxError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

// Code returns the numeric error code; three-digit codes come from the server
func (e *baseError) Code() int {
	return e.code
}

// Message returns the human-readable error message
func (e *baseError) Message() string {
	return e.message
}

// Details returns detailed technical description
func (e *baseError) Details() string {
	return e.details
}

// Data returns structured error data
func (e *baseError) Data() interface{} {
	return e.data
}

// Category returns the error category
func (e *baseError) Category() Category {
	return e.category
}

// Severity returns the error severity
func (e *baseError) Severity() Severity {
	return e.severity
}

// Context returns the error context
func (e *baseError) Context() *Context {
	return e.context
}

// WithContext returns a new error with the provided context
func (e *baseError) WithContext(ctx *Context) BayeuxError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a new error with additional detail
func (e *baseError) WithDetail(detail string) BayeuxError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data
func (e *baseError) WithData(data interface{}) BayeuxError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// Unwrap returns the underlying error
func (e *baseError) Unwrap() error {
	return e.cause
}

// ToJSON returns the error as a JSON-serializable map
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"name":     GetErrorCodeName(e.code),
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}

	if e.data != nil {
		result["data"] = e.data
	}

	if e.context != nil {
		result["context"] = e.context
	}

	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler for baseError
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewError creates a new BayeuxError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) BayeuxError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// WrapError wraps an existing error as a BayeuxError
func WrapError(err error, code int, message string, category Category, severity Severity) BayeuxError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// AsBayeuxError finds the first BayeuxError in err's chain
func AsBayeuxError(err error) (BayeuxError, bool) {
	if err == nil {
		return nil, false
	}

	var bayeuxErr BayeuxError
	if stderrors.As(err, &bayeuxErr) {
		return bayeuxErr, true
	}

	return nil, false
}

// IsBayeuxError checks if an error is a BayeuxError
func IsBayeuxError(err error) bool {
	_, ok := AsBayeuxError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if bayeuxErr, ok := AsBayeuxError(err); ok {
		return bayeuxErr.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	if bayeuxErr, ok := AsBayeuxError(err); ok {
		return bayeuxErr.Code() == code
	}
	return false
}

// IsRetryable reports whether the failure is worth another attempt.
// Errors carrying TransportErrorData or ConnectionErrorData answer from
// their Retryable flag; otherwise transport and timeout categories are
// retryable.
func IsRetryable(err error) bool {
	bayeuxErr, ok := AsBayeuxError(err)
	if !ok {
		return false
	}

	switch data := bayeuxErr.Data().(type) {
	case *TransportErrorData:
		return data.Retryable
	case *ConnectionErrorData:
		return data.Retryable
	}

	switch bayeuxErr.Category() {
	case CategoryTransport, CategoryTimeout:
		return true
	default:
		return false
	}
}
