package errors

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryErrorData describes the envelope a delivery error refers to
type DeliveryErrorData struct {
	MessageID string        `json:"message_id"`
	Channel   string        `json:"channel,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Deadline  time.Time     `json:"deadline,omitempty"`
}

// ServerErrorData holds the parsed error field of an unsuccessful reply
type ServerErrorData struct {
	ServerCode int      `json:"server_code,omitempty"`
	Args       []string `json:"args,omitempty"`
	Channel    string   `json:"channel,omitempty"`
}

// DeliveryTimeout reports a message that got no verdict in time
func DeliveryTimeout(messageID, channel string, timeout time.Duration) BayeuxError {
	return NewError(
		CodeDeliveryTimeout,
		fmt.Sprintf("No reply to message %s on %s after %v", messageID, channel, timeout),
		CategoryTimeout,
		SeverityWarning,
	).WithData(&DeliveryErrorData{
		MessageID: messageID,
		Channel:   channel,
		Timeout:   timeout,
	})
}

// AttemptsExhausted reports a message dropped because its attempt budget ran out
func AttemptsExhausted(messageID, channel string) BayeuxError {
	return NewError(
		CodeAttemptsExhausted,
		fmt.Sprintf("Giving up on message %s on %s: attempts exhausted", messageID, channel),
		CategoryDelivery,
		SeverityError,
	).WithData(&DeliveryErrorData{
		MessageID: messageID,
		Channel:   channel,
	})
}

// DeadlineExceeded reports a message dropped because its deadline passed
func DeadlineExceeded(messageID, channel string, deadline time.Time) BayeuxError {
	return NewError(
		CodeDeadlineExceeded,
		fmt.Sprintf("Giving up on message %s on %s: deadline %s passed", messageID, channel, deadline.Format(time.RFC3339)),
		CategoryDelivery,
		SeverityError,
	).WithData(&DeliveryErrorData{
		MessageID: messageID,
		Channel:   channel,
		Deadline:  deadline,
	})
}

// DispatcherClosed reports an operation on a closed dispatcher
func DispatcherClosed(operation string) BayeuxError {
	return NewError(
		CodeDispatcherClosed,
		fmt.Sprintf("Dispatcher closed during %s", operation),
		CategoryCancelled,
		SeverityInfo,
	)
}

// EncodeFailed wraps a failure to encode an outbound batch
func EncodeFailed(transport string, cause error) BayeuxError {
	return WrapError(
		cause,
		CodeEncodeFailed,
		fmt.Sprintf("Failed to encode batch for %s: %s", transport, reason(cause, "unknown")),
		CategoryProtocol,
		SeverityError,
	)
}

// DecodeFailed wraps a failure to decode an inbound frame
func DecodeFailed(transport string, size int, cause error) BayeuxError {
	return WrapError(
		cause,
		CodeDecodeFailed,
		fmt.Sprintf("Failed to decode %d byte frame from %s: %s", size, transport, reason(cause, "unknown")),
		CategoryProtocol,
		SeverityWarning,
	)
}

// ServerError converts an unsuccessful reply's error field into an error
func ServerError(channel string, code int, args []string, message string) BayeuxError {
	text := message
	if code != 0 {
		text = fmt.Sprintf("%d:%s:%s", code, strings.Join(args, ","), message)
	}

	return NewError(
		CodeServerError,
		fmt.Sprintf("Server rejected %s: %s", channel, text),
		CategoryProtocol,
		SeverityError,
	).WithData(&ServerErrorData{
		ServerCode: code,
		Args:       args,
		Channel:    channel,
	})
}

// InvalidConfig reports a configuration value that failed validation
func InvalidConfig(field, why string) BayeuxError {
	return NewError(
		CodeInvalidConfig,
		fmt.Sprintf("Invalid configuration for '%s': %s", field, why),
		CategoryValidation,
		SeverityError,
	)
}

// InvalidEndpoint reports an endpoint URL that cannot be used
func InvalidEndpoint(endpoint string, cause error) BayeuxError {
	return WrapError(
		cause,
		CodeInvalidEndpoint,
		fmt.Sprintf("Invalid endpoint %q: %s", endpoint, reason(cause, "unparseable")),
		CategoryValidation,
		SeverityError,
	)
}
