package errors

// Error codes. Codes below 1000 are reserved for the three-digit codes a
// Bayeux server puts in a reply's error field.
const (
	// Transport Errors (1000 to 1099)
	CodeTransportError     int = 1000 // Generic transport error
	CodeTransportUnusable  int = 1001 // Transport cannot reach the endpoint
	CodeNoUsableTransport  int = 1002 // No candidate transport is usable
	CodeConnectionFailed   int = 1003 // Failed to establish connection
	CodeConnectionLost     int = 1004 // Connection lost during operation
	CodeTransportClosed    int = 1005 // Transport closed by the client
	CodePingTimeout        int = 1006 // Keepalive went unanswered
	CodeHTTPStatus         int = 1007 // Non-2xx HTTP response
	CodeUnsupportedKind    int = 1008 // Connection type not in the catalog
	CodeTransportNotChosen int = 1009 // No transport has been selected yet

	// Delivery Errors (1100 to 1199)
	CodeDeliveryTimeout   int = 1100 // No verdict within the delivery timeout
	CodeAttemptsExhausted int = 1101 // Attempt budget used up
	CodeDeadlineExceeded  int = 1102 // Delivery deadline passed
	CodeDispatcherClosed  int = 1103 // Dispatcher was closed

	// Protocol Errors (1200 to 1299)
	CodeEncodeFailed int = 1200 // Outbound batch could not be encoded
	CodeDecodeFailed int = 1201 // Inbound frame could not be decoded
	CodeServerError  int = 1202 // Server reported an unsuccessful reply

	// Validation Errors (1300 to 1399)
	CodeInvalidConfig   int = 1300 // Configuration failed validation
	CodeInvalidEndpoint int = 1301 // Endpoint URL could not be used
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	// Transport Errors
	CodeTransportError:     {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeTransportUnusable:  {CodeTransportUnusable, "TransportUnusable", "Transport unusable", CategoryTransport, SeverityWarning},
	CodeNoUsableTransport:  {CodeNoUsableTransport, "NoUsableTransport", "No usable transport", CategoryTransport, SeverityCritical},
	CodeConnectionFailed:   {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityError},
	CodeConnectionLost:     {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityError},
	CodeTransportClosed:    {CodeTransportClosed, "TransportClosed", "Transport closed", CategoryCancelled, SeverityInfo},
	CodePingTimeout:        {CodePingTimeout, "PingTimeout", "Keepalive timed out", CategoryTimeout, SeverityWarning},
	CodeHTTPStatus:         {CodeHTTPStatus, "HTTPStatus", "Unexpected HTTP status", CategoryTransport, SeverityError},
	CodeUnsupportedKind:    {CodeUnsupportedKind, "UnsupportedKind", "Unsupported connection type", CategoryValidation, SeverityError},
	CodeTransportNotChosen: {CodeTransportNotChosen, "TransportNotChosen", "No transport selected", CategoryTransport, SeverityWarning},

	// Delivery Errors
	CodeDeliveryTimeout:   {CodeDeliveryTimeout, "DeliveryTimeout", "Delivery timed out", CategoryTimeout, SeverityWarning},
	CodeAttemptsExhausted: {CodeAttemptsExhausted, "AttemptsExhausted", "Delivery attempts exhausted", CategoryDelivery, SeverityError},
	CodeDeadlineExceeded:  {CodeDeadlineExceeded, "DeadlineExceeded", "Delivery deadline exceeded", CategoryDelivery, SeverityError},
	CodeDispatcherClosed:  {CodeDispatcherClosed, "DispatcherClosed", "Dispatcher closed", CategoryCancelled, SeverityInfo},

	// Protocol Errors
	CodeEncodeFailed: {CodeEncodeFailed, "EncodeFailed", "Encoding failed", CategoryProtocol, SeverityError},
	CodeDecodeFailed: {CodeDecodeFailed, "DecodeFailed", "Decoding failed", CategoryProtocol, SeverityWarning},
	CodeServerError:  {CodeServerError, "ServerError", "Server reported an error", CategoryProtocol, SeverityError},

	// Validation Errors
	CodeInvalidConfig:   {CodeInvalidConfig, "InvalidConfig", "Invalid configuration", CategoryValidation, SeverityError},
	CodeInvalidEndpoint: {CodeInvalidEndpoint, "InvalidEndpoint", "Invalid endpoint", CategoryValidation, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	if IsServerCode(code) {
		return "ServerCode"
	}
	return "UnknownError"
}

// GetErrorCodeDescription returns the description of an error code
func GetErrorCodeDescription(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Description
	}
	return "Unknown error"
}

// ListErrorCodes returns all registered error codes
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}

// IsServerCode reports whether code is a three-digit Bayeux server code
func IsServerCode(code int) bool {
	return code >= 100 && code <= 999
}
