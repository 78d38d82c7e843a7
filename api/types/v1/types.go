// Package types defines the wire types shared by the bridge daemon, its transports and the CLI.
package types

// Channel names used by the application shell.
const (
	MethodChannelName = "flutter_tele"
	EventChannelName  = "flutter_tele_events"
)

// Result status values
const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusNotImplemented = "notImplemented"
)

// MethodCall is a named remote call from the application shell.
// Arguments is a loosely typed bag: a map, a bare number, or nil.
type MethodCall struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

// MethodError is the structured failure returned for a method call.
type MethodError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements error
func (e *MethodError) Error() string {
	return e.Code + ": " + e.Message
}

// MethodResult is the reply to a MethodCall.
type MethodResult struct {
	Status string       `json:"status"`
	Result any          `json:"result,omitempty"`
	Error  *MethodError `json:"error,omitempty"`
}

// Success builds a successful result
func Success(result any) MethodResult {
	return MethodResult{Status: StatusSuccess, Result: result}
}

// Failure builds an error result
func Failure(code, message string, details any) MethodResult {
	return MethodResult{
		Status: StatusError,
		Error:  &MethodError{Code: code, Message: message, Details: details},
	}
}

// NotImplemented builds the reply for an unrecognized method
func NotImplemented() MethodResult {
	return MethodResult{Status: StatusNotImplemented}
}

// IsSuccess reports whether the call succeeded
func (r MethodResult) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Event is a notification pushed to the event channel subscriber.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// BroadcastIntent is a system broadcast posted by the host.
type BroadcastIntent struct {
	Action string         `json:"action"`
	Extras map[string]any `json:"extras,omitempty"`
}

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       int64  `json:"uptime"`
	Started      bool   `json:"started"`
	TrackedCalls int    `json:"tracked_calls"`
	Subscriber   bool   `json:"subscriber"`
}

// CallList is the response from /api/v1/calls
type CallList struct {
	Calls []map[string]any `json:"calls"`
}
