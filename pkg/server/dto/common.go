// Package dto holds the HTTP request and response shapes. Graph types
// serialize directly; these wrappers exist where the wire shape is not
// a domain type.
package dto

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AcceptedResponse acknowledges an asynchronous ingest.
type AcceptedResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
	Turn      int    `json:"turn,omitempty"`
}

// StatusResponse acknowledges a synchronous state change.
type StatusResponse struct {
	Status string `json:"status"`
}
