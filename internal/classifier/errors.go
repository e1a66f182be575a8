package classifier

import (
	"fmt"
)

// TransportError covers an unreachable endpoint, a timeout or a reset
// connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("inference transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a non-success status from the inference endpoint.
type ServerError struct {
	StatusCode int
	// Status is the transport specific status text, e.g. "503 Service
	// Unavailable" or a gRPC code name.
	Status string
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("inference server: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("inference server: %s", e.Status)
}

// MalformedResponseError is a success status whose payload lacks a usable
// class or confidence.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed inference response: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed inference response: %s", e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
