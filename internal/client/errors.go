package client

import (
	"errors"
	"fmt"
)

// ErrSessionInvalid is returned once the server has rejected the held
// credentials. It is terminal for the session: the session store is
// already cleared by the time a caller sees it, and the operation that
// observed it must not be retried.
var ErrSessionInvalid = errors.New("session invalidated by server")

// TransportError means no usable response arrived (network, DNS,
// timeout). The server may or may not have seen the request.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a well-formed server response signalling a logical
// failure: a non-success HTTP status with a structured payload, or an
// HTTP 200 carrying success=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
