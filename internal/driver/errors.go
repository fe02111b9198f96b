package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for calls on a handle whose connection is gone.
	ErrClosed = errors.New("driver: connection closed")

	// ErrBadEndpoint is returned when the endpoint URL cannot be used.
	ErrBadEndpoint = errors.New("driver: invalid endpoint")
)

// RemoteError is a failure reported by the automation endpoint for one call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("driver: %s: %s", e.Method, e.Message)
}
