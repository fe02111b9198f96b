package session

import (
	"errors"
	"fmt"
)

// Errors returned by the manager and the request gate. Callers match with
// errors.Is; the HTTP layer maps each one to a status code.
var (
	ErrUnauthorized  = errors.New("invalid or missing auth key")
	ErrMissingClient = errors.New("client id is required")
	ErrInvalidClient = errors.New("invalid client id")
	ErrLockTimeout   = errors.New("client is busy, try again later")
	ErrConstruction  = errors.New("driver session could not be created")
	ErrNotLoggedIn   = errors.New("client is not logged in")
	ErrCommand       = errors.New("driver command failed")
	ErrClosed        = errors.New("session manager is shut down")
)

// CommandError wraps a failed driver call so it matches ErrCommand while
// keeping the cause reachable.
func CommandError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrCommand, op, err)
}

func cancelledError(id string, err error) error {
	return fmt.Errorf("%s: request cancelled: %w", id, err)
}

func constructionError(id string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConstruction, id, err)
}
