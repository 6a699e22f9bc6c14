package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict signals a state/uniqueness conflict (e.g. duplicate submission).
	ErrConflict = errors.New("conflict")
	// ErrUnavailable signals a transient dependency failure (db/broker).
	ErrUnavailable = errors.New("unavailable")
)
