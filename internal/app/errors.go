package app

import "errors"

var (
	// ErrNotFound covers lookups scoped to the requesting user. A
	// conversation owned by someone else reports not-found, never forbidden.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials is returned on login failure without revealing
	// whether the account exists.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable means the assistant could not answer after
	// retries. The user's message is already persisted when this is returned.
	ErrProviderUnavailable = errors.New("assistant temporarily unavailable")
)

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// ConflictError reports a uniqueness violation (username or email taken).
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return e.Msg
}
