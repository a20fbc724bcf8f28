package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrUnavailable      = errors.New("store unavailable")
	ErrCircuitOpen      = errors.New("circuit breaker is open")

	ErrEmptyKey   = errors.New("key must not be empty")
	ErrInvalidTTL = errors.New("ttl must be positive")
	// ErrLockLost is returned by Unlock when the lock expired and was
	// possibly taken by another holder before the release happened.
	ErrLockLost = errors.New("lock lost before release")
)
