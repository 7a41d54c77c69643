package engine

import "errors"

// Domain errors for the reconciliation engine.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidValue is returned when a command value fails validation.
	// No network call is made.
	ErrInvalidValue = errors.New("engine: invalid value")

	// ErrNotReady is returned when a command arrives before the first
	// snapshot exists.
	ErrNotReady = errors.New("engine: no snapshot yet")

	// ErrTransport is returned when the device API call failed. The snapshot
	// is left unchanged.
	ErrTransport = errors.New("engine: transport failure")

	// ErrReconciliationMismatch is reported when the device accepted a
	// command but its state still disagreed after the fallback refresh.
	ErrReconciliationMismatch = errors.New("engine: device state did not match after fallback refresh")

	// ErrCredentialExpired is returned when the access token was rejected or
	// could not be renewed. Renewal is retried.
	ErrCredentialExpired = errors.New("engine: credential expired")

	// ErrCredentialInvalid is returned when the account credentials are
	// rejected. Fatal at startup.
	ErrCredentialInvalid = errors.New("engine: credentials invalid")

	// ErrStopped is returned when the engine is not running.
	ErrStopped = errors.New("engine: stopped")
)
