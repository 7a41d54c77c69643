package spa

import "errors"

// Transport-side errors returned by DeviceAPI implementations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidCredentials means the account username or password was rejected.
	ErrInvalidCredentials = errors.New("spa: invalid credentials")

	// ErrUnauthorized means the access token was rejected (expired or revoked).
	ErrUnauthorized = errors.New("spa: unauthorized")

	// ErrUnexpectedStatus means the device API answered with a non-success status.
	ErrUnexpectedStatus = errors.New("spa: unexpected status")

	// ErrNoSpa means the account has no spa attached.
	ErrNoSpa = errors.New("spa: no spa registered for account")
)
