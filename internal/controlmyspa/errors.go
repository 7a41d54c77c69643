package controlmyspa

import "errors"

// Sentinel errors for ControlMySpa client operations. Authentication and
// status failures are reported with the spa package sentinels
// (spa.ErrInvalidCredentials, spa.ErrUnauthorized, spa.ErrUnexpectedStatus).
var (
	// ErrUnsupportedCommand indicates a command the cloud API has no endpoint for.
	ErrUnsupportedCommand = errors.New("controlmyspa: unsupported command")

	// ErrMalformedResponse indicates a response body that could not be decoded.
	ErrMalformedResponse = errors.New("controlmyspa: malformed response")
)
