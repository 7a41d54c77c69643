package influxdb

import "errors"

// Callers match these with errors.Is.
var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps batch failures passed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	errUnhealthy = errors.New("server reports unhealthy")
)
