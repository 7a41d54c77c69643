package bridge

import "errors"

// Domain errors for the bridge controller.
var (
	// ErrBusRouting is reported when an inbound topic does not resolve to a
	// known route. The message is logged and discarded.
	ErrBusRouting = errors.New("bridge: unroutable topic")

	// ErrNotStarted is returned when an operation needs the spa identity,
	// which is only known once Start has succeeded.
	ErrNotStarted = errors.New("bridge: not started")

	// ErrBusy is reported when an inbound message arrives while the maximum
	// number of inbound jobs is already running. The message is dropped.
	ErrBusy = errors.New("bridge: too many inbound messages in flight")
)
