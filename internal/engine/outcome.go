package engine

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
)

// State is where a dispatched command ended up.
type State string

// Command states.
const (
	// StateConfirmed means the snapshot reflects the command.
	StateConfirmed State = "confirmed"

	// StatePending means the device accepted the command and confirmation
	// is awaiting a deferred refresh.
	StatePending State = "pending"

	// StateRejected means the command was never accepted: invalid value,
	// no snapshot yet, or a transport failure.
	StateRejected State = "rejected"

	// StateReported means the device accepted the command but the snapshot
	// still disagreed after the fallback refresh.
	StateReported State = "reported"
)

// Final reports whether no further transition can happen.
func (s State) Final() bool {
	return s != StatePending
}

// Outcome is the result of Dispatch.
//
// A Pending outcome resolves later; Wait blocks until it does. The final
// outcome is also delivered on Engine.Resolutions.
type Outcome struct {
	CommandID string     `json:"command_id"`
	Key       entity.Key `json:"-"`
	Entity    string     `json:"entity"`
	Value     string     `json:"value"`
	State     State      `json:"status"`
	Err       error      `json:"-"`

	// SentAt is when the command was handed to the device API. Zero when
	// nothing was sent.
	SentAt time.Time `json:"sent_at,omitzero"`

	res *resolution
}

// Reason returns the error message, or "" for successful outcomes.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Wait blocks until a Pending outcome resolves or ctx is done. Final
// outcomes return immediately. On ctx expiry the pending outcome is
// returned with ctx's error.
func (o Outcome) Wait(ctx context.Context) Outcome {
	if o.State.Final() || o.res == nil {
		return o
	}
	select {
	case <-o.res.done:
		return o.res.out
	case <-ctx.Done():
		o.Err = ctx.Err()
		return o
	}
}

// resolution carries a pending command's final outcome to any number of
// waiters.
type resolution struct {
	once sync.Once
	done chan struct{}
	out  Outcome
}

func newResolution() *resolution {
	return &resolution{done: make(chan struct{})}
}

func (r *resolution) resolve(o Outcome) {
	r.once.Do(func() {
		r.out = o
		close(r.done)
	})
}
