package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/scheduler"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Store holds the canonical device Snapshot.
//
// Readers call Current, which never blocks. Writes happen only on the
// scheduler timeline: a fetch runs in the caller's goroutine and its result
// is applied as a timeline event, so every replacement is totally ordered.
type Store struct {
	api     spa.DeviceAPI
	sched   *scheduler.Scheduler
	celsius bool
	log     *logSink

	current atomic.Pointer[spa.Snapshot]

	// version is only touched on the timeline.
	version uint64

	// onChange runs on the timeline after every replacement.
	onChange func(spa.Snapshot)

	// onUnauthorized runs when the device API rejects the access token.
	onUnauthorized func()

	refreshes       atomic.Uint64
	refreshFailures atomic.Uint64
	lastRefresh     atomic.Int64
}

func newStore(api spa.DeviceAPI, sched *scheduler.Scheduler, celsius bool, log *logSink) *Store {
	return &Store{
		api:     api,
		sched:   sched,
		celsius: celsius,
		log:     log,
	}
}

// Current returns the latest Snapshot and whether one exists yet.
func (s *Store) Current() (spa.Snapshot, bool) {
	p := s.current.Load()
	if p == nil {
		return spa.Snapshot{}, false
	}
	return *p, true
}

// Refresh fetches the device state and replaces the Snapshot. On failure
// the previous Snapshot stays in place and the error wraps ErrTransport.
//
// Refresh must not be called from the timeline.
func (s *Store) Refresh(ctx context.Context) (spa.Snapshot, error) {
	raw, err := s.api.FetchState(ctx)
	if err != nil {
		s.refreshFailures.Add(1)
		return spa.Snapshot{}, s.classify("fetch state", err)
	}

	fetchedAt := s.sched.Now()
	var snap spa.Snapshot
	if err := s.sched.Do(ctx, func() {
		snap = s.apply(raw, fetchedAt)
	}); err != nil {
		s.refreshFailures.Add(1)
		if errors.Is(err, scheduler.ErrStopped) {
			return spa.Snapshot{}, ErrStopped
		}
		return spa.Snapshot{}, err
	}

	s.refreshes.Add(1)
	s.lastRefresh.Store(fetchedAt.UnixNano())
	return snap, nil
}

// apply normalises raw and installs it. Timeline only.
func (s *Store) apply(raw spa.RawState, fetchedAt time.Time) spa.Snapshot {
	snap := spa.Normalize(raw, spa.NormalizeOptions{
		Celsius:   s.celsius,
		FetchedAt: fetchedAt,
		OnDuplicate: func(t spa.ComponentType, port int) {
			s.log.warn("dropping duplicate component", "type", t, "port", port)
		},
		OnUnknown: func(rawType string, port int) {
			s.log.debug("ignoring unknown component type", "type", rawType, "port", port)
		},
	})
	return s.replace(snap)
}

// replace assigns the next version to snap, publishes it and emits a change.
// Timeline only.
func (s *Store) replace(snap spa.Snapshot) spa.Snapshot {
	s.version++
	snap.Version = s.version
	s.current.Store(&snap)
	if s.onChange != nil {
		s.onChange(snap)
	}
	return snap
}

// classify wraps a device API error in ErrTransport, adding
// ErrCredentialExpired and triggering renewal when the token was rejected.
func (s *Store) classify(op string, err error) error {
	if errors.Is(err, spa.ErrUnauthorized) {
		if s.onUnauthorized != nil {
			s.onUnauthorized()
		}
		return fmt.Errorf("%s: %w: %w: %w", op, ErrTransport, ErrCredentialExpired, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// LastRefresh returns when the last successful refresh was fetched.
func (s *Store) LastRefresh() time.Time {
	ns := s.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
