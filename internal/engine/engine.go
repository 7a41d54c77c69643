package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/scheduler"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Engine defaults.
const (
	// DefaultRefreshInterval is the periodic poll interval.
	DefaultRefreshInterval = 10 * time.Minute

	// DefaultSettleDelay is how long the device is given to apply a command
	// before its state is re-read.
	DefaultSettleDelay = 5 * time.Second

	// resolutionBuffer is the capacity of the resolutions channel.
	resolutionBuffer = 64
)

// timerRefresh is the scheduler timer name for periodic refresh.
const timerRefresh = "refresh"

// Options configures an Engine.
type Options struct {
	// API is the device API. Required.
	API spa.DeviceAPI

	// Clock is the time source. Nil means the real clock.
	Clock scheduler.Clock

	// Celsius converts temperatures to and from Celsius.
	Celsius bool

	// RefreshInterval is the periodic poll interval.
	RefreshInterval time.Duration

	// SettleDelay is the confirmation delay after an accepted command.
	SettleDelay time.Duration

	// RenewalLead and RenewalRetry tune credential renewal.
	RenewalLead  time.Duration
	RenewalRetry time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// Engine is the state synchronisation and command reconciliation core.
//
// It owns a scheduler timeline. Snapshot replacements, pending command
// transitions and timer callbacks all run on that timeline; device API calls
// never do.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Engine struct {
	api             spa.DeviceAPI
	sched           *scheduler.Scheduler
	store           *Store
	creds           *CredentialManager
	refreshInterval time.Duration
	settleDelay     time.Duration
	log             *logSink

	// pending and toggle are only touched on the timeline. toggle is the
	// heater-mode toggle sent and not yet resolved.
	pending      map[string]*pendingCommand
	pendingCount atomic.Int64
	toggle       *pendingCommand

	changes     chan spa.Snapshot
	resolutions chan Outcome

	stats counters

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

type counters struct {
	dispatched atomic.Uint64
	confirmed  atomic.Uint64
	reported   atomic.Uint64
	rejected   atomic.Uint64
	fallbacks  atomic.Uint64
}

// Stats is a point-in-time view of engine activity.
type Stats struct {
	Dispatched      uint64        `json:"commands_dispatched"`
	Confirmed       uint64        `json:"commands_confirmed"`
	Reported        uint64        `json:"commands_reported"`
	Rejected        uint64        `json:"commands_rejected"`
	Fallbacks       uint64        `json:"fallback_refreshes"`
	Pending         int64         `json:"commands_pending"`
	Refreshes       uint64        `json:"refreshes"`
	RefreshFailures uint64        `json:"refresh_failures"`
	Renewals        uint64        `json:"credential_renewals"`
	RenewalFailures uint64        `json:"credential_renewal_failures"`
	SnapshotVersion uint64        `json:"snapshot_version"`
	SnapshotAge     time.Duration `json:"snapshot_age_ns"`
	Timers          int           `json:"timers"`
}

// New creates an Engine. Call Start to authenticate and begin polling.
func New(opts Options) (*Engine, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("device API is required")
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}

	log := &logSink{logger: opts.Logger}
	sched := scheduler.New(scheduler.Options{Clock: opts.Clock, Logger: log})

	e := &Engine{
		api:             opts.API,
		sched:           sched,
		refreshInterval: opts.RefreshInterval,
		settleDelay:     opts.SettleDelay,
		log:             log,
		pending:         make(map[string]*pendingCommand),
		changes:         make(chan spa.Snapshot, 1),
		resolutions:     make(chan Outcome, resolutionBuffer),
	}
	e.ctx, e.ctxCancel = context.WithCancel(context.Background())

	e.store = newStore(opts.API, sched, opts.Celsius, log)
	e.creds = newCredentialManager(opts.API, sched, opts.RenewalLead, opts.RenewalRetry, log)

	e.store.onChange = e.emitChange
	e.store.onUnauthorized = e.creds.RenewNow
	e.creds.onRenewed = func() { e.refreshInBackground("credential renewed", nil) }

	return e, nil
}

// Start runs the timeline, authenticates, performs the initial refresh and
// arms the periodic refresh and renewal timers.
//
// ErrCredentialInvalid and initial refresh failures are returned; the engine
// is stopped in that case.
func (e *Engine) Start(ctx context.Context) error {
	err := ErrStopped
	e.startOnce.Do(func() {
		err = e.start(ctx)
	})
	return err
}

func (e *Engine) start(ctx context.Context) error {
	e.creds.bind(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.Run(e.ctx)
	}()

	cred, err := e.creds.Authenticate(ctx)
	if err != nil {
		e.Stop()
		return err
	}
	e.log.info("authenticated", "expires_at", cred.ExpiresAt())

	snap, err := e.store.Refresh(ctx)
	if err != nil {
		e.Stop()
		return fmt.Errorf("initial refresh: %w", err)
	}

	e.sched.Every(timerRefresh, e.refreshInterval, func() {
		e.refreshInBackground("periodic", nil)
	})
	e.creds.ScheduleRenewal(cred)
	e.started.Store(true)

	e.log.info("engine started",
		"spa_id", snap.SpaID,
		"components", len(snap.Components),
		"refresh_interval", e.refreshInterval.String())
	return nil
}

// Stop cancels every timer and in-flight device call. Pending commands
// resolve as Reported with ErrStopped. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.sched.Stop()
		e.ctxCancel()
		e.wg.Wait()

		// The timeline has exited, so pending is safe to read here.
		for id, pc := range e.pending {
			delete(e.pending, id)
			pc.res.resolve(pc.outcome(StateReported, ErrStopped))
		}
		e.pendingCount.Store(0)
		e.started.Store(false)
		e.log.info("engine stopped")
	})
}

// Running reports whether Start succeeded and Stop has not been called.
func (e *Engine) Running() bool {
	return e.started.Load()
}

// Current returns the latest Snapshot. It never blocks.
func (e *Engine) Current() (spa.Snapshot, bool) {
	return e.store.Current()
}

// Refresh fetches and installs a new Snapshot.
func (e *Engine) Refresh(ctx context.Context) (spa.Snapshot, error) {
	return e.store.Refresh(ctx)
}

// Changes delivers the latest Snapshot after every replacement. The channel
// holds at most one value: a slow consumer only ever sees the newest one.
func (e *Engine) Changes() <-chan spa.Snapshot {
	return e.changes
}

// Resolutions delivers the final outcome of every command that was Pending
// when Dispatch returned.
func (e *Engine) Resolutions() <-chan Outcome {
	return e.resolutions
}

// Credential returns the current access credential.
func (e *Engine) Credential() (spa.Credential, bool) {
	return e.creds.Current()
}

// PendingCount returns the number of commands awaiting confirmation.
func (e *Engine) PendingCount() int {
	return int(e.pendingCount.Load())
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.log.set(logger)
}

// Stats returns current engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Dispatched:      e.stats.dispatched.Load(),
		Confirmed:       e.stats.confirmed.Load(),
		Reported:        e.stats.reported.Load(),
		Rejected:        e.stats.rejected.Load(),
		Fallbacks:       e.stats.fallbacks.Load(),
		Pending:         e.pendingCount.Load(),
		Refreshes:       e.store.refreshes.Load(),
		RefreshFailures: e.store.refreshFailures.Load(),
		Renewals:        e.creds.renewals.Load(),
		RenewalFailures: e.creds.renewalFailures.Load(),
		Timers:          e.sched.Pending(),
	}
	if snap, ok := e.store.Current(); ok {
		s.SnapshotVersion = snap.Version
		s.SnapshotAge = e.sched.Now().Sub(snap.FetchedAt)
	}
	return s
}

// emitChange runs on the timeline after every snapshot replacement.
func (e *Engine) emitChange(snap spa.Snapshot) {
	select {
	case e.changes <- snap:
		return
	default:
	}
	// Replace the unread value; the timeline is the only producer.
	select {
	case <-e.changes:
	default:
	}
	select {
	case e.changes <- snap:
	default:
	}
}

// refreshInBackground fetches off the timeline. then, if set, runs on the
// timeline with the result.
func (e *Engine) refreshInBackground(reason string, then func(spa.Snapshot, error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		snap, err := e.store.Refresh(e.ctx)
		if err != nil && !errors.Is(err, ErrStopped) && e.ctx.Err() == nil {
			e.log.error("background refresh failed", err, "reason", reason)
		}
		if then != nil {
			e.sched.Post(func() { then(snap, err) })
		}
	}()
}
