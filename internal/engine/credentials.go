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

// Renewal timing defaults.
const (
	// DefaultRenewalLead is how long before expiry the token is renewed.
	DefaultRenewalLead = 60 * time.Second

	// DefaultRenewalRetry is the backoff after a failed renewal.
	DefaultRenewalRetry = 60 * time.Second
)

// timerRenewal is the scheduler timer name for credential renewal.
const timerRenewal = "credential-renewal"

// CredentialManager owns the access token lifecycle. The DeviceAPI keeps the
// token it was issued; the manager tracks expiry and decides when to ask for
// a new one.
type CredentialManager struct {
	api   spa.DeviceAPI
	sched *scheduler.Scheduler
	lead  time.Duration
	retry time.Duration
	log   *logSink

	// onRenewed runs on the timeline after every successful renewal.
	onRenewed func()

	mu   sync.RWMutex
	cred spa.Credential
	has  bool
	ctx  context.Context

	// renewing is only touched on the timeline.
	renewing bool

	renewals        atomic.Uint64
	renewalFailures atomic.Uint64
}

func newCredentialManager(api spa.DeviceAPI, sched *scheduler.Scheduler, lead, retry time.Duration, log *logSink) *CredentialManager {
	if lead <= 0 {
		lead = DefaultRenewalLead
	}
	if retry <= 0 {
		retry = DefaultRenewalRetry
	}
	return &CredentialManager{
		api:   api,
		sched: sched,
		lead:  lead,
		retry: retry,
		log:   log,
		ctx:   context.Background(),
	}
}

// bind sets the context background renewals run under.
func (m *CredentialManager) bind(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// Authenticate obtains a new credential and records it.
//
// Rejected account credentials map to ErrCredentialInvalid; any other
// failure wraps ErrTransport.
func (m *CredentialManager) Authenticate(ctx context.Context) (spa.Credential, error) {
	cred, err := m.api.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, spa.ErrInvalidCredentials) {
			return spa.Credential{}, fmt.Errorf("authenticate: %w: %w", ErrCredentialInvalid, err)
		}
		return spa.Credential{}, fmt.Errorf("authenticate: %w: %w", ErrTransport, err)
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = m.sched.Now()
	}

	m.mu.Lock()
	m.cred = cred
	m.has = true
	m.mu.Unlock()
	return cred, nil
}

// Current returns the last issued credential.
func (m *CredentialManager) Current() (spa.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred, m.has
}

// ScheduleRenewal arms the renewal timer for cred, lead time before expiry.
// An overdue credential is renewed immediately.
func (m *CredentialManager) ScheduleRenewal(cred spa.Credential) {
	d := cred.ExpiresAt().Sub(m.sched.Now()) - m.lead
	if d < 0 {
		d = 0
	}
	m.sched.After(timerRenewal, d, m.renew)
	m.log.debug("credential renewal scheduled", "in", d.String())
}

// RenewNow replaces the pending renewal with an immediate one.
func (m *CredentialManager) RenewNow() {
	m.sched.After(timerRenewal, 0, m.renew)
}

// renew runs on the timeline. The network call runs in its own goroutine and
// posts its result back.
func (m *CredentialManager) renew() {
	if m.renewing {
		return
	}
	m.renewing = true

	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()

	go func() {
		cred, err := m.Authenticate(ctx)
		m.sched.Post(func() { m.renewed(cred, err) })
	}()
}

// renewed runs on the timeline with the outcome of a renewal attempt.
func (m *CredentialManager) renewed(cred spa.Credential, err error) {
	m.renewing = false

	if err != nil {
		m.renewalFailures.Add(1)
		m.log.error("credential renewal failed, retrying",
			fmt.Errorf("%w: %w", ErrCredentialExpired, err),
			"retry_in", m.retry.String())
		m.sched.After(timerRenewal, m.retry, m.renew)
		return
	}

	m.renewals.Add(1)
	m.log.info("credential renewed", "expires_at", cred.ExpiresAt())
	m.ScheduleRenewal(cred)
	if m.onRenewed != nil {
		m.onRenewed()
	}
}
