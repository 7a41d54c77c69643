package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// confirmTimerPrefix prefixes the per-command confirmation timer name.
const confirmTimerPrefix = "confirm/"

// Confirmation policies.
const (
	policyInline = "inline"
	policyAsync  = "async"
)

// pendingCommand is an accepted command awaiting confirmation. It lives on
// the timeline and is dropped once resolved.
type pendingCommand struct {
	id           string
	key          entity.Key
	value        string
	sentAt       time.Time
	policy       string
	fallbackUsed bool
	plan         plan
	res          *resolution
}

func (pc *pendingCommand) timerName() string {
	return confirmTimerPrefix + pc.id
}

func (pc *pendingCommand) outcome(state State, err error) Outcome {
	return Outcome{
		CommandID: pc.id,
		Key:       pc.key,
		Entity:    pc.key.String(),
		Value:     pc.value,
		State:     state,
		Err:       err,
		SentAt:    pc.sentAt,
		res:       pc.res,
	}
}

// Dispatch validates, sends and reconciles one command.
//
// The device call runs in the caller's goroutine. The returned Outcome is
// final unless its State is StatePending, in which case it resolves on the
// timeline after the settle delay (and at most one fallback refresh).
func (e *Engine) Dispatch(ctx context.Context, key entity.Key, value string) Outcome {
	out := Outcome{
		CommandID: uuid.NewString(),
		Key:       key,
		Entity:    key.String(),
		Value:     value,
	}
	e.stats.dispatched.Add(1)

	snap, ok := e.store.Current()
	if !ok {
		return e.reject(out, ErrNotReady)
	}

	p, err := planCommand(snap, key, value)
	if err != nil {
		return e.reject(out, err)
	}

	pc := &pendingCommand{
		id:    out.CommandID,
		key:   key,
		value: value,
		plan:  p,
		res:   newResolution(),
	}

	if p.cmd.Kind == spa.CommandToggleHeaterMode {
		var claim toggleClaim
		if err := e.sched.Do(ctx, func() { claim = e.claimToggle(pc) }); err != nil {
			// The claim may still run once queued; undo it behind it.
			e.sched.Post(func() { e.releaseToggle(pc) })
			if ctx.Err() == nil {
				err = ErrStopped
			}
			return e.reject(out, err)
		}
		switch claim.kind {
		case toggleSatisfied:
			e.stats.confirmed.Add(1)
			out.State = StateConfirmed
			e.log.debug("command already satisfied", "command_id", out.CommandID, "entity", out.Entity, "value", value)
			return out
		case toggleFollow:
			return claim.outcome
		}
	}

	pc.sentAt = e.sched.Now()
	out.SentAt = pc.sentAt
	ack, err := e.api.SendCommand(ctx, p.cmd)
	if err != nil {
		e.sched.Post(func() { e.releaseToggle(pc) })
		return e.reject(out, e.store.classify("send "+p.cmd.String(), err))
	}
	e.log.info("command accepted",
		"command_id", out.CommandID,
		"command", p.cmd.String(),
		"status", ack.Status)

	var result Outcome
	if err := e.sched.Do(ctx, func() { result = e.reconcileAck(pc, ack) }); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The reconcile event is still queued and will resolve pc.
			return pc.outcome(StatePending, nil)
		}
		e.stats.reported.Add(1)
		return pc.outcome(StateReported, ErrStopped)
	}
	return result
}

func (e *Engine) reject(out Outcome, err error) Outcome {
	e.stats.rejected.Add(1)
	out.State = StateRejected
	out.Err = err
	e.log.warn("command rejected", "command_id", out.CommandID, "entity", out.Entity, "value", out.Value, "error", err)
	return out
}

// reconcileAck applies the confirmation policy to an accepted command.
// Timeline only.
func (e *Engine) reconcileAck(pc *pendingCommand, ack spa.Ack) Outcome {
	v, inline := ack.Inline(pc.plan.cmd)
	if !inline {
		pc.policy = policyAsync
		return e.await(pc, "awaiting deferred refresh")
	}

	pc.policy = policyInline
	snap, _ := e.store.Current()
	patched := snap.Clone()
	if applyInline(&patched, pc.plan.cmd, v) {
		snap = e.store.replace(patched)
	}
	if pc.plan.expect(snap) {
		e.releaseToggle(pc)
		e.stats.confirmed.Add(1)
		return pc.outcome(StateConfirmed, nil)
	}

	// The device echoed something other than what was asked for (for
	// example a clamped temperature); one refresh decides.
	pc.fallbackUsed = true
	e.stats.fallbacks.Add(1)
	e.log.warn("inline value differs from requested",
		"command_id", pc.id, "entity", pc.key.String(), "want", pc.value, "got", v)
	return e.await(pc, "awaiting fallback refresh")
}

// await registers pc and arms its confirmation timer. Timeline only.
func (e *Engine) await(pc *pendingCommand, msg string) Outcome {
	if _, ok := e.pending[pc.id]; !ok {
		e.pending[pc.id] = pc
		e.pendingCount.Add(1)
	}
	e.sched.After(pc.timerName(), e.settleDelay, func() { e.confirm(pc) })
	e.log.debug(msg, "command_id", pc.id, "entity", pc.key.String(), "policy", pc.policy)
	return pc.outcome(StatePending, nil)
}

// confirm fires when pc's timer expires. Timeline only.
func (e *Engine) confirm(pc *pendingCommand) {
	e.refreshInBackground("confirm "+pc.id, func(_ spa.Snapshot, err error) {
		e.check(pc, err)
	})
}

// check compares the newest snapshot with pc's expectation. The latest
// snapshot is used rather than the one this refresh produced, so the last
// refresh always wins. Timeline only.
func (e *Engine) check(pc *pendingCommand, fetchErr error) {
	if _, ok := e.pending[pc.id]; !ok {
		return
	}

	if snap, ok := e.store.Current(); ok && pc.plan.expect(snap) {
		e.resolve(pc, StateConfirmed, nil)
		return
	}

	if !pc.fallbackUsed {
		pc.fallbackUsed = true
		e.stats.fallbacks.Add(1)
		e.await(pc, "state not yet matching, scheduling fallback refresh")
		return
	}

	err := fmt.Errorf("%s=%s: %w", pc.key, pc.value, ErrReconciliationMismatch)
	if fetchErr != nil {
		err = fmt.Errorf("%s=%s: %w: %w", pc.key, pc.value, ErrReconciliationMismatch, fetchErr)
	}
	e.resolve(pc, StateReported, err)
}

// resolve finalises pc and publishes its outcome. Timeline only.
func (e *Engine) resolve(pc *pendingCommand, state State, err error) {
	e.releaseToggle(pc)
	delete(e.pending, pc.id)
	e.pendingCount.Add(-1)

	switch state {
	case StateConfirmed:
		e.stats.confirmed.Add(1)
		e.log.info("command confirmed", "command_id", pc.id, "entity", pc.key.String(), "value", pc.value)
	case StateReported:
		e.stats.reported.Add(1)
		e.log.warn("command not reflected by device", "command_id", pc.id, "entity", pc.key.String(), "value", pc.value, "error", err)
	}

	out := pc.outcome(state, err)
	pc.res.resolve(out)

	select {
	case e.resolutions <- out:
	default:
		e.log.warn("resolution dropped, consumer not keeping up", "command_id", pc.id)
	}
}

type toggleClaimKind int

const (
	toggleSend toggleClaimKind = iota
	toggleSatisfied
	toggleFollow
)

type toggleClaim struct {
	kind    toggleClaimKind
	outcome Outcome
}

// claimToggle decides whether a heater-mode toggle is sent. The device only
// flips the mode, so the mode a command would produce depends on any toggle
// already sent and not yet resolved: a command asking for that mode sends
// nothing and follows the in-flight toggle's confirmation, and a command
// asking for the current mode with no toggle in flight is already
// satisfied. Otherwise pc becomes the in-flight toggle. Timeline only.
func (e *Engine) claimToggle(pc *pendingCommand) toggleClaim {
	want := spa.HeaterMode(pc.plan.cmd.Value)

	if lead := e.toggle; lead != nil {
		if spa.HeaterMode(lead.plan.cmd.Value) == want {
			pc.sentAt = e.sched.Now()
			pc.policy = policyAsync
			e.log.info("heater toggle already in flight",
				"command_id", pc.id, "following", lead.id, "value", pc.value)
			return toggleClaim{kind: toggleFollow, outcome: e.await(pc, "following in-flight heater toggle")}
		}
		e.toggle = pc
		return toggleClaim{kind: toggleSend}
	}

	if snap, ok := e.store.Current(); ok && snap.HeaterMode == want {
		return toggleClaim{kind: toggleSatisfied}
	}
	e.toggle = pc
	return toggleClaim{kind: toggleSend}
}

// releaseToggle clears the in-flight toggle if pc holds it. Timeline only.
func (e *Engine) releaseToggle(pc *pendingCommand) {
	if e.toggle == pc {
		e.toggle = nil
	}
}
