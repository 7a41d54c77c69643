// Package engine synchronises an in-memory spa Snapshot with a poll-only
// device API and reconciles the commands written to it.
//
// # Architecture
//
// The Engine owns a scheduler timeline. Every Snapshot replacement, every
// pending command transition and every timer callback runs on it, so that
// state needs no locks. Device API calls never run on the timeline: Dispatch
// sends from the caller's goroutine and timer-driven refreshes fetch in a
// background goroutine whose result is posted back.
//
// # Command Confirmation
//
// The device never pushes state, so the effect of a write is inferred:
//
//   - Inline: the acceptance response echoes the written field. The Snapshot
//     is patched immediately and, if it matches, the command is confirmed
//     with no timer.
//   - Async: nothing is echoed. A confirm/<id> timer re-reads the device after
//     the settle delay.
//
// A mismatch earns exactly one fallback refresh after the same delay. If the
// device still disagrees the outcome is Reported with
// ErrReconciliationMismatch; it is never retried.
//
// # Credentials
//
// The access token is renewed a minute before expiry. A failed renewal is
// logged and retried after a fixed backoff. A successful one triggers a
// single refresh.
package engine
