// Package bridge connects the spa reconciliation engine to an MQTT broker.
//
// The Bridge subscribes to the per-spa command topics, turns inbound payloads
// into engine dispatches, and republishes retained state whenever the engine
// reports a new snapshot. When Home Assistant discovery is enabled it also
// publishes discovery configs and republishes everything when Home Assistant
// announces it is back online.
//
// # Message Flow
//
//	MQTT {prefix}/light/0/set ──▶ Bridge ──▶ Engine.Dispatch ──▶ device API
//	                                                   │
//	Engine.Changes ──▶ Bridge ──▶ {prefix}/spa, {prefix}/light/0 (retained)
//	Engine.Resolutions ──▶ Bridge ──▶ {prefix}/error (reported outcomes)
//
// Failed commands and refreshes are reported on {prefix}/error:
//
//	{"command_id":"…","entity":"light/0","value":"HIGH","status":"rejected","error":"…"}
//
// # Health
//
// A HealthReporter publishes a retained report on controlmyspa/bridge/health
// every health interval. The bridge is degraded when MQTT is disconnected,
// when no snapshot exists, or when the snapshot is older than three refresh
// intervals.
package bridge
