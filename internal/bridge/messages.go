package bridge

import (
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/mqtt"
)

// HealthTopic carries the periodic retained health message. It sits beside
// the per-spa namespace so it is valid before the spa ID is known. The
// availability topic next to it is owned by the MQTT client's Last Will.
var HealthTopic = mqtt.Topics{}.Health()

// ErrorMessage is published (not retained) on {prefix}/error when a command
// or refresh fails.
type ErrorMessage struct {
	CommandID string    `json:"command_id,omitempty"`
	Entity    string    `json:"entity"`
	Value     string    `json:"value,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// NewErrorMessage builds the error report for a command outcome.
func NewErrorMessage(out engine.Outcome) ErrorMessage {
	return ErrorMessage{
		CommandID: out.CommandID,
		Entity:    out.Entity,
		Value:     out.Value,
		Status:    string(out.State),
		Error:     out.Reason(),
		Timestamp: time.Now().UTC(),
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained health report.
// Topic: controlmyspa/bridge/health
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	MQTTConnected bool `json:"mqtt_connected"`

	// Snapshot fields are omitted until the first refresh succeeds.
	SpaID              string `json:"spa_id,omitempty"`
	SpaOnline          bool   `json:"spa_online"`
	SnapshotVersion    uint64 `json:"snapshot_version,omitempty"`
	SnapshotAgeSeconds int64  `json:"snapshot_age_seconds,omitempty"`

	PendingCommands int64             `json:"pending_commands"`
	Statistics      *HealthStatistics `json:"statistics,omitempty"`

	// Reason explains a degraded status.
	Reason string `json:"reason,omitempty"`
}

// HealthStatistics are the engine counters carried in the health report.
type HealthStatistics struct {
	Dispatched      uint64 `json:"commands_dispatched"`
	Confirmed       uint64 `json:"commands_confirmed"`
	Reported        uint64 `json:"commands_reported"`
	Rejected        uint64 `json:"commands_rejected"`
	Refreshes       uint64 `json:"refreshes"`
	RefreshFailures uint64 `json:"refresh_failures"`
}

func newHealthStatistics(s engine.Stats) *HealthStatistics {
	return &HealthStatistics{
		Dispatched:      s.Dispatched,
		Confirmed:       s.Confirmed,
		Reported:        s.Reported,
		Rejected:        s.Rejected,
		Refreshes:       s.Refreshes,
		RefreshFailures: s.RefreshFailures,
	}
}
