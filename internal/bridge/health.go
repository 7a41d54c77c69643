package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Health defaults.
const (
	defaultHealthInterval = 30 * time.Second

	// staleFactor is how many refresh intervals a snapshot may age before
	// the bridge reports degraded.
	staleFactor = 3
)

// HealthReporter publishes a retained HealthMessage on HealthTopic every
// interval, plus "starting" and "stopping" reports around the bridge's
// lifetime.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	// mu guards the fields below.
	mu     sync.Mutex
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	halted bool
	logger Logger
}

// HealthPublisher is the subset of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthSource provides the spa-side figures of the health report.
// *engine.Engine satisfies it.
type HealthSource interface {
	Current() (spa.Snapshot, bool)
	Stats() engine.Stats
}

// HealthReporterConfig configures a HealthReporter. Zero durations take
// defaults.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval between reports. Default 30s.
	Interval time.Duration

	// RefreshInterval is the engine's poll interval; a snapshot older than
	// staleFactor intervals makes the bridge degraded.
	RefreshInterval time.Duration

	Publisher HealthPublisher
	Source    HealthSource // optional
}

// NewHealthReporter returns a reporter. Nothing is published until Start
// or one of the Publish methods is called.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = engine.DefaultRefreshInterval
	}
	return &HealthReporter{cfg: cfg, started: time.Now()}
}

// Start publishes a report now and then every interval until ctx ends or
// Stop is called. Starting twice, or after Stop, does nothing.
func (h *HealthReporter) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.halted {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.loopWG.Add(1)
	go h.run(ctx)
}

// Stop ends periodic reporting and publishes a final "stopping" report.
// Only the first call has any effect.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	if h.halted {
		h.mu.Unlock()
		return
	}
	h.halted = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		h.loopWG.Wait()
	}
	if err := h.publishStatus(HealthStopping, ""); err != nil {
		h.logError("failed to publish stopping health", err)
	}
}

// SetLogger sets the logger used for publish failures.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// PublishStarting publishes a "starting" report.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes a report for the current Status.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.Status()
	return h.publishStatus(status, reason)
}

// Status evaluates the current bridge status and the reason it is not
// healthy, if any.
func (h *HealthReporter) Status() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	src := h.cfg.Source
	if src == nil {
		return HealthDegraded, "no snapshot"
	}
	if _, ok := src.Current(); !ok {
		return HealthDegraded, "no snapshot"
	}
	limit := staleFactor * h.cfg.RefreshInterval
	if age := src.Stats().SnapshotAge; age > limit {
		return HealthDegraded, fmt.Sprintf("snapshot older than %s", limit)
	}
	return HealthHealthy, ""
}

// Message builds the health report for the given status.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        h.cfg.BridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Reason:        reason,
	}
	if h.cfg.Publisher != nil {
		msg.MQTTConnected = h.cfg.Publisher.IsConnected()
	}
	src := h.cfg.Source
	if src == nil {
		return msg
	}

	stats := src.Stats()
	msg.PendingCommands = stats.Pending
	msg.Statistics = newHealthStatistics(stats)
	if snap, ok := src.Current(); ok {
		msg.SpaID = snap.SpaID
		msg.SpaOnline = snap.Online
		msg.SnapshotVersion = stats.SnapshotVersion
		msg.SnapshotAgeSeconds = int64(stats.SnapshotAge.Seconds())
	}
	return msg
}

func (h *HealthReporter) run(ctx context.Context) {
	defer h.loopWG.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.logError("failed to publish health", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// publishStatus sends a retained QoS 1 report. Without a publisher it is a
// no-op.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return fmt.Errorf("encoding health report: %w", err)
	}
	return h.cfg.Publisher.Publish(HealthTopic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.mu.Lock()
	logger := h.logger
	h.mu.Unlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
