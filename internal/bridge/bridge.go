package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/hass"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Consumer lifecycle payloads on the discovery status topic.
const payloadConsumerOnline = "online"

// Home Assistant climate modes accepted on the heater mode topic.
const (
	climateModeOff  = "off"
	climateModeHeat = "heat"
)

const (
	// maxInboundJobs bounds the inbound messages handled concurrently.
	maxInboundJobs = 16

	// commandTimeout bounds a single inbound command or refresh.
	commandTimeout = 45 * time.Second
)

// Bridge connects the reconciliation engine to the MQTT bus.
// It handles:
//   - Routing inbound command topics to Engine.Dispatch and Engine.Refresh
//   - Publishing retained state on every snapshot change
//   - Home Assistant discovery, republished when the consumer restarts
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      Config
	engine   Engine
	mqtt     MQTTClient
	health   *HealthReporter
	sink     TelemetrySink
	observer Observer

	// Set once by Start.
	mapper   *entity.Mapper
	renderer *hass.Renderer
	mapMu    sync.RWMutex

	// subscribed tracks command topics already subscribed to.
	subscribed map[string]bool
	subMu      sync.Mutex

	// State cache for change detection, keyed by topic.
	stateCache   map[string]string
	stateCacheMu sync.Mutex

	// publishMu serialises snapshot publishing. lastVersion is the newest
	// snapshot version published.
	publishMu   sync.Mutex
	lastVersion uint64

	// Inbound work runs off the MQTT delivery goroutine.
	inbound  *semaphore.Weighted
	stopping bool
	stopMu   sync.Mutex

	metrics counters

	// Shutdown coordination
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

type counters struct {
	published atomic.Uint64
	skipped   atomic.Uint64
	inbound   atomic.Uint64
	unrouted  atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// Logger defines the logging interface used by the bridge.
// This is compatible with slog.Logger and the logging package's Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Engine is the subset of *engine.Engine the bridge drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Current() (spa.Snapshot, bool)
	Refresh(ctx context.Context) (spa.Snapshot, error)
	Dispatch(ctx context.Context, key entity.Key, value string) engine.Outcome
	Changes() <-chan spa.Snapshot
	Resolutions() <-chan engine.Outcome
	Stats() engine.Stats
}

// TelemetrySink receives every published snapshot. Implementations must not
// block. Optional.
type TelemetrySink interface {
	WriteSnapshot(snap spa.Snapshot)
}

// Observer is notified of snapshot changes and command resolutions, for
// example to stream them to API clients. Implementations must not block.
// Optional.
type Observer interface {
	SnapshotChanged(snap spa.Snapshot)
	CommandResolved(out engine.Outcome)
}

// Config holds the bridge's bus-facing settings.
type Config struct {
	// TopicPrefix is the root of every spa topic. Empty means "controlmyspa".
	TopicPrefix string

	// Celsius selects the unit reported in descriptors.
	Celsius bool

	// QoS is used for every publish and subscribe.
	QoS byte

	// Discovery enables Home Assistant discovery.
	Discovery bool

	// DiscoveryPrefix is the Home Assistant discovery root.
	DiscoveryPrefix string

	// DiscoveryStatusTopic is where the consumer announces restarts.
	DiscoveryStatusTopic string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published.
	HealthInterval time.Duration

	// RefreshInterval is the engine poll interval, for staleness checks.
	RefreshInterval time.Duration
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config     Config
	Engine     Engine
	MQTTClient MQTTClient

	// Telemetry is an optional snapshot sink.
	Telemetry TelemetrySink

	// Observer is an optional change listener.
	Observer Observer

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Config.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", opts.Config.QoS)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        opts.Config,
		engine:     opts.Engine,
		mqtt:       opts.MQTTClient,
		sink:       opts.Telemetry,
		observer:   opts.Observer,
		subscribed: make(map[string]bool),
		stateCache: make(map[string]string),
		inbound:    semaphore.NewWeighted(maxInboundJobs),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:        "controlmyspa",
		Version:         opts.Config.Version,
		Interval:        opts.Config.HealthInterval,
		RefreshInterval: opts.Config.RefreshInterval,
		Publisher:       opts.MQTTClient,
		Source:          opts.Engine,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start authenticates and performs the initial refresh through the engine,
// subscribes to the command topics, publishes discovery and state, and
// starts the change consumers and health reporting.
//
// Engine errors (including engine.ErrCredentialInvalid) are returned wrapped.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if err := b.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	// The initial refresh is published below; drop its change notification.
	select {
	case <-b.engine.Changes():
	default:
	}

	snap, ok := b.engine.Current()
	if !ok {
		return fmt.Errorf("starting engine: %w", engine.ErrNotReady)
	}

	mapper, err := entity.NewMapper(entity.MapperOptions{
		SpaID:                snap.SpaID,
		TopicPrefix:          b.cfg.TopicPrefix,
		DiscoveryStatusTopic: b.cfg.DiscoveryStatusTopic,
		Celsius:              b.cfg.Celsius,
	})
	if err != nil {
		return fmt.Errorf("building topic mapper: %w", err)
	}
	renderer, err := hass.NewRenderer(mapper, b.cfg.DiscoveryPrefix)
	if err != nil {
		return fmt.Errorf("building discovery renderer: %w", err)
	}

	b.mapMu.Lock()
	b.mapper = mapper
	b.renderer = renderer
	b.mapMu.Unlock()

	if err := b.subscribeCommands(snap); err != nil {
		return err
	}
	if b.cfg.Discovery {
		topic := mapper.DiscoveryStatusTopic()
		if err := b.mqtt.Subscribe(topic, b.cfg.QoS, b.OnInboundMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed to consumer status", "topic", topic)
	}

	b.OnSnapshotChanged(snap)

	b.wg.Add(2)
	go b.consumeChanges()
	go b.consumeResolutions()

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"spa_id", snap.SpaID,
		"prefix", mapper.Prefix(),
		"components", len(snap.Components),
		"discovery", b.cfg.Discovery)

	return nil
}

// Stop gracefully shuts down the bridge. Pending commands are abandoned.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopping = true
		b.stopMu.Unlock()

		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.engine.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// Mapper returns the topic mapper, or nil before Start succeeds.
func (b *Bridge) Mapper() *entity.Mapper {
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	return b.mapper
}

// Health returns the current health status and reason.
func (b *Bridge) Health() (HealthStatus, string) {
	return b.health.Status()
}

// OnInboundMessage routes an MQTT message. It is the handler for every
// subscription the bridge makes. Routing happens inline; the resulting work
// runs on its own goroutine so a slow device call never holds up delivery.
func (b *Bridge) OnInboundMessage(topic string, payload []byte) {
	b.metrics.inbound.Add(1)

	b.mapMu.RLock()
	mapper := b.mapper
	b.mapMu.RUnlock()
	if mapper == nil {
		b.logError("message before start", fmt.Errorf("%w: %s", ErrNotStarted, topic))
		return
	}

	route := mapper.RouteIncoming(topic)
	switch route.Kind {
	case entity.RouteConsumerRestart:
		b.goInbound(topic, "consumer", func(context.Context) {
			b.handleConsumerStatus(payload)
		})
	case entity.RouteRefresh:
		b.goInbound(topic, "refresh", b.handleRefresh)
	case entity.RouteEntity:
		key := route.Key
		b.goInbound(topic, key.String(), func(ctx context.Context) {
			b.handleCommand(ctx, key, payload)
		})
	default:
		b.metrics.unrouted.Add(1)
		b.logError("discarding message", fmt.Errorf("%w: %s", ErrBusRouting, topic))
	}
}

// goInbound runs fn on a goroutine tracked by b.wg, bounded by
// maxInboundJobs. When the bound is reached the message is dropped and
// reported on the error topic.
func (b *Bridge) goInbound(topic, name string, fn func(ctx context.Context)) {
	if !b.inbound.TryAcquire(1) {
		b.metrics.dropped.Add(1)
		b.logError("dropping message", fmt.Errorf("%w: %s", ErrBusy, topic))
		b.publishError(ErrorMessage{
			Entity:    name,
			Status:    string(engine.StateRejected),
			Error:     ErrBusy.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	b.stopMu.Lock()
	if b.stopping {
		b.stopMu.Unlock()
		b.inbound.Release(1)
		b.logDebug("discarding message during shutdown", "topic", topic)
		return
	}
	b.wg.Add(1)
	b.stopMu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.inbound.Release(1)

		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// handleConsumerStatus republishes everything when the consumer comes back
// online, bypassing the unchanged-payload cache.
func (b *Bridge) handleConsumerStatus(payload []byte) {
	status := strings.ToLower(strings.TrimSpace(string(payload)))
	if status != payloadConsumerOnline {
		b.logDebug("consumer status", "status", status)
		return
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	snap, ok := b.engine.Current()
	if !ok {
		return
	}
	b.logInfo("consumer restarted, republishing")
	b.ClearStateCache()
	b.publishSnapshot(snap)
}

func (b *Bridge) handleRefresh(ctx context.Context) {
	if _, err := b.engine.Refresh(ctx); err != nil {
		b.logError("manual refresh failed", err)
		b.publishError(ErrorMessage{
			Entity:    "refresh",
			Status:    string(engine.StateRejected),
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (b *Bridge) handleCommand(ctx context.Context, key entity.Key, payload []byte) {
	b.Command(ctx, key, string(payload))
}

// Command normalises a raw command value, dispatches it and reports a
// failed outcome on the error topic. It serves both MQTT command topics and
// the HTTP API.
func (b *Bridge) Command(ctx context.Context, key entity.Key, raw string) engine.Outcome {
	value := b.commandValue(key, strings.TrimSpace(raw))

	b.logInfo("received command", "entity", key.String(), "value", value)

	out := b.engine.Dispatch(ctx, key, value)
	switch out.State {
	case engine.StateRejected, engine.StateReported:
		b.publishError(NewErrorMessage(out))
	default:
		b.logDebug("command dispatched",
			"command_id", out.CommandID,
			"entity", out.Entity,
			"status", out.State)
	}
	return out
}

func (b *Bridge) commandValue(key entity.Key, value string) string {
	if !key.IsSetting() {
		return value
	}

	switch key.Setting {
	case entity.SettingHeaterMode:
		switch strings.ToLower(value) {
		case climateModeOff:
			return string(spa.HeaterRest)
		case climateModeHeat:
			return string(spa.HeaterReady)
		case strings.ToLower(entity.PayloadToggle):
			if snap, ok := b.engine.Current(); ok && snap.HeaterMode == spa.HeaterReady {
				return string(spa.HeaterRest)
			}
			return string(spa.HeaterReady)
		}
	case entity.SettingDesiredTemp:
		if t, err := strconv.ParseFloat(value, 64); err == nil {
			return strconv.FormatFloat(spa.Round1(t), 'f', -1, 64)
		}
	}
	return value
}

// OnSnapshotChanged publishes retained state (and discovery, when enabled)
// for snap, skipping payloads identical to the last ones published. It also
// subscribes to command topics of newly seen components and forwards the
// snapshot to the telemetry sink and observer.
//
// Calls are serialised. A snapshot older than the last one published is
// ignored.
func (b *Bridge) OnSnapshotChanged(snap spa.Snapshot) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.publishSnapshot(snap)
}

// publishSnapshot does the work of OnSnapshotChanged. Callers hold publishMu.
func (b *Bridge) publishSnapshot(snap spa.Snapshot) {
	if snap.Version < b.lastVersion {
		b.logDebug("skipping stale snapshot", "version", snap.Version, "published", b.lastVersion)
		return
	}

	b.mapMu.RLock()
	mapper, renderer := b.mapper, b.renderer
	b.mapMu.RUnlock()
	if mapper == nil {
		return
	}
	b.lastVersion = snap.Version

	if b.cfg.Discovery {
		msgs, err := renderer.Render(snap)
		if err != nil {
			b.logError("failed to render discovery", err)
		}
		for _, m := range msgs {
			b.publishRetained(m.Topic, m.Payload)
		}
	}

	msgs, err := mapper.StateMessages(snap)
	if err != nil {
		b.logError("failed to render state", err)
	}
	for _, m := range msgs {
		b.publishRetained(m.Topic, m.Payload)
	}

	if err := b.subscribeCommands(snap); err != nil {
		b.logError("failed to subscribe new command topics", err)
	}

	if b.sink != nil {
		b.sink.WriteSnapshot(snap)
	}
	if b.observer != nil {
		b.observer.SnapshotChanged(snap)
	}
}

func (b *Bridge) consumeChanges() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case snap := <-b.engine.Changes():
			b.OnSnapshotChanged(snap)
		}
	}
}

func (b *Bridge) consumeResolutions() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case out := <-b.engine.Resolutions():
			if out.State == engine.StateReported {
				b.publishError(NewErrorMessage(out))
			}
			b.logInfo("command resolved",
				"command_id", out.CommandID,
				"entity", out.Entity,
				"status", out.State)
			if b.observer != nil {
				b.observer.CommandResolved(out)
			}
		}
	}
}

// subscribeCommands subscribes to every command topic for snap not yet
// subscribed.
func (b *Bridge) subscribeCommands(snap spa.Snapshot) error {
	mapper := b.Mapper()
	if mapper == nil {
		return ErrNotStarted
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	var errs []error
	for _, topic := range mapper.CommandTopics(snap) {
		if b.subscribed[topic] {
			continue
		}
		if err := b.mqtt.Subscribe(topic, b.cfg.QoS, b.OnInboundMessage); err != nil {
			errs = append(errs, fmt.Errorf("subscribe to %s: %w", topic, err))
			continue
		}
		b.subscribed[topic] = true
		b.logDebug("subscribed", "topic", topic)
	}
	return errors.Join(errs...)
}

// publishRetained publishes payload unless it matches the cached payload for
// topic. The cache is only updated on success so failures are retried on the
// next change.
func (b *Bridge) publishRetained(topic string, payload []byte) {
	if b.stateUnchanged(topic, payload) {
		b.metrics.skipped.Add(1)
		return
	}
	if err := b.mqtt.Publish(topic, payload, b.cfg.QoS, true); err != nil {
		b.metrics.errors.Add(1)
		b.logError("failed to publish "+topic, err)
		return
	}
	b.metrics.published.Add(1)

	b.stateCacheMu.Lock()
	b.stateCache[topic] = string(payload)
	b.stateCacheMu.Unlock()
}

func (b *Bridge) publishError(msg ErrorMessage) {
	mapper := b.Mapper()
	if mapper == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal error message", err)
		return
	}
	if err := b.mqtt.Publish(mapper.ErrorTopic(), payload, b.cfg.QoS, false); err != nil {
		b.metrics.errors.Add(1)
		b.logError("failed to publish error message", err)
	}
}

// stateUnchanged reports whether payload matches what was last published on
// topic.
func (b *Bridge) stateUnchanged(topic string, payload []byte) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	cached, ok := b.stateCache[topic]
	return ok && cached == string(payload)
}

// ClearStateCache forgets every published payload so the next change
// republishes everything.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	b.stateCache = make(map[string]string)
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	MQTTConnected   bool         `json:"mqtt_connected"`
	Status          HealthStatus `json:"status"`
	Published       uint64       `json:"messages_published"`
	Skipped         uint64       `json:"messages_unchanged"`
	Inbound         uint64       `json:"messages_received"`
	Unrouted        uint64       `json:"messages_unrouted"`
	Dropped         uint64       `json:"messages_dropped"`
	PublishFailures uint64       `json:"publish_failures"`
}

// GetMetrics returns current bridge metrics for the API metrics endpoint.
func (b *Bridge) GetMetrics() BridgeMetrics {
	status, _ := b.health.Status()
	return BridgeMetrics{
		MQTTConnected:   b.mqtt.IsConnected(),
		Status:          status,
		Published:       b.metrics.published.Load(),
		Skipped:         b.metrics.skipped.Load(),
		Inbound:         b.metrics.inbound.Load(),
		Unrouted:        b.metrics.unrouted.Load(),
		Dropped:         b.metrics.dropped.Load(),
		PublishFailures: b.metrics.errors.Load(),
	}
}
