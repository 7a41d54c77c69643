// ControlMySpa Bridge
//
// This is the main entry point for the spa bridge. It polls the ControlMySpa
// cloud API, republishes spa state over MQTT with Home Assistant discovery,
// and turns MQTT and HTTP commands into device API calls.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/controlmyspa-bridge/internal/api"
	"github.com/nerrad567/controlmyspa-bridge/internal/bridge"
	"github.com/nerrad567/controlmyspa-bridge/internal/controlmyspa"
	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/config"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/controlmyspa-bridge/internal/scheduler"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// startupCheckTimeout bounds the post-start dependency checks.
const startupCheckTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ControlMySpa bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"celsius", cfg.Spa.Celsius,
		"refresh_interval", cfg.Bridge.RefreshInterval.String(),
	)
	log.Debug("effective configuration", "config", cfg.String())

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var telemetry bridge.TelemetrySink
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device API and reconciliation engine
	spaClient, err := controlmyspa.New(cfg.Spa)
	if err != nil {
		return fmt.Errorf("creating ControlMySpa client: %w", err)
	}
	eng, err := engine.New(engine.Options{
		API:             spaClient,
		Clock:           scheduler.RealClock(),
		Celsius:         cfg.Spa.Celsius,
		RefreshInterval: cfg.Bridge.RefreshInterval,
		SettleDelay:     cfg.Bridge.SettleDelay,
		RenewalLead:     cfg.Bridge.RenewalLead,
		RenewalRetry:    cfg.Bridge.RenewalRetry,
		Logger:          log.Component("engine"),
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	// The API hub streams bridge events, so it exists before the bridge.
	var hub *api.Hub
	var observer bridge.Observer
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		observer = hub
	}

	spaBridge, err := bridge.NewBridge(bridge.BridgeOptions{
		Config: bridge.Config{
			TopicPrefix:          cfg.Bridge.TopicPrefix,
			Celsius:              cfg.Spa.Celsius,
			QoS:                  byte(cfg.MQTT.QoS),
			Discovery:            cfg.Discovery.Enabled,
			DiscoveryPrefix:      cfg.Discovery.Prefix,
			DiscoveryStatusTopic: cfg.Discovery.StatusTopic,
			Version:              version,
			HealthInterval:       cfg.Bridge.HealthInterval,
			RefreshInterval:      cfg.Bridge.RefreshInterval,
		},
		Engine:     eng,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Telemetry:  telemetry,
		Observer:   observer,
		Logger:     log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := spaBridge.Start(ctx); err != nil {
		spaBridge.Stop()
		if errors.Is(err, engine.ErrCredentialInvalid) {
			log.Error("ControlMySpa rejected the account credentials", "error", err)
		}
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		spaBridge.Stop()
	}()

	// Status API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Spa:     eng,
			Bridge:  spaBridge,
			Hub:     hub,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("status API disabled")
	}

	if err := healthCheck(ctx, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	// Deferred calls run in reverse order: API, bridge (which stops the
	// engine), InfluxDB, MQTT.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// healthChecker is any dependency that can verify its own connection.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies every started dependency concurrently. Nil
// dependencies are skipped.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	checks := map[string]healthChecker{"mqtt": mqttClient}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	if apiServer != nil {
		checks["api"] = apiServer
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			if err := check.HealthCheck(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

var _ bridge.MQTTClient = (*mqttBridgeAdapter)(nil)

// Publish implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
