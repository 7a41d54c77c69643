package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config file locations.
const (
	// DefaultPath is used when SPABRIDGE_CONFIG is unset.
	DefaultPath = "configs/config.yaml"

	// DefaultEnvFile is the dotenv file read before environment overrides.
	DefaultEnvFile = ".env"

	// EnvConfigPath names the variable that selects the config file.
	EnvConfigPath = "SPABRIDGE_CONFIG"

	// EnvEnvFile names the variable that selects the dotenv file.
	EnvEnvFile = "SPABRIDGE_ENV_FILE"
)

// redacted replaces secrets in String and MarshalJSON output.
const redacted = "[REDACTED]"

// Config is the root configuration structure for the spa bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Spa       SpaConfig       `yaml:"spa" json:"spa"`
	Bridge    BridgeConfig    `yaml:"bridge" json:"bridge"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	API       APIConfig       `yaml:"api" json:"api"`
	WebSocket WebSocketConfig `yaml:"websocket" json:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb" json:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// SpaConfig contains the ControlMySpa account and client settings.
type SpaConfig struct {
	Username    string        `yaml:"username" json:"username"`
	Password    string        `yaml:"password" json:"password"`
	Celsius     bool          `yaml:"celsius" json:"celsius"`
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`
}

// BridgeConfig contains polling, confirmation and topic settings.
type BridgeConfig struct {
	TopicPrefix     string        `yaml:"topic_prefix" json:"topic_prefix"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	SettleDelay     time.Duration `yaml:"settle_delay" json:"settle_delay"`
	RenewalLead     time.Duration `yaml:"renewal_lead" json:"renewal_lead"`
	RenewalRetry    time.Duration `yaml:"renewal_retry" json:"renewal_retry"`
	HealthInterval  time.Duration `yaml:"health_interval" json:"health_interval"`
}

// DiscoveryConfig contains Home Assistant MQTT discovery settings.
type DiscoveryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Prefix      string `yaml:"prefix" json:"prefix"`
	StatusTopic string `yaml:"status_topic" json:"status_topic"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker" json:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth" json:"auth"`
	QoS       int                 `yaml:"qos" json:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect" json:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	TLS      bool   `yaml:"tls" json:"tls"`
	ClientID string `yaml:"client_id" json:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     int `yaml:"max_delay" json:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts" json:"max_attempts"`
}

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled" json:"enabled"`
	Host     string           `yaml:"host" json:"host"`
	Port     int              `yaml:"port" json:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts" json:"timeouts"`
	CORS     CORSConfig       `yaml:"cors" json:"cors"`

	// DashboardDir serves the dashboard from disk instead of the embedded copy.
	DashboardDir string `yaml:"dashboard_dir" json:"dashboard_dir"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read" json:"read"`
	Write int `yaml:"write" json:"write"`
	Idle  int `yaml:"idle" json:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path" json:"path"`
	MaxMessageSize int    `yaml:"max_message_size" json:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout" json:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	Token         string `yaml:"token" json:"token"`
	Org           string `yaml:"org" json:"org"`
	Bucket        string `yaml:"bucket" json:"bucket"`
	BatchSize     int    `yaml:"batch_size" json:"batch_size"`
	FlushInterval int    `yaml:"flush_interval" json:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. Dotenv file (SPABRIDGE_ENV_FILE, default .env), if present
//  3. YAML file values (override defaults)
//  4. Environment variables (override file values)
//
// An empty path selects SPABRIDGE_CONFIG, falling back to DefaultPath. A
// missing file is only an error when the path was given explicitly, so
// env-only deployments work.
//
// Environment variables follow the pattern: SPABRIDGE_SECTION_KEY
// For example: SPABRIDGE_SPA_USERNAME, SPABRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file, or ""
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If a file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	optional := false
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
		optional = true
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case optional && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadEnvFile populates the process environment from a dotenv file.
// Variables already set take precedence.
func loadEnvFile() error {
	name := os.Getenv(EnvEnvFile)
	explicit := name != ""
	if !explicit {
		name = DefaultEnvFile
	}
	err := godotenv.Load(name)
	if err == nil || (!explicit && errors.Is(err, os.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading env file %s: %w", name, err)
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Spa: SpaConfig{
			Celsius:     true,
			BaseURL:     "https://iot.controlmyspa.com",
			HTTPTimeout: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			TopicPrefix:     "controlmyspa",
			RefreshInterval: 10 * time.Minute,
			SettleDelay:     5 * time.Second,
			RenewalLead:     60 * time.Second,
			RenewalRetry:    60 * time.Second,
			HealthInterval:  30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:     true,
			Prefix:      "homeassistant",
			StatusTopic: "homeassistant/status",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "controlmyspa-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SPABRIDGE_SECTION_KEY. Legacy
// names (CONTROLMYSPA_USER, MQTT_HOST, ...) are honoured when the
// SPABRIDGE_ form is unset.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(dst *string, names ...string) {
		if v, ok := lookup(names...); ok {
			*dst = v
		}
	}
	integer := func(dst *int, names ...string) {
		if v, ok := lookup(names...); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid integer %q", names[0], v))
				return
			}
			*dst = n
		}
	}
	boolean := func(dst *bool, names ...string) {
		if v, ok := lookup(names...); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid boolean %q", names[0], v))
				return
			}
			*dst = b
		}
	}
	duration := func(dst *time.Duration, names ...string) {
		if v, ok := lookup(names...); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid duration %q", names[0], v))
				return
			}
			*dst = d
		}
	}

	// Spa
	str(&cfg.Spa.Username, "SPABRIDGE_SPA_USERNAME", "CONTROLMYSPA_USER")
	str(&cfg.Spa.Password, "SPABRIDGE_SPA_PASSWORD", "CONTROLMYSPA_PASS")
	boolean(&cfg.Spa.Celsius, "SPABRIDGE_SPA_CELSIUS", "CONTROLMYSPA_CELSIUS")
	str(&cfg.Spa.BaseURL, "SPABRIDGE_SPA_BASE_URL")

	// Bridge
	str(&cfg.Bridge.TopicPrefix, "SPABRIDGE_BRIDGE_TOPIC_PREFIX")
	duration(&cfg.Bridge.RefreshInterval, "SPABRIDGE_BRIDGE_REFRESH_INTERVAL")
	if _, set := lookup("SPABRIDGE_BRIDGE_REFRESH_INTERVAL"); !set {
		var minutes int
		integer(&minutes, "REFRESH_SPA")
		if minutes > 0 {
			cfg.Bridge.RefreshInterval = time.Duration(minutes) * time.Minute
		}
	}
	duration(&cfg.Bridge.SettleDelay, "SPABRIDGE_BRIDGE_SETTLE_DELAY")

	// Discovery
	boolean(&cfg.Discovery.Enabled, "SPABRIDGE_DISCOVERY_ENABLED")
	str(&cfg.Discovery.Prefix, "SPABRIDGE_DISCOVERY_PREFIX")
	str(&cfg.Discovery.StatusTopic, "SPABRIDGE_DISCOVERY_STATUS_TOPIC", "HASSTOPIC")

	// MQTT
	str(&cfg.MQTT.Broker.Host, "SPABRIDGE_MQTT_HOST", "MQTTHOST")
	integer(&cfg.MQTT.Broker.Port, "SPABRIDGE_MQTT_PORT", "MQTTPORT")
	str(&cfg.MQTT.Broker.ClientID, "SPABRIDGE_MQTT_CLIENT_ID")
	str(&cfg.MQTT.Auth.Username, "SPABRIDGE_MQTT_USERNAME", "MQTTUSER")
	str(&cfg.MQTT.Auth.Password, "SPABRIDGE_MQTT_PASSWORD", "MQTTPASS")

	// API
	boolean(&cfg.API.Enabled, "SPABRIDGE_API_ENABLED")
	str(&cfg.API.Host, "SPABRIDGE_API_HOST")
	str(&cfg.API.DashboardDir, "SPABRIDGE_API_DASHBOARD_DIR")
	integer(&cfg.API.Port, "SPABRIDGE_API_PORT")

	// InfluxDB
	boolean(&cfg.InfluxDB.Enabled, "SPABRIDGE_INFLUXDB_ENABLED")
	str(&cfg.InfluxDB.URL, "SPABRIDGE_INFLUXDB_URL")
	str(&cfg.InfluxDB.Token, "SPABRIDGE_INFLUXDB_TOKEN")

	// Logging
	str(&cfg.Logging.Level, "SPABRIDGE_LOG_LEVEL")
	str(&cfg.Logging.Format, "SPABRIDGE_LOG_FORMAT")

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// lookup returns the first non-empty variable among names.
func lookup(names ...string) (string, bool) {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v, true
		}
	}
	return "", false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Spa validation
	if c.Spa.Username == "" {
		errs = append(errs, "spa.username is required (set SPABRIDGE_SPA_USERNAME)")
	}
	if c.Spa.Password == "" {
		errs = append(errs, "spa.password is required (set SPABRIDGE_SPA_PASSWORD)")
	}
	if c.Spa.BaseURL == "" {
		errs = append(errs, "spa.base_url is required")
	}

	// Bridge validation
	if c.Bridge.TopicPrefix == "" || strings.ContainsAny(c.Bridge.TopicPrefix, "+#") {
		errs = append(errs, "bridge.topic_prefix must be non-empty and free of MQTT wildcards")
	}
	if c.Bridge.RefreshInterval < time.Minute {
		errs = append(errs, "bridge.refresh_interval must be at least 1m")
	}
	if c.Bridge.SettleDelay <= 0 {
		errs = append(errs, "bridge.settle_delay must be positive")
	}
	if c.Bridge.RenewalLead < 0 || c.Bridge.RenewalRetry < 0 {
		errs = append(errs, "bridge.renewal_lead and bridge.renewal_retry must not be negative")
	}

	// Discovery validation
	if c.Discovery.Enabled && c.Discovery.Prefix == "" {
		errs = append(errs, "discovery.prefix is required when discovery is enabled")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Redacted returns a copy with every secret replaced.
func (c Config) Redacted() Config {
	out := c
	out.Spa.Password = redact(c.Spa.Password)
	out.MQTT.Auth.Password = redact(c.MQTT.Auth.Password)
	out.InfluxDB.Token = redact(c.InfluxDB.Token)
	return out
}

// String renders the configuration for logs with secrets removed.
func (c Config) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// MarshalJSON encodes the redacted configuration.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(plain(c.Redacted()))
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
