// Package logging provides structured logging for the ControlMySpa bridge.
//
// It wraps log/slog and stamps every entry with the service name and the
// build version.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("engine").Info("snapshot refreshed", "version", 4)
//
// # Security
//
// Attributes named password, token, access_token, refresh_token,
// authorization or client_secret are replaced with [REDACTED] by the
// handler. Use config.Redacted when logging the effective configuration.
package logging
