package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/config"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "controlmyspa-bridge"

const redacted = "[REDACTED]"

// secretKeys are attribute keys whose values never reach the log output,
// whatever level or component emits them.
var secretKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"client_secret": true,
}

// Logger is a slog.Logger stamped with the service name and build version.
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from cfg writing to stdout, or stderr when
// cfg.Output says so.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(cfg, version, out)
}

// NewWithWriter builds a Logger writing to w. The format is JSON unless
// cfg.Format is "text".
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	l := slog.New(h).With("service", ServiceName, "version", version)
	return &Logger{Logger: l}
}

// Default is the logger used until configuration has loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// parseLevel maps a configured level name to a slog.Level. Unknown names
// fall back to info; "warning" is accepted for warn.
func parseLevel(name string) slog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if name == "" || level.UnmarshalText([]byte(name)) != nil {
		return slog.LevelInfo
	}
	return level
}

// redact blanks secret attributes, including ones nested in groups.
func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged component=name. Every
// subsystem of the bridge logs through one.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}
