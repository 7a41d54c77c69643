package spa

import (
	"context"
	"fmt"
	"time"
)

// DefaultTokenLifetime is assumed when the token endpoint omits expires_in.
const DefaultTokenLifetime = time.Hour

// DeviceAPI is the remote spa capability. Implementations must be safe for
// concurrent use: the engine calls FetchState and SendCommand from different
// goroutines.
type DeviceAPI interface {
	// Authenticate obtains a fresh access token. It returns
	// ErrInvalidCredentials when the account credentials are rejected.
	Authenticate(ctx context.Context) (Credential, error)

	// FetchState returns the current device state.
	FetchState(ctx context.Context) (RawState, error)

	// SendCommand issues one write. A nil error means the device accepted it.
	SendCommand(ctx context.Context, cmd Command) (Ack, error)
}

// Credential is an access token plus its lifetime.
type Credential struct {
	AccessToken string
	TokenType   string
	IssuedAt    time.Time
	ExpiresIn   time.Duration
}

// ExpiresAt returns the absolute expiry time.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.Lifetime())
}

// Lifetime returns ExpiresIn, falling back to DefaultTokenLifetime.
func (c Credential) Lifetime() time.Duration {
	if c.ExpiresIn <= 0 {
		return DefaultTokenLifetime
	}
	return c.ExpiresIn
}

// CommandKind identifies a device write operation.
type CommandKind string

// Command kinds supported by the device API.
const (
	CommandSetDesiredTemp    CommandKind = "set_desired_temp"
	CommandSetTempRange      CommandKind = "set_temp_range"
	CommandSetPanelLock      CommandKind = "set_panel_lock"
	CommandSetComponent      CommandKind = "set_component"
	CommandToggleHeaterMode  CommandKind = "toggle_heater_mode"
	CommandSetFilterSchedule CommandKind = "set_filter_schedule"
)

// Filter cycles are configured in 15-minute intervals, at most 24 hours.
const (
	FilterStepMinutes = 15
	MaxFilterMinutes  = 96 * FilterStepMinutes
)

// Command is one device write. Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	// Component target for CommandSetComponent and CommandSetFilterSchedule.
	Component ComponentType
	Port      int

	// Value is the desired state string (HIGH/OFF, HIGH/LOW, LOCK/UNLOCK).
	Value string

	// TemperatureF is the desired temperature in device units.
	TemperatureF float64

	// Filter schedule: start time as "HH:MM" and duration in minutes.
	FilterStart    string
	FilterDuration int
}

// FilterIntervals converts the filter duration to the device's 15-minute steps.
func (c Command) FilterIntervals() int {
	return c.FilterDuration / FilterStepMinutes
}

// InlineField returns the key under which the device echoes the written value
// in an acceptance response, or "" when the command is never echoed.
func (c Command) InlineField() string {
	switch c.Kind {
	case CommandSetDesiredTemp:
		return "DESIREDTEMP"
	case CommandSetTempRange:
		return "TEMPRANGE"
	case CommandSetPanelLock:
		return "PANELLOCK"
	case CommandToggleHeaterMode:
		return "HEATERMODE"
	case CommandSetComponent:
		return fmt.Sprintf("%s_%d", c.Component, c.Port)
	default:
		return ""
	}
}

// String describes the command for logs.
func (c Command) String() string {
	switch c.Kind {
	case CommandSetDesiredTemp:
		return fmt.Sprintf("%s(%.1fF)", c.Kind, c.TemperatureF)
	case CommandSetComponent:
		return fmt.Sprintf("%s(%s/%d=%s)", c.Kind, c.Component, c.Port, c.Value)
	case CommandSetFilterSchedule:
		return fmt.Sprintf("%s(%d %s/%dm)", c.Kind, c.Port, c.FilterStart, c.FilterDuration)
	case CommandToggleHeaterMode:
		return string(c.Kind)
	default:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Value)
	}
}

// Ack is the device's acceptance response.
type Ack struct {
	// Status is the HTTP status the device answered with.
	Status int

	// Values holds post-write values the device echoed, keyed by field name.
	// Empty when the device only acknowledged receipt.
	Values map[string]string
}

// Inline returns the echoed value for the command's written field.
func (a Ack) Inline(cmd Command) (string, bool) {
	field := cmd.InlineField()
	if field == "" || a.Values == nil {
		return "", false
	}
	v, ok := a.Values[field]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
