package engine

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Temperature comparison tolerance in snapshot units. Celsius values pass
// through two one-decimal roundings on their way to the device and back.
const (
	toleranceF = 0.051
	toleranceC = 0.151
)

// plan is a validated command plus the predicate that confirms it.
type plan struct {
	cmd spa.Command

	// expect reports whether a snapshot reflects the command.
	expect func(spa.Snapshot) bool
}

// planCommand validates value for key against snap. Every error wraps
// ErrInvalidValue.
func planCommand(snap spa.Snapshot, key entity.Key, value string) (plan, error) {
	if !key.Valid() || !key.Commandable() {
		return plan{}, fmt.Errorf("%w: %s is not commandable", ErrInvalidValue, key)
	}
	value = strings.TrimSpace(value)

	switch key.Kind {
	case entity.KindComponent:
		if _, ok := snap.Component(key.Type, key.Port); !ok {
			return plan{}, fmt.Errorf("%w: %s is not present on this spa", ErrInvalidValue, key)
		}
		if key.Type == spa.Filter {
			return planFilter(key, value)
		}
		return planSwitch(key, value)

	case entity.KindSetting:
		switch key.Setting {
		case entity.SettingHeaterMode:
			return planHeaterMode(key, value)
		case entity.SettingTempRange:
			return planTempRange(key, value)
		case entity.SettingPanelLock:
			return planPanelLock(key, value)
		case entity.SettingDesiredTemp:
			return planDesiredTemp(snap, value)
		}
	}
	return plan{}, fmt.Errorf("%w: %s is not commandable", ErrInvalidValue, key)
}

func planSwitch(key entity.Key, value string) (plan, error) {
	v, err := oneOf(key, value)
	if err != nil {
		return plan{}, err
	}
	return plan{
		cmd: spa.Command{Kind: spa.CommandSetComponent, Component: key.Type, Port: key.Port, Value: v},
		expect: func(s spa.Snapshot) bool {
			c, ok := s.Component(key.Type, key.Port)
			return ok && c.Value == v
		},
	}, nil
}

// planHeaterMode plans a toggle. Whether it is sent at all is decided on
// the timeline by claimToggle.
func planHeaterMode(key entity.Key, value string) (plan, error) {
	v, err := oneOf(key, value)
	if err != nil {
		return plan{}, err
	}
	want := spa.HeaterMode(v)
	return plan{
		cmd:    spa.Command{Kind: spa.CommandToggleHeaterMode, Value: v},
		expect: func(s spa.Snapshot) bool { return s.HeaterMode == want },
	}, nil
}

func planTempRange(key entity.Key, value string) (plan, error) {
	v, err := oneOf(key, value)
	if err != nil {
		return plan{}, err
	}
	want := spa.TempRange(v)
	return plan{
		cmd:    spa.Command{Kind: spa.CommandSetTempRange, Value: v},
		expect: func(s spa.Snapshot) bool { return s.TempRange == want },
	}, nil
}

func planPanelLock(key entity.Key, value string) (plan, error) {
	v, err := oneOf(key, value)
	if err != nil {
		return plan{}, err
	}
	locked := v == entity.PayloadLock
	return plan{
		cmd:    spa.Command{Kind: spa.CommandSetPanelLock, Value: v},
		expect: func(s spa.Snapshot) bool { return s.PanelLocked == locked },
	}, nil
}

func planDesiredTemp(snap spa.Snapshot, value string) (plan, error) {
	t, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return plan{}, fmt.Errorf("%w: temperature %q is not a positive number", ErrInvalidValue, value)
	}
	t = spa.Round1(t)

	if snap.HasRangeBounds() {
		lo, hi := snap.MinTemp(), snap.MaxTemp()
		if t < lo || t > hi {
			return plan{}, fmt.Errorf("%w: temperature %.1f outside %.1f-%.1f%s",
				ErrInvalidValue, t, lo, hi, snap.UnitSymbol())
		}
	}

	deviceTemp := t
	tolerance := toleranceF
	if snap.Celsius {
		deviceTemp = spa.CelsiusToFahrenheit(t)
		tolerance = toleranceC
	}

	return plan{
		cmd: spa.Command{Kind: spa.CommandSetDesiredTemp, TemperatureF: deviceTemp},
		expect: func(s spa.Snapshot) bool {
			got := s.DesiredTemp
			if got == nil {
				got = s.TargetDesiredTemp
			}
			return got != nil && math.Abs(*got-t) < tolerance
		},
	}, nil
}

// planFilter parses "HH:MM/minutes".
func planFilter(key entity.Key, value string) (plan, error) {
	start, durStr, ok := strings.Cut(value, "/")
	if !ok {
		return plan{}, fmt.Errorf("%w: filter schedule %q must be HH:MM/minutes", ErrInvalidValue, value)
	}
	hour, minute, err := parseClock(start)
	if err != nil {
		return plan{}, err
	}
	dur, err := strconv.Atoi(strings.TrimSpace(durStr))
	if err != nil || dur < 0 || dur > spa.MaxFilterMinutes || dur%spa.FilterStepMinutes != 0 {
		return plan{}, fmt.Errorf("%w: filter duration %q must be a multiple of %d between 0 and %d",
			ErrInvalidValue, durStr, spa.FilterStepMinutes, spa.MaxFilterMinutes)
	}
	if dur == 0 && key.Port == 0 {
		return plan{}, fmt.Errorf("%w: the primary filter cycle cannot be disabled", ErrInvalidValue)
	}

	return plan{
		cmd: spa.Command{
			Kind:           spa.CommandSetFilterSchedule,
			Component:      spa.Filter,
			Port:           key.Port,
			FilterStart:    fmt.Sprintf("%02d:%02d", hour, minute),
			FilterDuration: dur,
		},
		expect: func(s spa.Snapshot) bool {
			c, ok := s.Component(spa.Filter, key.Port)
			if !ok || c.Hour == nil || c.Minute == nil || c.DurationMinutes == nil {
				return false
			}
			return *c.Hour == hour && *c.Minute == minute && *c.DurationMinutes == dur
		},
	}, nil
}

func parseClock(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: filter start %q must be HH:MM", ErrInvalidValue, s)
	}
	h, herr := strconv.Atoi(hs)
	m, merr := strconv.Atoi(ms)
	if herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: filter start %q must be HH:MM", ErrInvalidValue, s)
	}
	return h, m, nil
}

// oneOf upper-cases value and checks it against the key's closed value set.
func oneOf(key entity.Key, value string) (string, error) {
	v := strings.ToUpper(value)
	allowed := entity.AllowedValues(key)
	if !slices.Contains(allowed, v) {
		return "", fmt.Errorf("%w: %q for %s, want one of %s",
			ErrInvalidValue, value, key, strings.Join(allowed, ", "))
	}
	return v, nil
}

// applyInline patches snap with a value the device echoed for cmd. It
// reports whether anything was changed.
func applyInline(snap *spa.Snapshot, cmd spa.Command, v string) bool {
	v = strings.ToUpper(strings.TrimSpace(v))

	switch cmd.Kind {
	case spa.CommandSetDesiredTemp:
		f := spa.ParseReading(v)
		if f == nil {
			return false
		}
		t := *f
		if snap.Celsius {
			t = spa.FahrenheitToCelsius(t)
		}
		snap.DesiredTemp = &t
		return true

	case spa.CommandToggleHeaterMode:
		snap.HeaterMode = spa.HeaterMode(v)
		return true

	case spa.CommandSetTempRange:
		snap.TempRange = spa.TempRange(v)
		return true

	case spa.CommandSetPanelLock:
		switch v {
		case "LOCK", "LOCKED", "LOCK_PANEL", "TRUE":
			snap.PanelLocked = true
		default:
			snap.PanelLocked = false
		}
		return true

	case spa.CommandSetComponent:
		for i := range snap.Components {
			c := &snap.Components[i]
			if c.Type == cmd.Component && c.Port == cmd.Port {
				c.Value = v
				return true
			}
		}
	}
	return false
}
