package spa

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// RawState is the transport-level view of the spa as returned by a DeviceAPI.
// Temperatures are left as the strings the device sent so that sentinel
// values ("NaN", "0") can be recognised during normalisation.
type RawState struct {
	SpaID string

	CurrentTemp       string
	DesiredTemp       string
	TargetDesiredTemp string

	HeaterMode  string
	TempRange   string
	RangeLimits RangeLimits
	PanelLocked bool
	Online      bool

	Components []RawComponent

	Device DeviceInfo
	Owner  OwnerInfo
}

// RawComponent is a component exactly as reported by the device.
type RawComponent struct {
	Type            string
	Port            int
	Value           string
	Name            string
	AvailableValues []string
	Hour            *int
	Minute          *int
	DurationMinutes *int
}

// NormalizeOptions controls how a RawState becomes a Snapshot.
type NormalizeOptions struct {
	// Celsius converts temperatures from the device's Fahrenheit.
	Celsius bool

	// FetchedAt stamps the Snapshot. Zero means time.Now().
	FetchedAt time.Time

	// OnDuplicate is called for every component dropped because its key was
	// already seen. Optional.
	OnDuplicate func(t ComponentType, port int)

	// OnUnknown is called for every component with an unrecognised type.
	// Optional.
	OnUnknown func(rawType string, port int)
}

// Normalize builds a Snapshot from a transport RawState.
//
// It applies, in order:
//  1. Unit conversion (when opts.Celsius)
//  2. The absent rule: non-numeric, non-finite and <= 0 readings become nil
//  3. Component de-duplication on (type, port), first occurrence wins. Types
//     that are not port-indexed have a single instance and their port is
//     reported as zero.
//  4. Heater synthesis for every expected heater port the device omitted
//
// Version is left at zero; the store assigns it.
func Normalize(raw RawState, opts NormalizeOptions) Snapshot {
	fetchedAt := opts.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	snap := Snapshot{
		FetchedAt:         fetchedAt,
		SpaID:             raw.SpaID,
		Celsius:           opts.Celsius,
		CurrentTemp:       normalizeReading(raw.CurrentTemp, opts.Celsius),
		DesiredTemp:       normalizeReading(raw.DesiredTemp, opts.Celsius),
		TargetDesiredTemp: normalizeReading(raw.TargetDesiredTemp, opts.Celsius),
		HeaterMode:        HeaterMode(strings.ToUpper(raw.HeaterMode)),
		TempRange:         TempRange(strings.ToUpper(raw.TempRange)),
		RangeLimits:       raw.RangeLimits,
		PanelLocked:       raw.PanelLocked,
		Online:            raw.Online,
		Device:            raw.Device,
		Owner:             raw.Owner,
	}

	type key struct {
		t    ComponentType
		port int
	}
	seen := make(map[key]struct{}, len(raw.Components))
	snap.Components = make([]Component, 0, len(raw.Components)+len(ExpectedHeaterPorts))

	for _, rc := range raw.Components {
		t := ComponentType(strings.ToUpper(rc.Type))
		if !t.Valid() {
			if opts.OnUnknown != nil {
				opts.OnUnknown(rc.Type, rc.Port)
			}
			continue
		}
		port := rc.Port
		if !t.PortIndexed() {
			port = 0
		}
		k := key{t, port}
		if _, dup := seen[k]; dup {
			if opts.OnDuplicate != nil {
				opts.OnDuplicate(t, rc.Port)
			}
			continue
		}
		seen[k] = struct{}{}

		c := Component{
			Type:            t,
			Port:            port,
			Value:           strings.ToUpper(rc.Value),
			Name:            rc.Name,
			AvailableValues: append([]string(nil), rc.AvailableValues...),
		}
		if t == Filter {
			c.Hour = cloneInt(rc.Hour)
			c.Minute = cloneInt(rc.Minute)
			c.DurationMinutes = cloneInt(rc.DurationMinutes)
		}
		snap.Components = append(snap.Components, c)
	}

	for _, port := range ExpectedHeaterPorts {
		if _, ok := seen[key{Heater, port}]; ok {
			continue
		}
		snap.Components = append(snap.Components, Component{
			Type:        Heater,
			Port:        port,
			Value:       ValueOff,
			Name:        string(Heater),
			Synthesized: true,
		})
	}

	return snap
}

// ParseReading converts a transport temperature into device units, returning
// nil when the value is absent.
func ParseReading(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return nil
	}
	return &f
}

func normalizeReading(s string, celsius bool) *float64 {
	f := ParseReading(s)
	if f == nil {
		return nil
	}
	v := *f
	if celsius {
		v = FahrenheitToCelsius(v)
	}
	return &v
}

// FahrenheitToCelsius converts and rounds to one decimal.
func FahrenheitToCelsius(f float64) float64 {
	return Round1((f - 32) * 5 / 9)
}

// CelsiusToFahrenheit converts and rounds to one decimal.
func CelsiusToFahrenheit(c float64) float64 {
	return Round1(c*9/5 + 32)
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// RoundHalf rounds to the nearest 0.5.
func RoundHalf(v float64) float64 {
	return math.Round(v/0.5) * 0.5
}
