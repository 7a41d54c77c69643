package spa

import (
	"strings"
	"time"
)

// ComponentType identifies a kind of spa sub-device.
type ComponentType string

// Component types reported by the device.
const (
	Light           ComponentType = "LIGHT"
	Pump            ComponentType = "PUMP"
	Blower          ComponentType = "BLOWER"
	Heater          ComponentType = "HEATER"
	CirculationPump ComponentType = "CIRCULATION_PUMP"
	Ozone           ComponentType = "OZONE"
	Filter          ComponentType = "FILTER"
)

// Component values.
const (
	ValueOn       = "ON"
	ValueOff      = "OFF"
	ValueHigh     = "HIGH"
	ValueLow      = "LOW"
	ValueDisabled = "DISABLED"
)

// HeaterMode is the spa operating mode.
type HeaterMode string

// Heater modes.
const (
	HeaterRest  HeaterMode = "REST"
	HeaterReady HeaterMode = "READY"
)

// TempRange selects which thermostat range is active.
type TempRange string

// Thermostat ranges.
const (
	RangeHigh TempRange = "HIGH"
	RangeLow  TempRange = "LOW"
)

// ExpectedHeaterPorts are the heater ports always present in a Snapshot.
// The device omits heaters while they are off.
var ExpectedHeaterPorts = []int{0, 1}

// TypeTraits statically describes a component type.
type TypeTraits struct {
	// Slug is the lower-case topic segment (e.g. "circulation_pump").
	Slug string

	// PortIndexed is true when several instances can exist and topics carry a port.
	PortIndexed bool

	// Switchable is true when the device accepts HIGH/OFF commands for the type.
	Switchable bool

	// Schedulable is true for filter cycles, which accept a start time and duration.
	Schedulable bool

	// OnValue is the value that means "running"; HIGH for switchable outputs.
	OnValue string
}

// traits is the per-type table. Every ComponentType must have an entry.
var traits = map[ComponentType]TypeTraits{
	Light:           {Slug: "light", PortIndexed: true, Switchable: true, OnValue: ValueHigh},
	Pump:            {Slug: "pump", PortIndexed: true, Switchable: true, OnValue: ValueHigh},
	Blower:          {Slug: "blower", PortIndexed: true, Switchable: true, OnValue: ValueHigh},
	Heater:          {Slug: "heater", PortIndexed: true, OnValue: ValueOn},
	CirculationPump: {Slug: "circulation_pump", OnValue: ValueHigh},
	Ozone:           {Slug: "ozone", OnValue: ValueOn},
	Filter:          {Slug: "filter", PortIndexed: true, Schedulable: true, OnValue: ValueOn},
}

// componentOrder is the canonical ordering used when listing types.
var componentOrder = []ComponentType{Light, Pump, Blower, Heater, CirculationPump, Ozone, Filter}

// ComponentTypes returns every known component type in canonical order.
func ComponentTypes() []ComponentType {
	out := make([]ComponentType, len(componentOrder))
	copy(out, componentOrder)
	return out
}

// Traits returns the static traits of the type and whether it is known.
func (t ComponentType) Traits() (TypeTraits, bool) {
	tr, ok := traits[t]
	return tr, ok
}

// Valid reports whether t is a known component type.
func (t ComponentType) Valid() bool {
	_, ok := traits[t]
	return ok
}

// Slug returns the topic segment for the type, or "" if unknown.
func (t ComponentType) Slug() string {
	return traits[t].Slug
}

// PortIndexed reports whether topics for the type carry a port.
func (t ComponentType) PortIndexed() bool {
	return traits[t].PortIndexed
}

// ParseComponentType resolves a slug or upper-case type name.
func ParseComponentType(s string) (ComponentType, bool) {
	upper := ComponentType(strings.ToUpper(s))
	if upper.Valid() {
		return upper, true
	}
	for t, tr := range traits {
		if tr.Slug == s {
			return t, true
		}
	}
	return "", false
}

// Component is one controllable or observable sub-device.
type Component struct {
	Type            ComponentType `json:"componentType"`
	Port            int           `json:"port"`
	Value           string        `json:"value"`
	Name            string        `json:"name,omitempty"`
	AvailableValues []string      `json:"availableValues,omitempty"`

	// Filter cycle schedule. Nil for other types.
	Hour            *int `json:"hour,omitempty"`
	Minute          *int `json:"minute,omitempty"`
	DurationMinutes *int `json:"durationMinutes,omitempty"`

	// Synthesized is set for heaters created because the device omitted them.
	Synthesized bool `json:"-"`
}

// IsOn reports whether the component value is its type's "on" value.
func (c Component) IsOn() bool {
	tr := traits[c.Type]
	return tr.OnValue != "" && c.Value == tr.OnValue
}

// RangeLimits holds the raw (Fahrenheit) bounds of both thermostat ranges.
type RangeLimits struct {
	HighRangeLow  float64 `json:"highRangeLow"`
	HighRangeHigh float64 `json:"highRangeHigh"`
	LowRangeLow   float64 `json:"lowRangeLow"`
	LowRangeHigh  float64 `json:"lowRangeHigh"`
}

// DeviceInfo is read-only descriptive metadata about the spa.
type DeviceInfo struct {
	SerialNumber     string `json:"serialNumber"`
	ProductName      string `json:"productName"`
	Model            string `json:"model"`
	DealerName       string `json:"dealerName"`
	RegistrationDate string `json:"registrationDate"`
	ManufacturedDate string `json:"manufacturedDate"`
	BuildNumber      string `json:"buildNumber"`
}

// OwnerInfo is read-only descriptive metadata about the account owner.
type OwnerInfo struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Address   string `json:"address"`
	FullName  string `json:"fullName"`
}

// Snapshot is the full observed state of the spa at one point in time.
//
// Snapshots are values: once handed out they are never modified. Use Clone
// before deriving a patched copy.
type Snapshot struct {
	Version   uint64
	FetchedAt time.Time

	SpaID   string
	Celsius bool

	// Temperatures in Snapshot units. Nil means absent.
	CurrentTemp       *float64
	DesiredTemp       *float64
	TargetDesiredTemp *float64

	HeaterMode  HeaterMode
	TempRange   TempRange
	RangeLimits RangeLimits
	PanelLocked bool
	Online      bool

	Components []Component

	Device DeviceInfo
	Owner  OwnerInfo
}

// Clone returns a deep copy safe to modify.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.CurrentTemp = cloneFloat(s.CurrentTemp)
	out.DesiredTemp = cloneFloat(s.DesiredTemp)
	out.TargetDesiredTemp = cloneFloat(s.TargetDesiredTemp)
	out.Components = make([]Component, len(s.Components))
	for i, c := range s.Components {
		c.AvailableValues = append([]string(nil), c.AvailableValues...)
		c.Hour = cloneInt(c.Hour)
		c.Minute = cloneInt(c.Minute)
		c.DurationMinutes = cloneInt(c.DurationMinutes)
		out.Components[i] = c
	}
	return out
}

// Component looks up a component by key.
func (s Snapshot) Component(t ComponentType, port int) (Component, bool) {
	for _, c := range s.Components {
		if c.Type == t && c.Port == port {
			return c, true
		}
	}
	return Component{}, false
}

// ComponentsOf returns all components of the given type in Snapshot order.
func (s Snapshot) ComponentsOf(t ComponentType) []Component {
	var out []Component
	for _, c := range s.Components {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// UnitSymbol returns "C" or "F".
func (s Snapshot) UnitSymbol() string {
	if s.Celsius {
		return "C"
	}
	return "F"
}

// MinTemp returns the lower bound of the currently selected range in
// Snapshot units.
func (s Snapshot) MinTemp() float64 {
	if s.TempRange == RangeHigh {
		return s.rangeBound(s.RangeLimits.HighRangeLow)
	}
	return s.rangeBound(s.RangeLimits.LowRangeLow)
}

// MaxTemp returns the upper bound of the currently selected range in
// Snapshot units.
func (s Snapshot) MaxTemp() float64 {
	if s.TempRange == RangeHigh {
		return s.rangeBound(s.RangeLimits.HighRangeHigh)
	}
	return s.rangeBound(s.RangeLimits.LowRangeHigh)
}

// HasRangeBounds reports whether the selected range carries usable bounds.
func (s Snapshot) HasRangeBounds() bool {
	lo, hi := s.MinTemp(), s.MaxTemp()
	return lo > 0 && hi > 0 && lo < hi
}

func (s Snapshot) rangeBound(f float64) float64 {
	if !s.Celsius {
		return f
	}
	return RoundHalf(FahrenheitToCelsius(f))
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
