package entity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Descriptor is the consumer-agnostic description of one entity. Consumer
// adapters (Home Assistant discovery, the status API) render it into their
// own schema.
type Descriptor struct {
	Key Key `json:"-"`

	// Entity is Key.String(), for serialisation.
	Entity string `json:"entity"`

	// ObjectID is stable across restarts: controlmyspa_{spaId}_{slug}[_{port}].
	ObjectID string `json:"object_id"`

	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`

	// StateTopic carries the entity's state; ValueField is the JSON field
	// holding the value inside that message.
	StateTopic string `json:"state_topic"`
	ValueField string `json:"value_field"`

	// CommandTopic is empty for read-only entities.
	CommandTopic string `json:"command_topic,omitempty"`
	Commandable  bool   `json:"commandable"`

	// OnValue is the value meaning "on" for binary entities.
	OnValue string `json:"on_value,omitempty"`

	// Options is the closed value set, if any.
	Options []string `json:"options,omitempty"`

	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
}

// Icon hints per component type.
var typeIcons = map[spa.ComponentType]string{
	spa.Light:           "mdi:lightbulb",
	spa.Blower:          "mdi:weather-windy",
	spa.Pump:            "mdi:fan",
	spa.CirculationPump: "mdi:sync",
	spa.Ozone:           "mdi:air-filter",
	spa.Heater:          "mdi:radiator",
	spa.Filter:          "mdi:air-filter",
}

// Command payloads for the heater mode toggle and the panel lock.
const (
	PayloadToggle = "TOGGLE"
	PayloadLock   = "LOCK"
	PayloadUnlock = "UNLOCK"
)

// AllowedValues returns the closed value set for a commandable entity, or
// nil when the entity takes a free-form value (temperature, filter schedule)
// or is read-only.
func AllowedValues(k Key) []string {
	switch k.Kind {
	case KindComponent:
		tr, ok := k.Type.Traits()
		if ok && tr.Switchable {
			return []string{spa.ValueHigh, spa.ValueOff}
		}
	case KindSetting:
		switch k.Setting {
		case SettingHeaterMode:
			return []string{string(spa.HeaterRest), string(spa.HeaterReady)}
		case SettingTempRange:
			return []string{string(spa.RangeHigh), string(spa.RangeLow)}
		case SettingPanelLock:
			return []string{PayloadLock, PayloadUnlock}
		}
	}
	return nil
}

// DescriptorFor builds the descriptor for an entity from its type and port
// alone.
func (m *Mapper) DescriptorFor(k Key) Descriptor {
	d := Descriptor{
		Key:          k,
		Entity:       k.String(),
		StateTopic:   m.StateTopicFor(k),
		CommandTopic: m.TopicFor(k),
		Commandable:  k.Commandable(),
		Options:      AllowedValues(k),
	}

	if k.Kind == KindSetting {
		m.settingDescriptor(&d)
		return d
	}

	tr, _ := k.Type.Traits()
	d.ObjectID = fmt.Sprintf("controlmyspa_%s_%s", m.spaID, tr.Slug)
	d.Name = typeDisplayName(k.Type)
	if tr.PortIndexed {
		d.ObjectID += fmt.Sprintf("_%d", k.Port)
		d.Name += fmt.Sprintf(" %d", k.Port+1)
	}
	d.Icon = typeIcons[k.Type]
	d.ValueField = "value"
	d.OnValue = tr.OnValue
	if d.Options == nil {
		if k.Type == spa.Filter {
			d.Options = []string{spa.ValueOn, spa.ValueOff, spa.ValueDisabled}
		} else {
			d.Options = []string{tr.OnValue, spa.ValueOff}
		}
	}
	return d
}

func (m *Mapper) settingDescriptor(d *Descriptor) {
	d.ValueField = string(d.Key.Setting)
	d.ObjectID = fmt.Sprintf("controlmyspa_%s_%s", m.spaID, snakeCase(string(d.Key.Setting)))

	switch d.Key.Setting {
	case SettingHeaterMode:
		d.Name = "Heater Mode"
		d.Icon = "mdi:radiator"
		d.OnValue = string(spa.HeaterReady)
	case SettingTempRange:
		d.Name = "Temperature Range"
		d.Icon = "mdi:thermometer-lines"
	case SettingDesiredTemp:
		d.Name = "Desired Temperature"
		d.Icon = "mdi:thermometer"
		d.Unit = m.unit()
		d.DeviceClass = "temperature"
	case SettingPanelLock:
		d.Name = "Panel"
		d.Icon = "mdi:lock"
		d.OnValue = PayloadLock
	}
}

// AggregateDescriptor describes the spa itself.
func (m *Mapper) AggregateDescriptor() Descriptor {
	return Descriptor{
		Entity:       segmentAggregate,
		ObjectID:     "controlmyspa_" + m.spaID,
		Name:         "ControlMySpa",
		Icon:         "mdi:hot-tub",
		StateTopic:   m.AggregateTopic(),
		ValueField:   "online",
		CommandTopic: m.RefreshTopic(),
		Unit:         m.unit(),
	}
}

// Descriptors returns descriptors for every component in the snapshot,
// in snapshot order, followed by the settings.
func (m *Mapper) Descriptors(snap spa.Snapshot) []Descriptor {
	out := make([]Descriptor, 0, len(snap.Components)+len(Settings()))
	for _, c := range snap.Components {
		out = append(out, m.DescriptorFor(ComponentKey(c.Type, c.Port)))
	}
	for _, s := range Settings() {
		out = append(out, m.DescriptorFor(SettingKey(s)))
	}
	return out
}

// Unit returns the temperature unit symbol used by this mapper.
func (m *Mapper) Unit() string { return m.unit() }

// Celsius reports whether the mapper describes temperatures in Celsius.
func (m *Mapper) Celsius() bool { return m.celsius }

func (m *Mapper) unit() string {
	if m.celsius {
		return "C"
	}
	return "F"
}

// typeDisplayName turns CIRCULATION_PUMP into "Circulation pump".
func typeDisplayName(t spa.ComponentType) string {
	s := strings.ReplaceAll(strings.ToLower(string(t)), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var upperRun = regexp.MustCompile(`[A-Z]`)

// snakeCase turns heaterMode into heater_mode.
func snakeCase(s string) string {
	return upperRun.ReplaceAllStringFunc(s, func(m string) string {
		return "_" + strings.ToLower(m)
	})
}
