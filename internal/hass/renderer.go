package hass

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// DefaultPrefix is Home Assistant's default discovery prefix.
const DefaultPrefix = "homeassistant"

// Availability payloads rendered by the shared availability template.
const (
	payloadAvailable    = "Online"
	payloadNotAvailable = "Offline"
	onlineTemplate      = "{% if value_json.online is defined and value_json.online %} Online {% else %} Offline {% endif %}"
)

// Renderer turns entity descriptors into discovery messages for one spa.
// It is immutable and safe for concurrent use.
type Renderer struct {
	mapper *entity.Mapper
	prefix string
}

// NewRenderer creates a Renderer. An empty prefix means DefaultPrefix.
func NewRenderer(mapper *entity.Mapper, prefix string) (*Renderer, error) {
	if mapper == nil {
		return nil, fmt.Errorf("mapper is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Renderer{mapper: mapper, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

// Topic returns the discovery topic for a component and object ID.
//
// Example: homeassistant/switch/controlmyspa_abc123_light_0/config
func (r *Renderer) Topic(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", r.prefix, component, objectID)
}

// Render produces every discovery message for the snapshot: per-entity
// configs in descriptor order, then the spa sensor and refresh button.
func (r *Renderer) Render(snap spa.Snapshot) ([]Message, error) {
	shared := r.shared(snap)

	var configs []componentConfig
	for _, d := range r.mapper.Descriptors(snap) {
		configs = append(configs, r.forDescriptor(d, snap)...)
	}
	configs = append(configs, r.aggregate()...)

	out := make([]Message, 0, len(configs))
	for _, cc := range configs {
		cfg := cc.config
		cfg.Availability = shared.availability
		cfg.Device = shared.device

		payload, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s %s: %w", cc.component, cfg.ObjectID, err)
		}
		out = append(out, Message{
			Component: cc.component,
			Topic:     r.Topic(cc.component, cfg.ObjectID),
			Config:    cfg,
			Payload:   payload,
		})
	}
	return out, nil
}

type componentConfig struct {
	component string
	config    Config
}

type sharedBlocks struct {
	availability []Availability
	device       Device
}

func (r *Renderer) shared(snap spa.Snapshot) sharedBlocks {
	ids := make([]string, 0, 2)
	if snap.Device.SerialNumber != "" {
		ids = append(ids, snap.Device.SerialNumber)
	}
	ids = append(ids, r.mapper.SpaID())

	return sharedBlocks{
		availability: []Availability{{
			Topic:               r.mapper.AggregateTopic(),
			ValueTemplate:       onlineTemplate,
			PayloadAvailable:    payloadAvailable,
			PayloadNotAvailable: payloadNotAvailable,
		}},
		device: Device{
			Manufacturer:  snap.Device.DealerName,
			Model:         snap.Device.Model,
			SWVersion:     snap.Device.BuildNumber,
			Identifiers:   ids,
			Name:          "ControlMySpa",
			SuggestedArea: "Spa",
		},
	}
}

func (r *Renderer) forDescriptor(d entity.Descriptor, snap spa.Snapshot) []componentConfig {
	if d.Key.IsSetting() {
		return r.forSetting(d, snap)
	}

	tr, _ := d.Key.Type.Traits()
	switch {
	case tr.Switchable:
		return []componentConfig{
			{ComponentSwitch, r.switchConfig(d)},
			{ComponentBinarySensor, r.binarySensorConfig(d)},
		}
	case tr.Schedulable:
		return []componentConfig{{ComponentSensor, r.enumSensorConfig(d)}}
	default:
		return []componentConfig{{ComponentBinarySensor, r.binarySensorConfig(d)}}
	}
}

func (r *Renderer) switchConfig(d entity.Descriptor) Config {
	return Config{
		UniqueID:      d.ObjectID + "_switch",
		ObjectID:      d.ObjectID,
		Name:          d.Name,
		Icon:          d.Icon,
		StateTopic:    d.StateTopic,
		CommandTopic:  d.CommandTopic,
		ValueTemplate: "{{ value_json.value }}",
		StateOn:       d.OnValue,
		StateOff:      spa.ValueOff,
		PayloadOn:     d.OnValue,
		PayloadOff:    spa.ValueOff,
	}
}

func (r *Renderer) binarySensorConfig(d entity.Descriptor) Config {
	return Config{
		UniqueID:   d.ObjectID + "_binary_sensor",
		ObjectID:   d.ObjectID,
		Name:       d.Name,
		Icon:       d.Icon,
		StateTopic: d.StateTopic,
		ValueTemplate: fmt.Sprintf(
			"{%% if value_json.value == '%s' %%}{{ value_json.value }}{%% else %%}OFF{%% endif %%}", d.OnValue),
		StateOn:    d.OnValue,
		StateOff:   spa.ValueOff,
		PayloadOn:  d.OnValue,
		PayloadOff: spa.ValueOff,
	}
}

// enumSensorConfig renders a read-only sensor whose raw values are mapped
// to capitalised labels; anything else reads as unknown.
func (r *Renderer) enumSensorConfig(d entity.Descriptor) Config {
	return Config{
		UniqueID:      d.ObjectID + "_sensor",
		ObjectID:      d.ObjectID,
		Name:          d.Name,
		Icon:          d.Icon,
		StateTopic:    d.StateTopic,
		ValueTemplate: labelTemplate(d.ValueField, d.Options),
		DeviceClass:   "enum",
		Options:       labels(d.Options),
	}
}

func (r *Renderer) forSetting(d entity.Descriptor, snap spa.Snapshot) []componentConfig {
	switch d.Key.Setting {
	case entity.SettingHeaterMode:
		sensor := r.enumSensorConfig(d)
		return []componentConfig{
			{ComponentSensor, sensor},
			{ComponentButton, Config{
				UniqueID:     d.ObjectID + "_button",
				ObjectID:     d.ObjectID,
				Name:         "Toggle Heater Mode",
				Icon:         d.Icon,
				CommandTopic: d.CommandTopic,
				PayloadPress: entity.PayloadToggle,
			}},
		}

	case entity.SettingTempRange:
		return []componentConfig{{ComponentSelect, Config{
			UniqueID:      d.ObjectID + "_select",
			ObjectID:      d.ObjectID,
			Name:          d.Name,
			Icon:          d.Icon,
			StateTopic:    d.StateTopic,
			CommandTopic:  d.CommandTopic,
			ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", d.ValueField),
			Options:       d.Options,
		}}}

	case entity.SettingDesiredTemp:
		out := []componentConfig{{ComponentClimate, r.climateConfig(d, snap)}}
		for _, t := range temperatureSensors {
			out = append(out, componentConfig{ComponentSensor, r.temperatureConfig(t.name, t.field)})
		}
		return out

	case entity.SettingPanelLock:
		return []componentConfig{{ComponentLock, Config{
			UniqueID:      fmt.Sprintf("controlmyspa_%s_panel_lock_lock", r.mapper.SpaID()),
			ObjectID:      fmt.Sprintf("controlmyspa_%s_panel_lock", r.mapper.SpaID()),
			Name:          d.Name,
			Icon:          d.Icon,
			StateTopic:    d.StateTopic,
			CommandTopic:  d.CommandTopic,
			ValueTemplate: "{% if value_json.panelLocked %}LOCK{% else %}UNLOCK{% endif %}",
			PayloadLock:   entity.PayloadLock,
			PayloadUnlock: entity.PayloadUnlock,
			StateLocked:   entity.PayloadLock,
			StateUnlocked: entity.PayloadUnlock,
			QoS:           1,
		}}}
	}
	return nil
}

var temperatureSensors = []struct {
	name  string
	field string
}{
	{"Current Temperature", "currentTemp"},
	{"Target Temperature", "targetDesiredTemp"},
	{"Desired Temperature", "desiredTemp"},
}

func (r *Renderer) temperatureConfig(name, field string) Config {
	objectID := fmt.Sprintf("controlmyspa_%s_%s", r.mapper.SpaID(), snakeCase(field))
	return Config{
		UniqueID:   objectID + "_sensor",
		ObjectID:   objectID,
		Name:       name,
		Icon:       "mdi:thermometer",
		StateTopic: r.mapper.AggregateTopic(),
		ValueTemplate: fmt.Sprintf(
			"{%% if value_json.%[1]s is defined %%}{{ value_json.%[1]s }}{%% else %%}unknown{%% endif %%}", field),
		DeviceClass:       "temperature",
		StateClass:        "measurement",
		UnitOfMeasurement: r.mapper.Unit(),
	}
}

// climateConfig renders the thermostat. HA modes off and heat are sent
// as-is on the heater mode topic; the bridge maps them to REST and READY.
func (r *Renderer) climateConfig(d entity.Descriptor, snap spa.Snapshot) Config {
	agg := r.mapper.AggregateDescriptor()
	heaterMode := r.mapper.DescriptorFor(entity.SettingKey(entity.SettingHeaterMode))

	step := 1.0
	if r.mapper.Celsius() {
		step = 0.5
	}

	cfg := Config{
		UniqueID:                agg.ObjectID + "_climate",
		ObjectID:                agg.ObjectID,
		Name:                    agg.Name,
		Icon:                    agg.Icon,
		Modes:                   []string{"off", "heat"},
		ModeCommandTopic:        heaterMode.CommandTopic,
		ModeStateTopic:          d.StateTopic,
		ModeStateTemplate:       `{% if value_json.heaterMode == "REST" %}off{% else %}heat{% endif %}`,
		TemperatureCommandTopic: d.CommandTopic,
		TemperatureStateTopic:   d.StateTopic,
		TemperatureStateTemplate: "{% if value_json.desiredTemp is defined %}{{ value_json.desiredTemp }}" +
			"{% elif value_json.targetDesiredTemp is defined %}{{ value_json.targetDesiredTemp }}" +
			"{% else %}unknown{% endif %}",
		TemperatureCommandTemplate: "{{ value }}",
		CurrentTemperatureTopic:    d.StateTopic,
		CurrentTemperatureTemplate: "{% if value_json.currentTemp is defined %}{{ value_json.currentTemp }}{% else %}unknown{% endif %}",
		Precision:                  step,
		TempStep:                   step,
		TemperatureUnit:            r.mapper.Unit(),
		ActionTopic:                r.mapper.StateTopicFor(entity.ComponentKey(spa.Heater, 0)),
		ActionTemplate:             `{% if value_json.value in ["ON", "HIGH"] %}heating{% else %}idle{% endif %}`,
	}
	if snap.HasRangeBounds() {
		lo, hi := snap.MinTemp(), snap.MaxTemp()
		cfg.MinTemp, cfg.MaxTemp = &lo, &hi
	}
	return cfg
}

// aggregate renders the spa status sensor and the refresh button.
func (r *Renderer) aggregate() []componentConfig {
	agg := r.mapper.AggregateDescriptor()
	spaID := fmt.Sprintf("%s_spa", agg.ObjectID)
	refreshID := fmt.Sprintf("%s_refresh", agg.ObjectID)

	return []componentConfig{
		{ComponentSensor, Config{
			UniqueID:            spaID + "_sensor",
			ObjectID:            spaID,
			Name:                "Spa",
			Icon:                agg.Icon,
			StateTopic:          agg.StateTopic,
			ValueTemplate:       onlineTemplate,
			JSONAttributesTopic: agg.StateTopic,
		}},
		{ComponentButton, Config{
			UniqueID:     refreshID + "_button",
			ObjectID:     refreshID,
			Name:         "Refresh",
			Icon:         "mdi:sync",
			CommandTopic: agg.CommandTopic,
			PayloadPress: "REFRESH",
		}},
	}
}

// labelTemplate maps each raw value to its label, e.g. REST to Rest.
func labelTemplate(field string, values []string) string {
	var b strings.Builder
	for i, v := range values {
		kw := "elif"
		if i == 0 {
			kw = "if"
		}
		fmt.Fprintf(&b, `{%% %s value_json.%s == "%s" %%}%s`, kw, field, v, label(v))
	}
	b.WriteString("{% else %}unknown{% endif %}")
	return b.String()
}

func labels(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = label(v)
	}
	return out
}

func label(v string) string {
	if v == "" {
		return v
	}
	return strings.ToUpper(v[:1]) + strings.ToLower(v[1:])
}

func snakeCase(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= 'A' && c <= 'Z' {
			b.WriteByte('_')
			c += 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}
