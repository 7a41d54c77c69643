package hass

// Config is one Home Assistant MQTT discovery payload. Only the fields
// relevant to the target component are set; the rest are omitted.
type Config struct {
	UniqueID string `json:"unique_id"`
	ObjectID string `json:"object_id"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`

	StateTopic    string `json:"state_topic,omitempty"`
	CommandTopic  string `json:"command_topic,omitempty"`
	ValueTemplate string `json:"value_template,omitempty"`

	// switch / binary_sensor
	StateOn    string `json:"state_on,omitempty"`
	StateOff   string `json:"state_off,omitempty"`
	PayloadOn  string `json:"payload_on,omitempty"`
	PayloadOff string `json:"payload_off,omitempty"`

	// button
	PayloadPress string `json:"payload_press,omitempty"`

	// lock
	PayloadLock   string `json:"payload_lock,omitempty"`
	PayloadUnlock string `json:"payload_unlock,omitempty"`
	StateLocked   string `json:"state_locked,omitempty"`
	StateUnlocked string `json:"state_unlocked,omitempty"`

	// sensor / select
	Options             []string `json:"options,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`

	// climate
	Modes                      []string `json:"modes,omitempty"`
	ModeCommandTopic           string   `json:"mode_command_topic,omitempty"`
	ModeStateTopic             string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate          string   `json:"mode_state_template,omitempty"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic,omitempty"`
	TemperatureCommandTemplate string   `json:"temperature_command_template,omitempty"`
	TemperatureStateTopic      string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTemplate   string   `json:"temperature_state_template,omitempty"`
	CurrentTemperatureTopic    string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template,omitempty"`
	Precision                  float64  `json:"precision,omitempty"`
	TempStep                   float64  `json:"temp_step,omitempty"`
	TemperatureUnit            string   `json:"temperature_unit,omitempty"`
	MinTemp                    *float64 `json:"min_temp,omitempty"`
	MaxTemp                    *float64 `json:"max_temp,omitempty"`
	ActionTopic                string   `json:"action_topic,omitempty"`
	ActionTemplate             string   `json:"action_template,omitempty"`

	QoS int `json:"qos,omitempty"`

	Availability []Availability `json:"availability"`
	Device       Device         `json:"device"`
}

// Availability tells Home Assistant how to derive entity availability.
type Availability struct {
	Topic               string `json:"topic"`
	ValueTemplate       string `json:"value_template"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

// Device groups every entity under one Home Assistant device.
type Device struct {
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	SWVersion     string   `json:"sw_version,omitempty"`
	Identifiers   []string `json:"identifiers"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// Component names used in discovery topics.
const (
	ComponentSwitch       = "switch"
	ComponentBinarySensor = "binary_sensor"
	ComponentSensor       = "sensor"
	ComponentButton       = "button"
	ComponentSelect       = "select"
	ComponentClimate      = "climate"
	ComponentLock         = "lock"
)

// Message is one rendered discovery publication.
type Message struct {
	Component string
	Topic     string
	Config    Config
	Payload   []byte
}
