package entity

import (
	"fmt"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Topic defaults.
const (
	// DefaultTopicPrefix is the root of every spa topic.
	DefaultTopicPrefix = "controlmyspa"

	// DefaultDiscoveryStatusTopic is where Home Assistant announces restarts.
	DefaultDiscoveryStatusTopic = "homeassistant/status"
)

// Topic leaf segments under the spa prefix.
const (
	segmentAggregate = "spa"
	segmentRefresh   = "refresh"
	segmentError     = "error"
	segmentSet       = "set"
)

// settingSegments maps each setting to its command topic segment.
var settingSegments = map[Setting]string{
	SettingHeaterMode:  "heaterMode",
	SettingTempRange:   "tempRange",
	SettingDesiredTemp: "temp",
	SettingPanelLock:   "panelLock",
}

// RouteKind classifies an inbound topic.
type RouteKind int

// Route kinds.
const (
	RouteNone RouteKind = iota
	RouteEntity
	RouteRefresh
	RouteConsumerRestart
)

// String returns the route kind name for logs.
func (k RouteKind) String() string {
	switch k {
	case RouteEntity:
		return "entity"
	case RouteRefresh:
		return "refresh"
	case RouteConsumerRestart:
		return "consumer_restart"
	default:
		return "none"
	}
}

// Route is the resolution of an inbound topic.
type Route struct {
	Kind RouteKind

	// Key is set only for RouteEntity.
	Key Key
}

// MapperOptions configures a Mapper.
type MapperOptions struct {
	// SpaID is the device identifier embedded in every topic.
	SpaID string

	// TopicPrefix is the root segment. Empty means DefaultTopicPrefix.
	TopicPrefix string

	// DiscoveryStatusTopic is the consumer's lifecycle topic. Empty means
	// DefaultDiscoveryStatusTopic.
	DiscoveryStatusTopic string

	// Celsius selects the unit reported in temperature descriptors.
	Celsius bool
}

// Mapper converts between entity keys and bus topics for one spa.
//
// A Mapper is immutable and safe for concurrent use.
type Mapper struct {
	spaID       string
	prefix      string
	statusTopic string
	celsius     bool
}

// NewMapper creates a Mapper. SpaID is required.
func NewMapper(opts MapperOptions) (*Mapper, error) {
	if opts.SpaID == "" {
		return nil, fmt.Errorf("spa ID is required")
	}
	if strings.ContainsAny(opts.SpaID, "/+#") {
		return nil, fmt.Errorf("spa ID %q contains topic separators or wildcards", opts.SpaID)
	}
	root := opts.TopicPrefix
	if root == "" {
		root = DefaultTopicPrefix
	}
	status := opts.DiscoveryStatusTopic
	if status == "" {
		status = DefaultDiscoveryStatusTopic
	}
	return &Mapper{
		spaID:       opts.SpaID,
		prefix:      strings.TrimSuffix(root, "/") + "/" + opts.SpaID,
		statusTopic: status,
		celsius:     opts.Celsius,
	}, nil
}

// SpaID returns the spa identifier the mapper was built for.
func (m *Mapper) SpaID() string { return m.spaID }

// Prefix returns the per-spa topic root.
//
// Example: controlmyspa/abc123
func (m *Mapper) Prefix() string { return m.prefix }

// AggregateTopic returns the retained whole-spa state topic.
//
// Example: controlmyspa/abc123/spa
func (m *Mapper) AggregateTopic() string {
	return m.prefix + "/" + segmentAggregate
}

// RefreshTopic returns the manual refresh control topic.
//
// Example: controlmyspa/abc123/refresh
func (m *Mapper) RefreshTopic() string {
	return m.prefix + "/" + segmentRefresh
}

// ErrorTopic returns the topic command errors are reported on.
//
// Example: controlmyspa/abc123/error
func (m *Mapper) ErrorTopic() string {
	return m.prefix + "/" + segmentError
}

// DiscoveryStatusTopic returns the consumer lifecycle topic.
func (m *Mapper) DiscoveryStatusTopic() string { return m.statusTopic }

// StateTopicFor returns the topic the entity's state is published on.
// Settings live in the aggregate message.
//
// Example: controlmyspa/abc123/light/0
func (m *Mapper) StateTopicFor(k Key) string {
	if k.Kind != KindComponent {
		return m.AggregateTopic()
	}
	if k.Type.PortIndexed() {
		return fmt.Sprintf("%s/%s/%d", m.prefix, k.Type.Slug(), k.Port)
	}
	return fmt.Sprintf("%s/%s", m.prefix, k.Type.Slug())
}

// TopicFor returns the inbound command topic for the entity, or "" when the
// entity is not commandable.
//
// Example: controlmyspa/abc123/light/0/set
func (m *Mapper) TopicFor(k Key) string {
	if !k.Commandable() {
		return ""
	}
	if k.Kind == KindSetting {
		return m.prefix + "/" + settingSegments[k.Setting]
	}
	return m.StateTopicFor(k) + "/" + segmentSet
}

// CommandTopics returns every topic the bridge must subscribe to for the
// given snapshot, plus the refresh topic.
func (m *Mapper) CommandTopics(snap spa.Snapshot) []string {
	topics := []string{m.RefreshTopic()}
	for _, k := range CommandableKeys(snap) {
		topics = append(topics, m.TopicFor(k))
	}
	return topics
}

// RouteIncoming resolves an inbound topic. Anything unrecognised is RouteNone.
func (m *Mapper) RouteIncoming(topic string) Route {
	if topic == m.statusTopic {
		return Route{Kind: RouteConsumerRestart}
	}

	rest, ok := strings.CutPrefix(topic, m.prefix+"/")
	if !ok || rest == "" {
		return Route{}
	}
	if rest == segmentRefresh {
		return Route{Kind: RouteRefresh}
	}
	for s, seg := range settingSegments {
		if rest == seg {
			return Route{Kind: RouteEntity, Key: SettingKey(s)}
		}
	}

	parts := strings.Split(rest, "/")
	if parts[len(parts)-1] != segmentSet {
		return Route{}
	}
	parts = parts[:len(parts)-1]

	t, ok := typeForSlug(parts[0])
	if !ok {
		return Route{}
	}

	var key Key
	switch {
	case t.PortIndexed() && len(parts) == 2:
		port, err := parsePort(parts[1])
		if err != nil {
			return Route{}
		}
		key = ComponentKey(t, port)
	case !t.PortIndexed() && len(parts) == 1:
		key = ComponentKey(t, 0)
	default:
		return Route{}
	}

	if !key.Commandable() {
		return Route{}
	}
	return Route{Kind: RouteEntity, Key: key}
}

// CommandableKeys lists every writable entity present in the snapshot:
// component keys in snapshot order followed by all settings.
func CommandableKeys(snap spa.Snapshot) []Key {
	var keys []Key
	for _, c := range snap.Components {
		if k := ComponentKey(c.Type, c.Port); k.Commandable() {
			keys = append(keys, k)
		}
	}
	for _, s := range Settings() {
		keys = append(keys, SettingKey(s))
	}
	return keys
}

// typeForSlug matches topic slugs exactly; upper-case type names are not
// valid topic segments.
func typeForSlug(slug string) (spa.ComponentType, bool) {
	for _, t := range spa.ComponentTypes() {
		if t.Slug() == slug {
			return t, true
		}
	}
	return "", false
}
