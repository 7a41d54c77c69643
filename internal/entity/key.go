package entity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Kind discriminates the two Key variants.
type Kind int

const (
	// KindComponent addresses one spa component by (type, port).
	KindComponent Kind = iota + 1

	// KindSetting addresses a spa-wide setting.
	KindSetting
)

// Setting names a spa-wide writable property.
type Setting string

// Spa-wide settings.
const (
	SettingHeaterMode  Setting = "heaterMode"
	SettingTempRange   Setting = "tempRange"
	SettingDesiredTemp Setting = "desiredTemp"
	SettingPanelLock   Setting = "panelLock"
)

// Settings returns every setting in canonical order.
func Settings() []Setting {
	return []Setting{SettingHeaterMode, SettingTempRange, SettingDesiredTemp, SettingPanelLock}
}

// Valid reports whether s is a known setting.
func (s Setting) Valid() bool {
	switch s {
	case SettingHeaterMode, SettingTempRange, SettingDesiredTemp, SettingPanelLock:
		return true
	}
	return false
}

// Key identifies a controllable or observable entity.
//
// Exactly one variant is populated: Type and Port for KindComponent, Setting
// for KindSetting. Keys are comparable and usable as map keys.
type Key struct {
	Kind    Kind
	Type    spa.ComponentType
	Port    int
	Setting Setting
}

// ComponentKey returns the key for a component. Port is forced to zero for
// types that are not port-indexed.
func ComponentKey(t spa.ComponentType, port int) Key {
	if !t.PortIndexed() {
		port = 0
	}
	return Key{Kind: KindComponent, Type: t, Port: port}
}

// SettingKey returns the key for a spa-wide setting.
func SettingKey(s Setting) Key {
	return Key{Kind: KindSetting, Setting: s}
}

// IsComponent reports whether k addresses a component.
func (k Key) IsComponent() bool { return k.Kind == KindComponent }

// IsSetting reports whether k addresses a setting.
func (k Key) IsSetting() bool { return k.Kind == KindSetting }

// Valid reports whether k is a well-formed key.
func (k Key) Valid() bool {
	switch k.Kind {
	case KindComponent:
		return k.Type.Valid() && k.Port >= 0
	case KindSetting:
		return k.Setting.Valid()
	}
	return false
}

// Commandable reports whether the entity accepts writes.
func (k Key) Commandable() bool {
	switch k.Kind {
	case KindComponent:
		tr, ok := k.Type.Traits()
		return ok && (tr.Switchable || tr.Schedulable)
	case KindSetting:
		return k.Setting.Valid()
	}
	return false
}

// String renders the key as "light/0", "ozone" or "heaterMode".
func (k Key) String() string {
	switch k.Kind {
	case KindComponent:
		if k.Type.PortIndexed() {
			return fmt.Sprintf("%s/%d", k.Type.Slug(), k.Port)
		}
		return k.Type.Slug()
	case KindSetting:
		return string(k.Setting)
	}
	return "invalid"
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	slug, portStr, hasPort := strings.Cut(s, "/")

	if setting := Setting(slug); setting.Valid() {
		if hasPort {
			return Key{}, fmt.Errorf("setting %q takes no port", slug)
		}
		return SettingKey(setting), nil
	}

	t, ok := spa.ParseComponentType(slug)
	if !ok {
		return Key{}, fmt.Errorf("unknown entity %q", slug)
	}
	if !t.PortIndexed() {
		if hasPort {
			return Key{}, fmt.Errorf("%s takes no port", t.Slug())
		}
		return ComponentKey(t, 0), nil
	}
	if !hasPort {
		return Key{}, fmt.Errorf("%s requires a port", t.Slug())
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Key{}, err
	}
	return ComponentKey(t, port), nil
}

// parsePort accepts only canonical non-negative decimal ports.
func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || strconv.Itoa(port) != s {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
