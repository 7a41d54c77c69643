// Package hass renders Home Assistant MQTT discovery configs for the spa.
//
// A Renderer takes the consumer-agnostic entity.Descriptor values produced by
// entity.Mapper and turns them into discovery messages:
//
//	homeassistant/switch/controlmyspa_{spaId}_light_0/config
//	homeassistant/binary_sensor/controlmyspa_{spaId}_light_0/config
//	homeassistant/climate/controlmyspa_{spaId}/config
//	...
//
// Every config shares the same device block (built from the snapshot's
// device metadata) and availability block (the aggregate topic's online
// field). Messages are meant to be published retained.
//
// The package performs no I/O; publishing is left to the caller.
package hass
