// Package spa defines the ControlMySpa domain model shared by the engine,
// the entity mapping layer and the device API client.
//
// It contains:
//   - Snapshot and Component, the normalised in-memory view of the spa
//   - RawState, the transport-level shape returned by a DeviceAPI
//   - Normalize, which turns a RawState into a Snapshot (unit conversion,
//     absent readings, heater synthesis, duplicate removal)
//   - the DeviceAPI capability and its Credential/Command/Ack types
//
// # Units
//
// The device always reports and accepts Fahrenheit. When a Snapshot is built
// with Celsius enabled, temperatures are converted with FahrenheitToCelsius
// and rounded to one decimal; range bounds are additionally rounded to the
// nearest 0.5. Outgoing temperatures go through CelsiusToFahrenheit.
//
// # Absent readings
//
// The transport emits "NaN", zero or negative values while a reading is not
// yet available. Those are normalised to nil, never to a numeric zero.
package spa
