// Package entity maps the spa component model onto a deterministic bus
// namespace.
//
// A Key identifies one entity: either a component (type and port) or a
// spa-wide setting. A Mapper, built once per spa, turns keys into topics,
// resolves inbound topics back into keys, and produces consumer-agnostic
// Descriptors.
//
// # Topic Layout
//
//	controlmyspa/{spaId}/spa                  aggregate state (retained)
//	controlmyspa/{spaId}/light/0              component state (retained)
//	controlmyspa/{spaId}/light/0/set          component command
//	controlmyspa/{spaId}/circulation_pump     single-instance component state
//	controlmyspa/{spaId}/heaterMode           setting command
//	controlmyspa/{spaId}/temp                 desired temperature command
//	controlmyspa/{spaId}/refresh              manual refresh
//	controlmyspa/{spaId}/error                command errors
//
// For every commandable key k, RouteIncoming(TopicFor(k)) routes back to k.
// Everything in this package is pure: no network calls, no shared state.
package entity
