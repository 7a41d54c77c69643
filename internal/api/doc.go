// Package api implements the bridge's HTTP status API and WebSocket stream.
//
// This package provides:
//   - Read endpoints for health, the current spa state and entity descriptors
//   - Command endpoints that run the same dispatch path as MQTT command topics
//   - A WebSocket hub streaming spa.state_changed and command.resolved events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/spa
//	POST /api/v1/spa/refresh
//	GET  /api/v1/entities
//	PUT  /api/v1/entities/{slug}
//	PUT  /api/v1/entities/{slug}/{port}
//	GET  /api/v1/metrics
//	GET  /api/v1/ws
//	GET  /*              dashboard (see package panel)
//
// Command outcomes map to status codes: confirmed 200, pending 202, invalid
// value 400, no snapshot 503, device API failure 502, and a mismatch after
// the fallback refresh 409.
//
// # WebSocket Protocol
//
// Clients subscribe to channels and receive events:
//
//	→ {"type":"subscribe","id":"1","payload":{"channels":["spa.state_changed"]}}
//	← {"type":"response","id":"1","payload":{"subscribed":["spa.state_changed"]}}
//	← {"type":"event","event_type":"spa.state_changed","payload":{…}}
//
// A new spa.state_changed subscriber is sent the latest state right away.
// Subscribing to an unknown channel is an error and subscribes nothing.
// Browser upgrades must come from an allowed CORS origin.
//
// The API has no authentication. Bind it to a trusted interface.
package api
