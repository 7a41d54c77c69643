// Package controlmyspa is the HTTP client for the ControlMySpa cloud API.
//
// Client implements spa.DeviceAPI. The cloud never pushes state, so all
// observation happens through FetchState and every write is a POST to
// /mobile/control/{spaId}/{operation}.
//
// # Wire format
//
// The API quotes numeric fields inconsistently (ports, temperatures and
// range limits arrive as either strings or numbers), so the response types
// decode through lenient flex types. Temperatures are passed on to
// spa.Normalize as the raw strings the device sent.
//
// # Errors
//
//   - spa.ErrInvalidCredentials: the password grant was refused (400/401)
//   - spa.ErrUnauthorized: the bearer token was rejected (401)
//   - spa.ErrUnexpectedStatus: any other non-success status
//   - spa.ErrNoSpa: the account has no spa attached
//   - ErrUnsupportedCommand: the command has no control endpoint
package controlmyspa
