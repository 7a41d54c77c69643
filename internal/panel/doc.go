// Package panel serves the spa status dashboard as embedded assets.
//
// The dashboard is a single static page that reads GET /api/v1/spa, follows
// the spa.state_changed and command.resolved WebSocket channels, and sends
// commands with PUT /api/v1/entities/{slug}[/{port}]. It has no build step.
//
// Assets are embedded with go:embed. Setting api.dashboard_dir serves them
// from disk instead so the page can be edited without a rebuild.
package panel
