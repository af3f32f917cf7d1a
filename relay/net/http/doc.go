// Package http provides the fiber helpers behind the relay's admin API:
// response and error rendering, query validation and the logging,
// telemetry and basic-auth middleware.
package http
