// Package api implements the HTTP surface of CandyConnect Core.
//
// This package provides:
//   - The reconciled core report and per-core status
//   - Lifecycle actions (install, start, stop, restart) per protocol
//   - Recent operator log entries
//   - Health of the database and MQTT connections
//   - Prometheus metrics at /metrics
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Security
//
// The API is unauthenticated. Bind it to localhost or put it behind the
// panel, which owns user authentication.
//
// # Errors
//
// Failures are returned as {"error": {"code": ..., "message": ...}} with
// 400 for a malformed request, 404 for an unknown protocol and 500 when the
// protocol adapter fails.
package api
