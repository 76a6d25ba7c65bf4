// Package manager dispatches lifecycle and client operations across the
// protocol adapters and keeps the persisted core status honest.
//
// A Manager owns one adapter per protocol.ID and one mutex per protocol.
// Install, Start, Stop and Restart of the same protocol run one at a time;
// different protocols never wait for each other.
//
// CoresInfo builds the core report. Every entry whose stored state says
// running is checked against the OS through the adapter, and a dead daemon
// is recorded as stopped before the report is returned. The check is
// skipped for a protocol whose lifecycle operation is in flight, since its
// status is about to change anyway.
//
// Client fan-outs (AddClient, RemoveClient, ClientConfigs) never fail as a
// whole. Each returns a per-protocol result and a Failures map; callers
// that want a single error use Err, which yields a *PartialFanOutError.
//
// Run drives the background loops: traffic refresh and status
// reconciliation, each on its own interval, until the context ends.
package manager
