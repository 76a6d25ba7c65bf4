// Package status holds the last known state of every protocol core.
//
// It stores, keyed by protocol id:
//   - the lifecycle status (running or stopped, process handle, start time, version)
//   - an opaque JSON configuration document
//   - traffic counters, per protocol and per client
//
// and an append-only operator log capped at a configurable size.
//
// Every read and write touches a single key. There are no multi-key
// transactions: callers read, decide and write, with the last writer winning.
//
// Two implementations are provided. SQLiteStore persists to the project
// database; MemoryStore keeps everything in process and is used by tests
// and ephemeral runs.
package status
