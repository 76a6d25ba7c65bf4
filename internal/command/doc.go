// Package command runs external programs for the protocol adapters.
//
// Commands are built as argument lists and never pass through a shell, so
// usernames and passwords supplied by clients cannot change what runs.
// Secrets travel on stdin or in the environment.
//
// Every run is bounded by a timeout. On expiry the whole process group is
// terminated (SIGTERM, then SIGKILL) and the Result is marked TimedOut
// instead of blocking the caller.
//
// RunWithRetry repeats a command while its failure matches a retry policy.
// The default policy recognises apt/dpkg lock contention.
//
// Each invocation is written to the operator log through a Recorder, with
// the adapter's display name as source. Read-only probes (the periodic
// traffic and status queries) are only recorded when they fail, unless
// probe auditing is enabled.
package command
