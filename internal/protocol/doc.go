// Package protocol defines the contract shared by every VPN protocol
// adapter and the runtime helpers adapters use to drive the host.
//
// The set of protocols is closed: ID enumerates them and All returns them
// in display order. Each adapter lives in its own subpackage and
// implements Backend. The manager package holds one Backend per ID.
//
// # Runtime
//
// Runtime wraps the command runner, the process supervisor and the status
// store for one protocol. Adapters use it for package installs with lock
// retries, systemd calls, atomic config file writes, iptables rules that
// are only added once, and for recording status around daemon start and
// stop. A running status always carries a handle and a start time; a
// stopped one carries neither.
//
// # Credentials
//
// AddClient returns an opaque JSON credential. The caller persists it and
// hands it back to RemoveClient and ClientConfig; the adapter never stores
// client lists of its own beyond what the daemon config needs.
package protocol
