package protocol

import "errors"

// Domain errors shared by every adapter.
var (
	// ErrNotFound indicates an unknown protocol id.
	ErrNotFound = errors.New("protocol: not found")

	// ErrNotImplemented is returned by placeholder protocols.
	ErrNotImplemented = errors.New("protocol: not implemented")

	// ErrNotConfigured indicates the protocol config lacks something the
	// operation needs, such as a WireGuard interface.
	ErrNotConfigured = errors.New("protocol: not configured")

	// ErrNotInstalled indicates the daemon binary or package is missing.
	ErrNotInstalled = errors.New("protocol: not installed")

	// ErrInvalidUsername indicates a username unsafe for file paths or config syntax.
	ErrInvalidUsername = errors.New("protocol: invalid username")
)
