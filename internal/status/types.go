package status

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a protocol core.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Handle identifies the OS object backing a running core. PID is set for
// daemons we spawn or whose service reports a main pid; Unit is set for
// service-managed cores. Oneshot units such as wg-quick@wg0 carry a Unit
// and no PID.
type Handle struct {
	PID  int    `json:"pid,omitempty"`
	Unit string `json:"unit,omitempty"`
}

// IsZero reports whether the handle names nothing.
func (h Handle) IsZero() bool {
	return h.PID <= 0 && h.Unit == ""
}

// ProtocolStatus is the persisted status of one protocol.
//
// Handle and StartedAt are both set or both nil, and both are nil when
// State is StateStopped. Use Running and Stopped to build valid values.
type ProtocolStatus struct {
	State     State      `json:"status"`
	Handle    *Handle    `json:"handle,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Version   string     `json:"version"`
}

// Running builds a running status.
func Running(h Handle, startedAt time.Time, version string) ProtocolStatus {
	at := startedAt.UTC()
	return ProtocolStatus{
		State:     StateRunning,
		Handle:    &h,
		StartedAt: &at,
		Version:   version,
	}
}

// Stopped builds a stopped status, keeping the last known version.
func Stopped(version string) ProtocolStatus {
	return ProtocolStatus{State: StateStopped, Version: version}
}

// IsRunning reports whether the persisted state is running.
func (s ProtocolStatus) IsRunning() bool {
	return s.State == StateRunning
}

// PID returns the handle pid, or 0.
func (s ProtocolStatus) PID() int {
	if s.Handle == nil {
		return 0
	}
	return s.Handle.PID
}

// Uptime returns now - StartedAt for a running status and 0 otherwise.
func (s ProtocolStatus) Uptime(now time.Time) time.Duration {
	if !s.IsRunning() || s.StartedAt == nil {
		return 0
	}
	d := now.Sub(*s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ErrInvalidStatus is returned by Validate and by stores refusing a write.
var ErrInvalidStatus = errors.New("status: invalid protocol status")

// Validate enforces the handle/start-time/state invariant.
func (s ProtocolStatus) Validate() error {
	hasHandle := s.Handle != nil
	hasStart := s.StartedAt != nil

	switch s.State {
	case StateRunning:
		if !hasHandle || !hasStart {
			return fmt.Errorf("%w: running status needs handle and started_at", ErrInvalidStatus)
		}
		if s.Handle.IsZero() {
			return fmt.Errorf("%w: running status has an empty handle", ErrInvalidStatus)
		}
	case StateStopped:
		if hasHandle || hasStart {
			return fmt.Errorf("%w: stopped status must not carry handle or started_at", ErrInvalidStatus)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidStatus, s.State)
	}
	return nil
}

// TrafficSample is a best-effort byte counter pair.
type TrafficSample struct {
	BytesIn  uint64 `json:"in"`
	BytesOut uint64 `json:"out"`
}

// Add returns the element-wise sum.
func (t TrafficSample) Add(o TrafficSample) TrafficSample {
	return TrafficSample{BytesIn: t.BytesIn + o.BytesIn, BytesOut: t.BytesOut + o.BytesOut}
}

// Level is the severity of an operator log entry.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// LogEntry is one operator-visible log line.
type LogEntry struct {
	ID        int64     `json:"id"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"time"`
}
