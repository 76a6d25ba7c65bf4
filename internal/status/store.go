package status

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when no status or config exists for a protocol.
var ErrNotFound = errors.New("status: not found")

// TotalClient is the client key under which protocol-wide traffic is stored.
const TotalClient = ""

// Store is the persistence contract consumed by adapters and the manager.
// Protocol keys are the string form of protocol ids.
type Store interface {
	GetStatus(ctx context.Context, protocol string) (ProtocolStatus, error)
	SetStatus(ctx context.Context, protocol string, st ProtocolStatus) error
	ListStatuses(ctx context.Context) (map[string]ProtocolStatus, error)

	GetConfig(ctx context.Context, protocol string) (json.RawMessage, error)
	UpdateConfig(ctx context.Context, protocol string, doc json.RawMessage) error

	AppendLog(ctx context.Context, level Level, source, message string) error
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)

	SetTraffic(ctx context.Context, protocol, client string, sample TrafficSample) error
	GetTraffic(ctx context.Context, protocol string) (map[string]TrafficSample, error)
}

// DefaultMaxLogs is the log cap used when a store is built without one.
const DefaultMaxLogs = 1000
