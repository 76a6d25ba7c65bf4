package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	statuses map[string]ProtocolStatus
	configs  map[string]json.RawMessage
	traffic  map[string]map[string]TrafficSample
	logs     []LogEntry
	nextID   int64
	maxLogs  int
}

// NewMemoryStore returns an empty store. maxLogs <= 0 selects DefaultMaxLogs.
func NewMemoryStore(maxLogs int) *MemoryStore {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &MemoryStore{
		statuses: make(map[string]ProtocolStatus),
		configs:  make(map[string]json.RawMessage),
		traffic:  make(map[string]map[string]TrafficSample),
		maxLogs:  maxLogs,
	}
}

// GetStatus returns the status or ErrNotFound.
func (m *MemoryStore) GetStatus(_ context.Context, protocol string) (ProtocolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[protocol]
	if !ok {
		return ProtocolStatus{}, fmt.Errorf("%w: status for %s", ErrNotFound, protocol)
	}
	return cloneStatus(st), nil
}

// SetStatus validates and stores a copy of st.
func (m *MemoryStore) SetStatus(_ context.Context, protocol string, st ProtocolStatus) error {
	if err := st.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[protocol] = cloneStatus(st)
	return nil
}

// ListStatuses returns copies of every status.
func (m *MemoryStore) ListStatuses(_ context.Context) (map[string]ProtocolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ProtocolStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = cloneStatus(v)
	}
	return out, nil
}

// GetConfig returns a copy of the document or ErrNotFound.
func (m *MemoryStore) GetConfig(_ context.Context, protocol string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.configs[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: config for %s", ErrNotFound, protocol)
	}
	return append(json.RawMessage(nil), doc...), nil
}

// UpdateConfig stores a copy of doc.
func (m *MemoryStore) UpdateConfig(_ context.Context, protocol string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("config for %s is not valid JSON", protocol)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[protocol] = append(json.RawMessage(nil), doc...)
	return nil
}

// AppendLog appends an entry, dropping the oldest beyond the cap.
func (m *MemoryStore) AppendLog(_ context.Context, level Level, source, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.logs = append(m.logs, LogEntry{
		ID:        m.nextID,
		Level:     level,
		Source:    source,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	if over := len(m.logs) - m.maxLogs; over > 0 {
		m.logs = append([]LogEntry(nil), m.logs[over:]...)
	}
	return nil
}

// RecentLogs returns up to limit entries, newest first.
func (m *MemoryStore) RecentLogs(_ context.Context, limit int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.logs) {
		limit = len(m.logs)
	}
	out := make([]LogEntry, 0, limit)
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

// SetTraffic stores one counter pair.
func (m *MemoryStore) SetTraffic(_ context.Context, protocol, client string, sample TrafficSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byClient := m.traffic[protocol]
	if byClient == nil {
		byClient = make(map[string]TrafficSample)
		m.traffic[protocol] = byClient
	}
	byClient[client] = sample
	return nil
}

// GetTraffic returns a copy of the protocol's counters.
func (m *MemoryStore) GetTraffic(_ context.Context, protocol string) (map[string]TrafficSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TrafficSample, len(m.traffic[protocol]))
	for k, v := range m.traffic[protocol] {
		out[k] = v
	}
	return out, nil
}

func cloneStatus(st ProtocolStatus) ProtocolStatus {
	if st.Handle != nil {
		h := *st.Handle
		st.Handle = &h
	}
	if st.StartedAt != nil {
		t := *st.StartedAt
		st.StartedAt = &t
	}
	return st
}
