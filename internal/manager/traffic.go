package manager

import (
	"context"
	"errors"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Traffic returns the last successfully polled sample for id.
func (m *Manager) Traffic(id protocol.ID) status.TrafficSample {
	m.trafficMu.RLock()
	defer m.trafficMu.RUnlock()
	return m.traffic[id]
}

func (m *Manager) setTraffic(id protocol.ID, s status.TrafficSample) {
	m.trafficMu.Lock()
	m.traffic[id] = s
	m.trafficMu.Unlock()
}

// WarmTraffic fills the cache from the store so the report has numbers
// before the first poll.
func (m *Manager) WarmTraffic(ctx context.Context) error {
	var errs []error
	for _, id := range protocol.All() {
		samples, err := m.store.GetTraffic(ctx, string(id))
		if err != nil {
			if !errors.Is(err, status.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if s, ok := samples[status.TotalClient]; ok {
			m.setTraffic(id, s)
		}
	}
	return errors.Join(errs...)
}

// RefreshTraffic polls every adapter. A failed poll keeps the previous
// sample; the failures are returned as a *PartialFanOutError.
func (m *Manager) RefreshTraffic(ctx context.Context) error {
	failures := Failures{}
	now := m.now()
	for _, id := range protocol.All() {
		b := m.backends.get(id)
		sample, err := call(id, "traffic", func() (status.TrafficSample, error) { return b.Traffic(ctx) })
		if err != nil {
			failures[id] = err
			m.logger.Debug("traffic poll failed, keeping last sample", "protocol", id, "error", err)
			continue
		}
		m.setTraffic(id, sample)
		m.metrics.observeTraffic(id, sample)
		if err := m.store.SetTraffic(ctx, string(id), status.TotalClient, sample); err != nil {
			m.logger.Warn("persisting traffic failed", "protocol", id, "error", err)
		}
		if m.series != nil {
			m.series.WriteTraffic(string(id), status.TotalClient, sample, now)
		}
	}
	return failures.Err()
}
