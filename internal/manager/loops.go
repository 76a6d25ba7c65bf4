package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Default loop intervals.
const (
	DefaultTrafficInterval = 30 * time.Second
	DefaultStatusInterval  = 60 * time.Second
)

// Schedule sets the background loop intervals. Zero values take the defaults.
type Schedule struct {
	Traffic time.Duration
	Status  time.Duration
}

// Run warms the traffic cache, then refreshes traffic and reconciles
// statuses on their intervals until ctx is cancelled. Each loop runs once
// immediately. Iteration failures are logged and the loop continues.
func (m *Manager) Run(ctx context.Context, s Schedule) error {
	if s.Traffic <= 0 {
		s.Traffic = DefaultTrafficInterval
	}
	if s.Status <= 0 {
		s.Status = DefaultStatusInterval
	}
	if err := m.WarmTraffic(ctx); err != nil {
		m.logger.Warn("warming traffic cache failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.loop(ctx, "traffic", s.Traffic, m.RefreshTraffic)
		return nil
	})
	g.Go(func() error {
		m.loop(ctx, "status", s.Status, func(ctx context.Context) error {
			_, err := m.CoresInfo(ctx)
			return err
		})
		return nil
	})
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	m.logger.Info("background loop started", "loop", name, "interval", every)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		m.iterate(ctx, name, fn)
		select {
		case <-ctx.Done():
			m.logger.Info("background loop stopped", "loop", name)
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) iterate(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("background loop panic recovered", "loop", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		var partial *PartialFanOutError
		if errors.As(err, &partial) {
			m.logger.Debug("background loop partially failed", "loop", name, "protocols", partial.IDs())
			return
		}
		m.logger.Warn("background loop iteration failed", "loop", name, "error", err)
	}
}

// SeedConfigs stores each adapter's default config for protocols that
// have none. Existing documents are never touched.
func (m *Manager) SeedConfigs(ctx context.Context) error {
	var errs []error
	for _, id := range protocol.All() {
		_, err := m.store.GetConfig(ctx, string(id))
		if err == nil {
			continue
		}
		if !errors.Is(err, status.ErrNotFound) {
			errs = append(errs, fmt.Errorf("reading %s config: %w", id, err))
			continue
		}
		doc, err := json.Marshal(m.backends.get(id).DefaultConfig())
		if err != nil {
			errs = append(errs, fmt.Errorf("encoding %s default config: %w", id, err))
			continue
		}
		if err := m.store.UpdateConfig(ctx, string(id), doc); err != nil {
			errs = append(errs, fmt.Errorf("seeding %s config: %w", id, err))
			continue
		}
		m.logger.Info("default config seeded", "protocol", id)
	}
	return errors.Join(errs...)
}
