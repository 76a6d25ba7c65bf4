package manager

import (
	"context"
	"slices"
	"sync"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
)

// AddResult is the outcome of AddClient.
type AddResult struct {
	Credentials map[protocol.ID]protocol.Credential
	Failures    Failures
}

// Err returns a *PartialFanOutError or nil.
func (r AddResult) Err() error { return r.Failures.Err() }

// RemoveResult is the outcome of RemoveClient.
type RemoveResult struct {
	Removed  []protocol.ID
	Attempts int
	Failures Failures
}

// Err returns a *PartialFanOutError or nil.
func (r RemoveResult) Err() error { return r.Failures.Err() }

// ConfigResult is the outcome of ClientConfigs.
type ConfigResult struct {
	Configs  map[protocol.ID]protocol.ClientConfig
	Failures Failures
}

// Err returns a *PartialFanOutError or nil.
func (r ConfigResult) Err() error { return r.Failures.Err() }

// fanOut runs fn for each id concurrently. Unknown ids fail with
// protocol.ErrNotFound without calling fn. Each protocol's call holds that
// protocol's lock.
func (m *Manager) fanOut(ids []protocol.ID, what string, fn func(id protocol.ID, b protocol.Backend) error) Failures {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = Failures{}
	)
	backends := make(map[protocol.ID]protocol.Backend, len(ids))
	for _, id := range ids {
		b, err := m.Backend(id)
		if err != nil {
			failures[id] = err
			continue
		}
		backends[id] = b
	}
	// failures is shared with the workers from here on.
	for id, b := range backends {
		wg.Go(func() {
			lock := m.locks[id]
			lock.Lock()
			err := run(id, what, func() error { return fn(id, b) })
			lock.Unlock()
			if err != nil {
				m.logger.Warn("client operation failed", "protocol", id, "op", what, "error", err)
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return failures
}

func unique(ids []protocol.ID) []protocol.ID {
	out := make([]protocol.ID, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// AddClient provisions username on every enabled protocol. existing holds
// credentials issued earlier, keyed by protocol; each adapter reuses its
// own. Protocols that fail are left out of Credentials.
func (m *Manager) AddClient(ctx context.Context, username string, data protocol.ClientData, enabled []protocol.ID, existing map[protocol.ID]protocol.Credential) AddResult {
	var mu sync.Mutex
	creds := make(map[protocol.ID]protocol.Credential)

	failures := m.fanOut(unique(enabled), "add client", func(id protocol.ID, b protocol.Backend) error {
		cred, err := b.AddClient(ctx, username, protocol.ClientData{
			Password: data.Password,
			Existing: existing[id],
		})
		if err != nil {
			return err
		}
		mu.Lock()
		creds[id] = cred
		mu.Unlock()
		return nil
	})
	m.logger.Info("client added", "username", username, "protocols", len(creds), "failed", len(failures))
	return AddResult{Credentials: creds, Failures: failures}
}

// RemoveClient removes username from every protocol present in creds,
// whatever the outcome of the others.
func (m *Manager) RemoveClient(ctx context.Context, username string, creds map[protocol.ID]protocol.Credential) RemoveResult {
	ids := make([]protocol.ID, 0, len(creds))
	for id := range creds {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	failures := m.fanOut(ids, "remove client", func(id protocol.ID, b protocol.Backend) error {
		return b.RemoveClient(ctx, username, creds[id])
	})

	removed := make([]protocol.ID, 0, len(ids))
	for _, id := range ids {
		if _, failed := failures[id]; !failed {
			removed = append(removed, id)
		}
	}
	m.logger.Info("client removed", "username", username, "protocols", len(removed), "failed", len(failures))
	return RemoveResult{Removed: removed, Attempts: len(ids), Failures: failures}
}

// ClientConfigs collects connection info for every enabled protocol.
// Protocols with nothing to hand out are omitted.
func (m *Manager) ClientConfigs(ctx context.Context, username, server string, enabled []protocol.ID, creds map[protocol.ID]protocol.Credential) ConfigResult {
	var mu sync.Mutex
	configs := make(map[protocol.ID]protocol.ClientConfig)

	failures := m.fanOut(unique(enabled), "client config", func(id protocol.ID, b protocol.Backend) error {
		cc, err := b.ClientConfig(ctx, username, server, creds[id])
		if err != nil {
			return err
		}
		if cc == nil {
			return nil
		}
		mu.Lock()
		configs[id] = cc
		mu.Unlock()
		return nil
	})
	return ConfigResult{Configs: configs, Failures: failures}
}
