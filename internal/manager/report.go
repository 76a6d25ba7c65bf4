package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// reportTimeout bounds one shared reconciliation pass.
const reportTimeout = 2 * time.Minute

// CoreInfo is one entry of the core report.
type CoreInfo struct {
	ID                protocol.ID          `json:"id"`
	Name              string               `json:"name"`
	Status            status.State         `json:"status"`
	Version           string               `json:"version"`
	Uptime            int64                `json:"uptime"` // seconds
	Port              int                  `json:"port"`
	ActiveConnections int                  `json:"active_connections"`
	Traffic           status.TrafficSample `json:"traffic"`

	// Error describes checks that failed for this entry. The other fields
	// hold what could still be determined.
	Error string `json:"error,omitempty"`
}

// CoresInfo reconciles and reports every protocol in protocol.All order.
// Concurrent callers share one pass. The pass is not tied to any caller's
// cancellation; a cancelled caller stops waiting and the others still get
// the report.
func (m *Manager) CoresInfo(ctx context.Context) ([]CoreInfo, error) {
	ch := m.reports.DoChan("cores", func() (any, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		return m.coresInfo(passCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.([]CoreInfo)
		return append([]CoreInfo(nil), shared...), nil
	}
}

func (m *Manager) coresInfo(ctx context.Context) ([]CoreInfo, error) {
	ids := protocol.All()
	out := make([]CoreInfo, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, m.coreInfo(ctx, id))
	}
	return out, nil
}

// Core reconciles and reports a single protocol.
func (m *Manager) Core(ctx context.Context, id protocol.ID) (CoreInfo, error) {
	if _, err := m.Backend(id); err != nil {
		return CoreInfo{}, err
	}
	return m.coreInfo(ctx, id), nil
}

// problems collects per-entry failures without aborting the entry.
type problems []string

func (p *problems) add(what string, err error) {
	*p = append(*p, fmt.Sprintf("%s: %v", what, err))
}

func (p problems) String() string { return strings.Join(p, "; ") }

func (m *Manager) coreInfo(ctx context.Context, id protocol.ID) CoreInfo {
	b := m.backends.get(id)
	info := CoreInfo{ID: id, Name: id.Name()}
	var probs problems

	st := m.loadStatus(ctx, id, &probs)
	if st.IsRunning() {
		st = m.reconcile(ctx, id, b, st, &probs)
	}

	info.Status = st.State
	info.Version = st.Version
	if info.Version == "" {
		v, err := call(id, "version", func() (string, error) { return b.Version(ctx), nil })
		if err != nil {
			probs.add("version", err)
		}
		info.Version = v
	}

	now := m.now()
	uptime := st.Uptime(now)
	info.Uptime = int64(uptime.Seconds())

	port, err := call(id, "listen port", func() (int, error) { return b.ListenPort(ctx), nil })
	if err != nil {
		probs.add("port", err)
		port = id.DefaultPort()
	}
	info.Port = port

	if st.IsRunning() {
		n, err := call(id, "active connections", func() (int, error) { return b.ActiveConnections(ctx) })
		if err != nil {
			probs.add("connections", err)
		}
		info.ActiveConnections = n
	}
	info.Traffic = m.Traffic(id)
	info.Error = probs.String()

	m.metrics.observeCore(info)
	if m.series != nil {
		m.series.WriteCoreStatus(string(id), st.IsRunning(), info.ActiveConnections, uptime, now)
	}
	m.publishStatus(info)
	return info
}

// loadStatus returns the stored status, creating a stopped one when none exists.
func (m *Manager) loadStatus(ctx context.Context, id protocol.ID, probs *problems) status.ProtocolStatus {
	st, err := m.store.GetStatus(ctx, string(id))
	switch {
	case err == nil:
		return st
	case errors.Is(err, status.ErrNotFound):
		st = status.Stopped("")
		if err := m.store.SetStatus(ctx, string(id), st); err != nil {
			probs.add("creating status", err)
		}
		return st
	default:
		probs.add("status", err)
		return status.Stopped("")
	}
}

// reconcile asks the adapter whether a running core is still alive and
// records a stopped status when it is not. A protocol whose lifecycle
// lock is held is left alone for this pass.
func (m *Manager) reconcile(ctx context.Context, id protocol.ID, b protocol.Backend, st status.ProtocolStatus, probs *problems) status.ProtocolStatus {
	mu := m.locks[id]
	if !mu.TryLock() {
		m.logger.Debug("reconciliation skipped, operation in progress", "protocol", id)
		return st
	}
	defer mu.Unlock()

	alive, err := call(id, "is running", func() (bool, error) { return b.IsRunning(ctx), nil })
	if err != nil {
		probs.add("liveness", err)
		return st
	}
	if alive {
		return st
	}

	stopped := status.Stopped(st.Version)
	// The adapter usually corrected the store already; make sure.
	if cur, err := m.store.GetStatus(ctx, string(id)); err != nil || cur.IsRunning() {
		if err := m.store.SetStatus(ctx, string(id), stopped); err != nil {
			probs.add("correcting status", err)
			return st
		}
	}

	m.logger.Info("core no longer running, status corrected", "protocol", id, "pid", st.PID())
	if err := m.store.AppendLog(context.WithoutCancel(ctx), status.LevelWarning, id.Name(),
		fmt.Sprintf("Process %d is gone, status set to stopped", st.PID())); err != nil {
		m.logger.Warn("appending operator log failed", "protocol", id, "error", err)
	}
	m.metrics.observeCorrection(id)
	m.publishEvent(Event{
		Protocol: id,
		Type:     EventCorrection,
		Result:   "ok",
		Status:   status.StateStopped,
		Time:     m.now().UTC(),
	})
	return stopped
}
