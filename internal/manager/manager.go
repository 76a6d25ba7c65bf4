package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Logger is the logging interface used by the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher receives core status snapshots and lifecycle events.
// *mqtt.Client implements it.
type Publisher interface {
	PublishCoreStatus(protocol string, v any) error
	PublishCoreEvent(protocol string, v any) error
}

// TimeSeries records traffic and availability points.
// *influxdb.Client implements it.
type TimeSeries interface {
	WriteTraffic(protocol, client string, sample status.TrafficSample, at time.Time)
	WriteCoreStatus(protocol string, running bool, connections int, uptime time.Duration, at time.Time)
}

// Backends holds one adapter per protocol. Every field is required.
type Backends struct {
	V2Ray       protocol.Backend
	WireGuard   protocol.Backend
	OpenVPN     protocol.Backend
	IKEv2       protocol.Backend
	L2TP        protocol.Backend
	DNSTT       protocol.Backend
	SlipStream  protocol.Backend
	TrustTunnel protocol.Backend
}

// get is exhaustive over protocol.All.
func (b *Backends) get(id protocol.ID) protocol.Backend {
	switch id {
	case protocol.V2Ray:
		return b.V2Ray
	case protocol.WireGuard:
		return b.WireGuard
	case protocol.OpenVPN:
		return b.OpenVPN
	case protocol.IKEv2:
		return b.IKEv2
	case protocol.L2TP:
		return b.L2TP
	case protocol.DNSTT:
		return b.DNSTT
	case protocol.SlipStream:
		return b.SlipStream
	case protocol.TrustTunnel:
		return b.TrustTunnel
	default:
		return nil
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPublisher sets where status snapshots and events go.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithTimeSeries sets where traffic and availability points go.
func WithTimeSeries(ts TimeSeries) Option {
	return func(m *Manager) { m.series = ts }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager dispatches operations to protocol adapters.
type Manager struct {
	backends Backends
	store    status.Store
	locks    map[protocol.ID]*sync.Mutex

	logger    Logger
	publisher Publisher
	series    TimeSeries
	metrics   *Metrics
	now       func() time.Time

	reports singleflight.Group

	trafficMu sync.RWMutex
	traffic   map[protocol.ID]status.TrafficSample
}

// New builds a manager. Every Backends field must be set and report the
// protocol of its field.
func New(backends Backends, store status.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("manager: store is required")
	}
	m := &Manager{
		backends: backends,
		store:    store,
		locks:    make(map[protocol.ID]*sync.Mutex),
		logger:   noopLogger{},
		now:      time.Now,
		traffic:  make(map[protocol.ID]status.TrafficSample),
	}
	for _, id := range protocol.All() {
		b := backends.get(id)
		if b == nil {
			return nil, fmt.Errorf("manager: no backend for %s", id)
		}
		if b.ID() != id {
			return nil, fmt.Errorf("manager: backend for %s reports id %s", id, b.ID())
		}
		m.locks[id] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Backend returns the adapter for id.
func (m *Manager) Backend(id protocol.ID) (protocol.Backend, error) {
	if b := m.backends.get(id); b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", protocol.ErrNotFound, string(id))
}

// Store returns the status store the manager persists to.
func (m *Manager) Store() status.Store { return m.store }

// call runs fn and turns a panic into an error.
func call[T any](id protocol.ID, what string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s %s: panic: %v", id, what, r)
		}
	}()
	return fn()
}

func run(id protocol.ID, what string, fn func() error) error {
	_, err := call(id, what, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Event is published for every lifecycle operation and every correction.
type Event struct {
	Protocol protocol.ID  `json:"protocol"`
	Type     string       `json:"type"`
	Op       Op           `json:"op,omitempty"`
	Result   string       `json:"result"`
	Error    string       `json:"error,omitempty"`
	Status   status.State `json:"status"`
	Time     time.Time    `json:"time"`
}

// Event types.
const (
	EventLifecycle  = "lifecycle"
	EventCorrection = "correction"
)

func (m *Manager) publishEvent(ev Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishCoreEvent(string(ev.Protocol), ev); err != nil {
		m.logger.Debug("publishing core event failed", "protocol", ev.Protocol, "error", err)
	}
}

func (m *Manager) publishStatus(info CoreInfo) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishCoreStatus(string(info.ID), info); err != nil {
		m.logger.Debug("publishing core status failed", "protocol", info.ID, "error", err)
	}
}

// currentState reads the stored state, treating any failure as stopped.
func (m *Manager) currentState(ctx context.Context, id protocol.ID) status.State {
	st, err := m.store.GetStatus(ctx, string(id))
	if err != nil {
		return status.StateStopped
	}
	return st.State
}
