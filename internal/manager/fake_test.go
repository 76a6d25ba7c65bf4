package manager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// fakeBackend is a scripted adapter. Start and Stop write the store the
// way real adapters do.
type fakeBackend struct {
	id    protocol.ID
	store status.Store

	mu         sync.Mutex
	alive      bool
	conns      int
	traffic    status.TrafficSample
	trafficErr error
	startErr   error
	addErr     error
	removeErr  error
	nilConfig  bool
	panicOn    string
	startGate  chan struct{}
	connGate   chan struct{}
	calls      map[string]int
	existing   protocol.Credential
	order      *[]string
	orderMu    *sync.Mutex
}

func newFakeBackend(id protocol.ID, store status.Store) *fakeBackend {
	return &fakeBackend{id: id, store: store, calls: make(map[string]int)}
}

func (f *fakeBackend) record(what string) {
	f.mu.Lock()
	f.calls[what]++
	panicOn := f.panicOn
	f.mu.Unlock()
	if f.order != nil {
		f.orderMu.Lock()
		*f.order = append(*f.order, string(f.id)+" "+what)
		f.orderMu.Unlock()
	}
	if panicOn == what {
		panic(what + " exploded")
	}
}

func (f *fakeBackend) count(what string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[what]
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) ID() protocol.ID { return f.id }

func (f *fakeBackend) Install(context.Context) error {
	f.record("install")
	return nil
}

func (f *fakeBackend) Start(ctx context.Context) error {
	f.record("start")
	f.mu.Lock()
	gate, err := f.startGate, f.startErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	f.set(func(f *fakeBackend) { f.alive = true })
	return f.store.SetStatus(ctx, string(f.id), status.Running(status.Handle{PID: 1000}, time.Now(), "1.0"))
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.record("stop")
	f.set(func(f *fakeBackend) { f.alive = false })
	return f.store.SetStatus(ctx, string(f.id), status.Stopped("1.0"))
}

func (f *fakeBackend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, f, 0)
}

func (f *fakeBackend) IsRunning(context.Context) bool {
	f.record("is_running")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeBackend) Version(context.Context) string { return "" }

func (f *fakeBackend) ActiveConnections(context.Context) (int, error) {
	f.record("connections")
	f.mu.Lock()
	gate := f.connGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns, nil
}

func (f *fakeBackend) Traffic(context.Context) (status.TrafficSample, error) {
	f.record("traffic")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.traffic, f.trafficErr
}

func (f *fakeBackend) ListenPort(context.Context) int {
	f.record("port")
	return f.id.DefaultPort()
}

func (f *fakeBackend) AddClient(_ context.Context, username string, data protocol.ClientData) (protocol.Credential, error) {
	f.record("add")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existing = data.Existing
	if f.addErr != nil {
		return nil, f.addErr
	}
	return json.Marshal(map[string]string{"user": username, "protocol": string(f.id)})
}

func (f *fakeBackend) RemoveClient(context.Context, string, protocol.Credential) error {
	f.record("remove")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeErr
}

func (f *fakeBackend) ClientConfig(_ context.Context, username, server string, _ protocol.Credential) (protocol.ClientConfig, error) {
	f.record("config")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nilConfig {
		return nil, nil
	}
	return json.Marshal(map[string]string{"user": username, "server": server})
}

func (f *fakeBackend) DefaultConfig() any {
	return map[string]int{"port": f.id.DefaultPort()}
}

type fakes map[protocol.ID]*fakeBackend

func newFakes(store status.Store) (fakes, Backends) {
	fs := fakes{}
	for _, id := range protocol.All() {
		fs[id] = newFakeBackend(id, store)
	}
	return fs, Backends{
		V2Ray:       fs[protocol.V2Ray],
		WireGuard:   fs[protocol.WireGuard],
		OpenVPN:     fs[protocol.OpenVPN],
		IKEv2:       fs[protocol.IKEv2],
		L2TP:        fs[protocol.L2TP],
		DNSTT:       fs[protocol.DNSTT],
		SlipStream:  fs[protocol.SlipStream],
		TrustTunnel: fs[protocol.TrustTunnel],
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	events   []Event
	statuses map[string]CoreInfo
}

func (p *recordingPublisher) PublishCoreStatus(protocol string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statuses == nil {
		p.statuses = make(map[string]CoreInfo)
	}
	p.statuses[protocol] = v.(CoreInfo)
	return nil
}

func (p *recordingPublisher) PublishCoreEvent(_ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(Event))
	return nil
}

func (p *recordingPublisher) eventsOf(typ string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type recordingSeries struct {
	mu      sync.Mutex
	traffic map[string]status.TrafficSample
	up      map[string]bool
}

func newRecordingSeries() *recordingSeries {
	return &recordingSeries{traffic: map[string]status.TrafficSample{}, up: map[string]bool{}}
}

func (s *recordingSeries) WriteTraffic(protocol, _ string, sample status.TrafficSample, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traffic[protocol] = sample
}

func (s *recordingSeries) WriteCoreStatus(protocol string, running bool, _ int, _ time.Duration, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.up[protocol] = running
}
