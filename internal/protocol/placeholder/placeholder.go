// Package placeholder provides the adapters for protocols that are listed
// in the core report but have no daemon yet (SlipStream, TrustTunnel).
//
// They satisfy protocol.Backend so the manager needs no special cases:
// lifecycle calls report ErrNotImplemented, the status stays stopped and
// client operations succeed with nothing to hand out.
package placeholder

import (
	"context"
	"fmt"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Config is the stored document. Only the advertised port is meaningful.
type Config struct {
	Port int `json:"port"`
}

// Backend is a no-op adapter.
type Backend struct {
	rt *protocol.Runtime
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the placeholder adapter for id.
func New(id protocol.ID, deps protocol.Deps) (*Backend, error) {
	rt, err := protocol.NewRuntime(id, deps)
	if err != nil {
		return nil, err
	}
	return &Backend{rt: rt}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return b.rt.ID() }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any {
	return Config{Port: b.rt.ID().DefaultPort()}
}

func (b *Backend) notImplemented() error {
	return fmt.Errorf("%s: %w", b.rt.ID(), protocol.ErrNotImplemented)
}

// Install logs that the protocol is not available yet.
func (b *Backend) Install(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelInfo, "%s is planned for a future release", b.rt.Name())
	return b.notImplemented()
}

// Start leaves the status stopped.
func (b *Backend) Start(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelWarning, "%s is planned for a future release, nothing to start", b.rt.Name())
	if err := b.rt.MarkStopped(ctx); err != nil {
		return err
	}
	return b.notImplemented()
}

// Stop records the stopped state and succeeds.
func (b *Backend) Stop(ctx context.Context) error {
	return b.rt.MarkStopped(ctx)
}

// Restart implements protocol.Backend.
func (b *Backend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, b, 0)
}

// IsRunning is always false; a stale running status is corrected.
func (b *Backend) IsRunning(ctx context.Context) bool {
	return b.rt.Reconcile(ctx, false)
}

// Version implements protocol.Backend.
func (b *Backend) Version(context.Context) string { return "" }

// ActiveConnections implements protocol.Backend.
func (b *Backend) ActiveConnections(context.Context) (int, error) { return 0, nil }

// Traffic implements protocol.Backend.
func (b *Backend) Traffic(context.Context) (status.TrafficSample, error) {
	return status.TrafficSample{}, nil
}

// ListenPort reads the configured port.
func (b *Backend) ListenPort(ctx context.Context) int {
	var cfg Config
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil || cfg.Port == 0 {
		return b.rt.ID().DefaultPort()
	}
	return cfg.Port
}

// AddClient returns an empty credential.
func (b *Backend) AddClient(_ context.Context, username string, _ protocol.ClientData) (protocol.Credential, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	return protocol.Credential("{}"), nil
}

// RemoveClient implements protocol.Backend.
func (b *Backend) RemoveClient(context.Context, string, protocol.Credential) error { return nil }

// ClientConfig has nothing to hand out.
func (b *Backend) ClientConfig(context.Context, string, string, protocol.Credential) (protocol.ClientConfig, error) {
	return nil, nil
}
