package wireguard

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const defaultDir = "/etc/wireguard"

// Options configures the adapter.
type Options struct {
	// Dir receives the <iface>.conf files. Default /etc/wireguard.
	Dir string
}

// Credential is the client material returned by AddClient.
type Credential struct {
	PrivateKey      string `json:"private_key"`
	PublicKey       string `json:"public_key"`
	Address         string `json:"address"`
	DNS             string `json:"dns,omitempty"`
	EndpointPort    int    `json:"endpoint_port,omitempty"`
	ServerPublicKey string `json:"server_public_key,omitempty"`
}

// ClientConfig is the connection info handed to a client app.
type ClientConfig struct {
	Type             string `json:"type"`
	Server           string `json:"server"`
	Port             int    `json:"port"`
	ServerPublicKey  string `json:"server_public_key"`
	ClientPrivateKey string `json:"client_private_key"`
	ClientAddress    string `json:"client_address"`
	DNS              string `json:"dns"`
	MTU              int    `json:"mtu"`
	WGConfig         string `json:"wg_config"`
}

// Backend drives wg-quick interfaces.
type Backend struct {
	rt   *protocol.Runtime
	opts Options
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the WireGuard adapter.
func New(deps protocol.Deps, opts Options) (*Backend, error) {
	rt, err := protocol.NewRuntime(protocol.WireGuard, deps)
	if err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		opts.Dir = defaultDir
	}
	return &Backend{rt: rt, opts: opts}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return protocol.WireGuard }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any { return DefaultConfig() }

func (b *Backend) load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Install installs wireguard-tools when wg is missing and enables forwarding.
func (b *Backend) Install(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelInfo, "Configuring WireGuard...")
	if !b.rt.Installed("wg") {
		if err := b.rt.AptInstall(ctx, "wireguard", "wireguard-tools"); err != nil {
			return err
		}
	}
	if err := b.rt.EnsureIPForward(ctx); err != nil {
		b.rt.Log(ctx, status.LevelError, "Installation error: %v", err)
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "WireGuard installed successfully")
	return nil
}

// ensureKeys fills in missing server keys. It reports whether cfg changed.
func ensureKeys(cfg *Config) (bool, error) {
	changed := false
	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]
		switch {
		case iface.PrivateKey == "":
			priv, pub, err := GenerateKeyPair()
			if err != nil {
				return false, err
			}
			iface.PrivateKey, iface.PublicKey = priv, pub
			changed = true
		case iface.PublicKey == "":
			pub, err := PublicKey(iface.PrivateKey)
			if err != nil {
				return false, fmt.Errorf("interface %s: %w", iface.Name, err)
			}
			iface.PublicKey = pub
			changed = true
		}
	}
	return changed, nil
}

func unit(name string) string { return "wg-quick@" + name }

// Start brings every configured interface up.
func (b *Backend) Start(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	if len(cfg.Interfaces) == 0 {
		b.rt.Log(ctx, status.LevelError, "No interfaces configured")
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("wireguard: %w: no interfaces", protocol.ErrNotConfigured)
	}
	for _, iface := range cfg.Interfaces {
		if err := iface.validate(); err != nil {
			b.rt.Log(ctx, status.LevelError, "Failed to start: %v", err)
			return fmt.Errorf("wireguard: %w: %w", protocol.ErrNotConfigured, err)
		}
	}

	changed, err := ensureKeys(&cfg)
	if err != nil {
		return err
	}
	if changed {
		if err := b.rt.SaveConfig(ctx, cfg); err != nil {
			return err
		}
	}

	var up []string
	var failures []string
	for _, iface := range cfg.Interfaces {
		if err := b.bringUp(ctx, iface); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", iface.Name, err))
			continue
		}
		up = append(up, iface.Name)
	}
	if len(up) == 0 {
		b.rt.Log(ctx, status.LevelError, "Failed to start: %s", strings.Join(failures, "; "))
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("wireguard: no interface came up: %s", strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		b.rt.Log(ctx, status.LevelWarning, "Some interfaces failed: %s", strings.Join(failures, "; "))
	}

	if err := b.rt.MarkRunning(ctx, status.Handle{Unit: unit(up[0])}, b.rt.Now(), b.Version(ctx)); err != nil {
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "WireGuard started")
	return nil
}

func (b *Backend) bringUp(ctx context.Context, iface Interface) error {
	path := filepath.Join(b.opts.Dir, iface.Name+".conf")
	if err := b.rt.WriteFile(ctx, path, []byte(iface.render()), 0o600); err != nil {
		return err
	}
	_ = b.rt.Systemctl(ctx, "enable", unit(iface.Name)) //nolint:errcheck // Boot persistence is best effort

	if err := b.rt.Systemctl(ctx, "start", unit(iface.Name)); err == nil {
		return nil
	}
	upErr := b.rt.RunOK(ctx, command.New("wg-quick", "up", iface.Name))
	if upErr == nil || b.interfaceUp(ctx, iface.Name) {
		return nil
	}
	return upErr
}

func (b *Backend) interfaceUp(ctx context.Context, name string) bool {
	return b.rt.Run(ctx, command.New("wg", "show", name).AsProbe()).OK()
}

// Stop takes every configured interface down and records a stopped status.
func (b *Backend) Stop(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	for _, iface := range cfg.Interfaces {
		_ = b.rt.Systemctl(ctx, "stop", unit(iface.Name)) //nolint:errcheck // Falls through to wg-quick down
		if b.interfaceUp(ctx, iface.Name) {
			if err := b.rt.RunOK(ctx, command.New("wg-quick", "down", iface.Name)); err != nil {
				b.rt.Log(ctx, status.LevelWarning, "Bringing %s down failed: %v", iface.Name, err)
			}
		}
	}
	if err := b.rt.MarkStopped(ctx); err != nil {
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "WireGuard stopped")
	return nil
}

// Restart implements protocol.Backend.
func (b *Backend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, b, b.rt.RestartPause())
}

// IsRunning reports whether any interface is up.
func (b *Backend) IsRunning(ctx context.Context) bool {
	cfg, err := b.load(ctx)
	if err != nil {
		return false
	}
	alive := false
	for _, iface := range cfg.Interfaces {
		if b.rt.ServiceActive(ctx, unit(iface.Name)) || b.interfaceUp(ctx, iface.Name) {
			alive = true
			break
		}
	}
	return b.rt.Reconcile(ctx, alive)
}

// Version parses "wireguard-tools v1.0.20210914 - https://...".
func (b *Backend) Version(ctx context.Context) string {
	res := b.rt.Run(ctx, command.New("wg", "--version").AsProbe())
	if !res.OK() {
		return ""
	}
	fields := strings.Fields(res.Output())
	for _, f := range fields {
		if strings.HasPrefix(f, "v") && len(f) > 1 {
			return strings.TrimPrefix(f, "v")
		}
	}
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func (b *Backend) dump(ctx context.Context) ([]peerDump, error) {
	out, err := b.rt.Output(ctx, command.New("wg", "show", "all", "dump").AsProbe())
	if err != nil {
		return nil, err
	}
	return parseDump(out), nil
}

// ActiveConnections counts peers with a handshake in the last three minutes.
func (b *Backend) ActiveConnections(ctx context.Context) (int, error) {
	peers, err := b.dump(ctx)
	if err != nil {
		return 0, err
	}
	return countActive(peers, b.rt.Now()), nil
}

// Traffic sums rx and tx over every peer.
func (b *Backend) Traffic(ctx context.Context) (status.TrafficSample, error) {
	peers, err := b.dump(ctx)
	if err != nil {
		return status.TrafficSample{}, err
	}
	return sumTraffic(peers), nil
}

// ListenPort returns the first interface's port.
func (b *Backend) ListenPort(ctx context.Context) int {
	cfg, err := b.load(ctx)
	if err != nil || len(cfg.Interfaces) == 0 {
		return protocol.WireGuard.DefaultPort()
	}
	return cfg.Interfaces[0].port()
}

// AddClient issues or reuses a keypair, assigns an address and adds the
// peer to the first interface, live and in the persisted config.
func (b *Backend) AddClient(ctx context.Context, username string, data protocol.ClientData) (protocol.Credential, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	var cred Credential
	if err := protocol.Decode(data.Existing, &cred); err != nil {
		return nil, err
	}

	if cred.PrivateKey == "" || cred.PublicKey == "" {
		priv, pub, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		cred.PrivateKey, cred.PublicKey = priv, pub
	}

	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(cfg.Interfaces) == 0 {
		return nil, fmt.Errorf("wireguard: %w: no interfaces", protocol.ErrNotConfigured)
	}
	if _, err := ensureKeys(&cfg); err != nil {
		return nil, err
	}
	iface := &cfg.Interfaces[0]

	if cred.Address == "" {
		addr, err := ClientAddress(iface.Address, username)
		if err != nil {
			return nil, err
		}
		cred.Address = addr
	}

	peers := iface.Peers[:0:0]
	for _, p := range iface.Peers {
		if p.Username == username || p.PublicKey == cred.PublicKey {
			continue
		}
		if p.AllowedIPs == cred.Address {
			b.rt.Log(ctx, status.LevelWarning, "Address %s of %s collides with %s", cred.Address, username, p.Username)
		}
		peers = append(peers, p)
	}
	iface.Peers = append(peers, Peer{Username: username, PublicKey: cred.PublicKey, AllowedIPs: cred.Address})

	if err := b.rt.SaveConfig(ctx, cfg); err != nil {
		return nil, err
	}

	if b.interfaceUp(ctx, iface.Name) {
		if err := b.rt.RunOK(ctx, command.New("wg", "set", iface.Name,
			"peer", cred.PublicKey, "allowed-ips", cred.Address)); err != nil {
			b.rt.Log(ctx, status.LevelWarning, "Adding peer %s live failed: %v", username, err)
		}
	}

	cred.DNS = iface.dns()
	cred.EndpointPort = iface.port()
	cred.ServerPublicKey = iface.PublicKey
	return protocol.Encode(cred)
}

// RemoveClient drops the peer live and from the persisted config.
func (b *Backend) RemoveClient(ctx context.Context, username string, raw protocol.Credential) error {
	var cred Credential
	if err := protocol.Decode(raw, &cred); err != nil {
		return err
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	if len(cfg.Interfaces) == 0 {
		return nil
	}
	iface := &cfg.Interfaces[0]

	keys := map[string]bool{}
	if cred.PublicKey != "" {
		keys[cred.PublicKey] = true
	}
	peers := iface.Peers[:0:0]
	for _, p := range iface.Peers {
		if p.Username == username || keys[p.PublicKey] {
			keys[p.PublicKey] = true
			continue
		}
		peers = append(peers, p)
	}
	removed := len(peers) != len(iface.Peers)
	iface.Peers = peers

	live := len(keys) > 0 && b.interfaceUp(ctx, iface.Name)
	for key := range keys {
		if !live {
			break
		}
		if err := b.rt.RunOK(ctx, command.New("wg", "set", iface.Name, "peer", key, "remove")); err != nil {
			b.rt.Log(ctx, status.LevelWarning, "Removing peer %s live failed: %v", username, err)
		}
	}
	if removed {
		return b.rt.SaveConfig(ctx, cfg)
	}
	return nil
}

// ClientConfig renders the wg-quick client file.
func (b *Backend) ClientConfig(ctx context.Context, _ string, server string, raw protocol.Credential) (protocol.ClientConfig, error) {
	var cred Credential
	if err := protocol.Decode(raw, &cred); err != nil {
		return nil, err
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(cfg.Interfaces) == 0 {
		return nil, fmt.Errorf("wireguard: %w: no interfaces", protocol.ErrNotConfigured)
	}
	iface := cfg.Interfaces[0]
	serverKey := iface.PublicKey
	if serverKey == "" {
		serverKey = cred.ServerPublicKey
	}

	wg := fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s
DNS = %s
MTU = %d

[Peer]
PublicKey = %s
Endpoint = %s:%d
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 25
`, cred.PrivateKey, cred.Address, iface.dns(), iface.mtu(), serverKey, server, iface.port())

	return protocol.Encode(ClientConfig{
		Type:             "wireguard",
		Server:           server,
		Port:             iface.port(),
		ServerPublicKey:  serverKey,
		ClientPrivateKey: cred.PrivateKey,
		ClientAddress:    cred.Address,
		DNS:              iface.dns(),
		MTU:              iface.mtu(),
		WGConfig:         wg,
	})
}
