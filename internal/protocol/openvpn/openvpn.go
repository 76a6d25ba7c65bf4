package openvpn

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	serverUnit = "openvpn-server@server"
	legacyUnit = "openvpn@server"
)

// Options configures filesystem locations.
type Options struct {
	ServerDir     string // /etc/openvpn/server
	EasyRSADir    string // /etc/openvpn/easy-rsa
	EasyRSASource string // /usr/share/easy-rsa
	LogDir        string // /var/log/openvpn
}

func (o *Options) setDefaults() {
	if o.ServerDir == "" {
		o.ServerDir = "/etc/openvpn/server"
	}
	if o.EasyRSADir == "" {
		o.EasyRSADir = "/etc/openvpn/easy-rsa"
	}
	if o.EasyRSASource == "" {
		o.EasyRSASource = "/usr/share/easy-rsa"
	}
	if o.LogDir == "" {
		o.LogDir = "/var/log/openvpn"
	}
}

// Config is the stored OpenVPN document.
type Config struct {
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Device     string `json:"device"`
	Cipher     string `json:"cipher"`
	Auth       string `json:"auth"`
	DH         string `json:"dh"`
	TLSCrypt   bool   `json:"tls_crypt"`
	DNS1       string `json:"dns1"`
	DNS2       string `json:"dns2"`
	Subnet     string `json:"subnet"`
	MaxClients int    `json:"max_clients"`
	Keepalive  string `json:"keepalive"`
	CompLZO    bool   `json:"comp_lzo"`
}

// DefaultConfig is the document seeded on first start.
func DefaultConfig() Config {
	return Config{
		Port:       1194,
		Protocol:   "udp",
		Device:     "tun",
		Cipher:     "AES-256-GCM",
		Auth:       "SHA512",
		DH:         "none",
		TLSCrypt:   true,
		DNS1:       "1.1.1.1",
		DNS2:       "8.8.8.8",
		Subnet:     "10.8.0.0/24",
		MaxClients: 100,
		Keepalive:  "10 120",
	}
}

// Credential records that a client certificate was issued.
type Credential struct {
	CertGenerated bool   `json:"cert_generated"`
	Username      string `json:"username"`
}

// ClientConfig is the connection info handed to a client app.
type ClientConfig struct {
	Type       string `json:"type"`
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	OVPNConfig string `json:"ovpn_config"`
}

// Backend drives the OpenVPN server and its easy-rsa PKI.
type Backend struct {
	rt   *protocol.Runtime
	opts Options
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the OpenVPN adapter.
func New(deps protocol.Deps, opts Options) (*Backend, error) {
	rt, err := protocol.NewRuntime(protocol.OpenVPN, deps)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Backend{rt: rt, opts: opts}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return protocol.OpenVPN }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any { return DefaultConfig() }

func (b *Backend) load(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (b *Backend) pki(parts ...string) string {
	return filepath.Join(append([]string{b.opts.EasyRSADir, "pki"}, parts...)...)
}

func (b *Backend) statusFile() string {
	return filepath.Join(b.opts.LogDir, "openvpn-status.log")
}

func (b *Backend) easyrsa(args ...string) command.Command {
	return command.New(filepath.Join(b.opts.EasyRSADir, "easyrsa"), append([]string{"--batch"}, args...)...).
		WithDir(b.opts.EasyRSADir).
		WithEnv("EASYRSA_BATCH=1")
}

// Install installs the packages and builds the PKI. Each PKI step is
// skipped when its output already exists.
func (b *Backend) Install(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelInfo, "Configuring OpenVPN...")
	if err := b.install(ctx); err != nil {
		b.rt.Log(ctx, status.LevelError, "Installation error: %v", err)
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "OpenVPN installed successfully")
	return nil
}

func (b *Backend) install(ctx context.Context) error {
	if !b.rt.Installed("openvpn") {
		if err := b.rt.AptInstall(ctx, "openvpn", "easy-rsa"); err != nil {
			return err
		}
	}

	if !b.rt.FileExists(ctx, filepath.Join(b.opts.EasyRSADir, "easyrsa")) {
		if err := b.rt.MkdirAll(ctx, b.opts.EasyRSADir); err != nil {
			return err
		}
		if err := b.rt.RunOK(ctx, command.New("cp", "-a", b.opts.EasyRSASource+"/.", b.opts.EasyRSADir)); err != nil {
			return err
		}
	}

	steps := []struct {
		output string
		cmd    command.Command
	}{
		{b.pki(), b.easyrsa("init-pki")},
		{b.pki("ca.crt"), b.easyrsa("build-ca", "nopass")},
		{b.pki("issued", "server.crt"), b.easyrsa("build-server-full", "server", "nopass")},
		{b.pki("tc.key"), command.New("openvpn", "--genkey", "secret", b.pki("tc.key"))},
		{b.pki("crl.pem"), b.easyrsa("gen-crl")},
	}
	for _, s := range steps {
		if b.rt.FileExists(ctx, s.output) {
			continue
		}
		if err := b.rt.RunOK(ctx, s.cmd); err != nil {
			return err
		}
	}

	return b.rt.EnsureIPForward(ctx)
}

// subnetMask converts "10.8.0.0/24" to "10.8.0.0", "255.255.255.0".
func subnetMask(subnet string) (network, mask string, err error) {
	p, err := netip.ParsePrefix(subnet)
	if err != nil || !p.Addr().Is4() {
		return "", "", fmt.Errorf("invalid IPv4 subnet %q", subnet)
	}
	bits := p.Bits()
	m := ^uint32(0) << (32 - bits)
	return p.Masked().Addr().String(),
		fmt.Sprintf("%d.%d.%d.%d", byte(m>>24), byte(m>>16), byte(m>>8), byte(m)), nil
}

func (b *Backend) renderServer(cfg Config) (string, error) {
	network, mask, err := subnetMask(cfg.Subnet)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&sb, format+"\n", args...) }

	w("port %d", cfg.Port)
	w("proto %s", cfg.Protocol)
	w("dev %s", cfg.Device)
	w("ca %s", b.pki("ca.crt"))
	w("cert %s", b.pki("issued", "server.crt"))
	w("key %s", b.pki("private", "server.key"))
	w("dh %s", cfg.DH)
	w("topology subnet")
	w("server %s %s", network, mask)
	w("ifconfig-pool-persist %s", filepath.Join(b.opts.LogDir, "ipp.txt"))
	w(`push "dhcp-option DNS %s"`, cfg.DNS1)
	w(`push "dhcp-option DNS %s"`, cfg.DNS2)
	w(`push "redirect-gateway def1 bypass-dhcp"`)
	w("keepalive %s", cfg.Keepalive)
	w("cipher %s", cfg.Cipher)
	w("auth %s", cfg.Auth)
	w("max-clients %d", cfg.MaxClients)
	w("user nobody")
	w("group nogroup")
	w("persist-key")
	w("persist-tun")
	w("status %s 10", b.statusFile())
	w("status-version 2")
	w("log %s", filepath.Join(b.opts.LogDir, "openvpn.log"))
	w("verb 3")
	w("crl-verify %s", b.pki("crl.pem"))
	if cfg.TLSCrypt {
		w("tls-crypt %s", b.pki("tc.key"))
	}
	if cfg.CompLZO {
		w("compress lzo")
	}
	return sb.String(), nil
}

// Start writes server.conf and NAT, then starts the systemd unit or,
// without systemd, a supervised openvpn.
func (b *Backend) Start(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	conf, err := b.renderServer(cfg)
	if err != nil {
		b.rt.Log(ctx, status.LevelError, "Failed to start: %v", err)
		return fmt.Errorf("openvpn: %w: %w", protocol.ErrNotConfigured, err)
	}
	if err := b.rt.MkdirAll(ctx, b.opts.LogDir); err != nil {
		return err
	}
	confPath := filepath.Join(b.opts.ServerDir, "server.conf")
	if err := b.rt.WriteFile(ctx, confPath, []byte(conf), 0o644); err != nil {
		return err
	}
	if err := b.rt.EnsureRule(ctx, "nat", "POSTROUTING", false,
		"-s", cfg.Subnet, "-o", b.rt.DefaultInterface(ctx), "-j", "MASQUERADE"); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "NAT rule failed: %v", err)
	}

	version := b.Version(ctx)
	_ = b.rt.Systemctl(ctx, "enable", serverUnit) //nolint:errcheck // Boot persistence is best effort
	if err := b.rt.Systemctl(ctx, "start", serverUnit); err == nil {
		h := status.Handle{PID: b.rt.ServiceMainPID(ctx, serverUnit), Unit: serverUnit}
		if err := b.rt.MarkRunning(ctx, h, b.rt.Now(), version); err != nil {
			return err
		}
		b.rt.Log(ctx, status.LevelInfo, "OpenVPN started")
		return nil
	}

	bin, ok := b.rt.LookPath("openvpn")
	if !ok {
		b.rt.Log(ctx, status.LevelError, "openvpn binary not found")
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("openvpn: %w", protocol.ErrNotInstalled)
	}
	if _, err := b.rt.StartDaemon(ctx, process.Spec{
		Name:   "openvpn",
		Binary: bin,
		Args:   []string{"--config", confPath},
		Dir:    b.opts.ServerDir,
	}, version); err != nil {
		return fmt.Errorf("openvpn: %w", err)
	}
	return nil
}

// Stop stops both unit names and any supervised daemon.
func (b *Backend) Stop(ctx context.Context) error {
	_ = b.rt.Systemctl(ctx, "stop", serverUnit) //nolint:errcheck // Unit may not exist
	_ = b.rt.Systemctl(ctx, "stop", legacyUnit) //nolint:errcheck // Unit may not exist
	return b.rt.StopDaemon(ctx)
}

// Restart implements protocol.Backend.
func (b *Backend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, b, b.rt.RestartPause())
}

// IsRunning checks both units and the persisted pid.
func (b *Backend) IsRunning(ctx context.Context) bool {
	alive := b.rt.ServiceActive(ctx, serverUnit) ||
		b.rt.ServiceActive(ctx, legacyUnit) ||
		b.rt.PIDAlive(ctx)
	return b.rt.Reconcile(ctx, alive)
}

// Version parses "OpenVPN 2.6.8 x86_64-pc-linux-gnu ...". openvpn exits 1
// after printing its version on older releases.
func (b *Backend) Version(ctx context.Context) string {
	res := b.rt.Run(ctx, command.New("openvpn", "--version").AsProbe())
	for _, line := range strings.Split(res.Output(), "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "OpenVPN" && i+1 < len(fields) {
				return fields[i+1]
			}
		}
	}
	return ""
}

type clientRow struct {
	CommonName string
	Received   uint64
	Sent       uint64
}

// parseStatus reads CLIENT_LIST rows of a status-version 2 log:
// CLIENT_LIST,name,real addr,virtual addr,virtual v6,bytes received,bytes sent,...
func parseStatus(data string) []clientRow {
	var rows []clientRow
	for _, line := range strings.Split(data, "\n") {
		if !strings.HasPrefix(line, "CLIENT_LIST,") {
			continue
		}
		cols := strings.Split(strings.TrimSpace(line), ",")
		if len(cols) < 7 {
			continue
		}
		recv, _ := strconv.ParseUint(cols[5], 10, 64) //nolint:errcheck // Malformed counters read as zero
		sent, _ := strconv.ParseUint(cols[6], 10, 64) //nolint:errcheck // Malformed counters read as zero
		rows = append(rows, clientRow{CommonName: cols[1], Received: recv, Sent: sent})
	}
	return rows
}

func (b *Backend) clients(ctx context.Context) ([]clientRow, error) {
	data, err := b.rt.ReadFile(ctx, b.statusFile())
	if err != nil {
		return nil, fmt.Errorf("reading status log: %w", err)
	}
	return parseStatus(string(data)), nil
}

// ActiveConnections counts CLIENT_LIST rows.
func (b *Backend) ActiveConnections(ctx context.Context) (int, error) {
	rows, err := b.clients(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Traffic sums the per-client byte counters.
func (b *Backend) Traffic(ctx context.Context) (status.TrafficSample, error) {
	rows, err := b.clients(ctx)
	if err != nil {
		return status.TrafficSample{}, err
	}
	var t status.TrafficSample
	for _, r := range rows {
		t.BytesIn += r.Received
		t.BytesOut += r.Sent
	}
	return t, nil
}

// ListenPort implements protocol.Backend.
func (b *Backend) ListenPort(ctx context.Context) int {
	cfg, err := b.load(ctx)
	if err != nil || cfg.Port == 0 {
		return protocol.OpenVPN.DefaultPort()
	}
	return cfg.Port
}

// AddClient issues a client certificate unless one exists.
func (b *Backend) AddClient(ctx context.Context, username string, _ protocol.ClientData) (protocol.Credential, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	if !b.rt.FileExists(ctx, b.pki("issued", username+".crt")) {
		if err := b.rt.RunOK(ctx, b.easyrsa("build-client-full", username, "nopass")); err != nil {
			return nil, fmt.Errorf("issuing certificate for %s: %w", username, err)
		}
	}
	return protocol.Encode(Credential{CertGenerated: true, Username: username})
}

// RemoveClient revokes the certificate and regenerates the CRL.
func (b *Backend) RemoveClient(ctx context.Context, username string, _ protocol.Credential) error {
	if err := protocol.ValidateUsername(username); err != nil {
		return err
	}
	if !b.rt.FileExists(ctx, b.pki("issued", username+".crt")) {
		return nil
	}
	if err := b.rt.RunOK(ctx, b.easyrsa("revoke", username)); err != nil {
		return fmt.Errorf("revoking %s: %w", username, err)
	}
	return b.rt.RunOK(ctx, b.easyrsa("gen-crl"))
}

// ClientConfig returns an .ovpn file with the PKI material inlined.
func (b *Backend) ClientConfig(ctx context.Context, username, server string, _ protocol.Credential) (protocol.ClientConfig, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}

	read := func(path string) (string, error) {
		data, err := b.rt.ReadFile(ctx, path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", filepath.Base(path), err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	ca, err := read(b.pki("ca.crt"))
	if err != nil {
		return nil, err
	}
	cert, err := read(b.pki("issued", username+".crt"))
	if err != nil {
		return nil, err
	}
	key, err := read(b.pki("private", username+".key"))
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "client\ndev %s\nproto %s\nremote %s %d\n", cfg.Device, cfg.Protocol, server, cfg.Port)
	sb.WriteString("resolv-retry infinite\nnobind\npersist-key\npersist-tun\nremote-cert-tls server\n")
	fmt.Fprintf(&sb, "cipher %s\nauth %s\nverb 3\n", cfg.Cipher, cfg.Auth)
	fmt.Fprintf(&sb, "<ca>\n%s\n</ca>\n<cert>\n%s\n</cert>\n<key>\n%s\n</key>\n", ca, cert, key)
	if cfg.TLSCrypt {
		tc, err := read(b.pki("tc.key"))
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, "<tls-crypt>\n%s\n</tls-crypt>\n", tc)
	}

	return protocol.Encode(ClientConfig{
		Type:       "openvpn",
		Server:     server,
		Port:       cfg.Port,
		Protocol:   cfg.Protocol,
		OVPNConfig: sb.String(),
	})
}
