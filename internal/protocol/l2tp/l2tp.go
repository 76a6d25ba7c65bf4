// Package l2tp drives xl2tpd behind an IPsec transport-mode conn with a
// pre-shared key. The IPsec daemon is shared with the IKEv2 adapter, so
// this package reloads it but never stops it.
package l2tp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	xl2tpdUnit = "xl2tpd"
	pskPrefix  = "%any %any : PSK "
)

var ipsecUnits = []string{"strongswan-starter", "ipsec"}

// Options configures filesystem locations.
type Options struct {
	XL2TPDConf  string // /etc/xl2tpd/xl2tpd.conf
	PPPOptions  string // /etc/ppp/options.xl2tpd
	ChapSecrets string // /etc/ppp/chap-secrets
	IPSecDir    string // /etc/ipsec.d
	IPSecConf   string // /etc/ipsec.conf
	SecretsFile string // /etc/ipsec.secrets
	SysClassNet string // /sys/class/net
}

func (o *Options) setDefaults() {
	set := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	set(&o.XL2TPDConf, "/etc/xl2tpd/xl2tpd.conf")
	set(&o.PPPOptions, "/etc/ppp/options.xl2tpd")
	set(&o.ChapSecrets, "/etc/ppp/chap-secrets")
	set(&o.IPSecDir, "/etc/ipsec.d")
	set(&o.IPSecConf, "/etc/ipsec.conf")
	set(&o.SecretsFile, "/etc/ipsec.secrets")
	set(&o.SysClassNet, "/sys/class/net")
}

// Config is the stored L2TP document.
type Config struct {
	Port        int    `json:"port"`
	PSK         string `json:"psk"`
	LocalIP     string `json:"local_ip"`
	RemoteRange string `json:"remote_range"`
	DNS         string `json:"dns"`
	MTU         int    `json:"mtu"`
	MRU         int    `json:"mru"`
}

// DefaultConfig is the document seeded on first start. Each call draws a
// fresh random PSK.
func DefaultConfig() Config {
	return Config{
		Port:        1701,
		PSK:         rand.Text(),
		LocalIP:     "10.20.0.1",
		RemoteRange: "10.20.0.10-10.20.0.250",
		DNS:         "1.1.1.1",
		MTU:         1400,
		MRU:         1400,
	}
}

// Credential is the PPP login.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ClientConfig is the connection info handed to a client app.
type ClientConfig struct {
	Type     string `json:"type"`
	Server   string `json:"server"`
	Port     int    `json:"port"`
	PSK      string `json:"psk"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Backend drives xl2tpd.
type Backend struct {
	rt   *protocol.Runtime
	opts Options
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the L2TP adapter.
func New(deps protocol.Deps, opts Options) (*Backend, error) {
	rt, err := protocol.NewRuntime(protocol.L2TP, deps)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Backend{rt: rt, opts: opts}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return protocol.L2TP }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any { return DefaultConfig() }

// load reads the stored document. A missing PSK is not replaced by a
// random one, since clients would then hold a key the server never had.
func (b *Backend) load(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.PSK = ""
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Install implements protocol.Backend.
func (b *Backend) Install(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelInfo, "Configuring L2TP/IPSec...")
	if !b.rt.Installed("xl2tpd") {
		if err := b.rt.AptInstall(ctx, "xl2tpd", "strongswan"); err != nil {
			b.rt.Log(ctx, status.LevelError, "Installation error: %v", err)
			return err
		}
	}
	if err := b.rt.EnsureIPForward(ctx); err != nil {
		b.rt.Log(ctx, status.LevelError, "Installation error: %v", err)
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "L2TP/IPSec configured successfully")
	return nil
}

type addressPlan struct {
	local      netip.Addr
	start, end netip.Addr
	subnet     netip.Prefix
}

// plan validates the address settings. The pool must sit in the /24 of
// local_ip, which is also the NAT subnet.
func plan(cfg Config) (addressPlan, error) {
	local, err := netip.ParseAddr(cfg.LocalIP)
	if err != nil || !local.Is4() {
		return addressPlan{}, fmt.Errorf("invalid local_ip %q", cfg.LocalIP)
	}
	from, to, ok := strings.Cut(cfg.RemoteRange, "-")
	if !ok {
		return addressPlan{}, fmt.Errorf("invalid remote_range %q", cfg.RemoteRange)
	}
	start, err1 := netip.ParseAddr(strings.TrimSpace(from))
	end, err2 := netip.ParseAddr(strings.TrimSpace(to))
	if err1 != nil || err2 != nil || end.Less(start) {
		return addressPlan{}, fmt.Errorf("invalid remote_range %q", cfg.RemoteRange)
	}
	subnet := netip.PrefixFrom(local, 24).Masked()
	if !subnet.Contains(start) || !subnet.Contains(end) {
		return addressPlan{}, fmt.Errorf("remote_range %q is outside %s", cfg.RemoteRange, subnet)
	}
	return addressPlan{local: local, start: start, end: end, subnet: subnet}, nil
}

func renderXL2TPD(cfg Config, p addressPlan, pppOptions string) string {
	return fmt.Sprintf(`[global]
port = %d

[lns default]
ip range = %s-%s
local ip = %s
require chap = yes
refuse pap = yes
require authentication = yes
name = CandyConnectVPN
ppp debug = no
pppoptfile = %s
length bit = yes
`, cfg.Port, p.start, p.end, p.local, pppOptions)
}

func renderPPP(cfg Config) string {
	return fmt.Sprintf(`ipcp-accept-local
ipcp-accept-remote
ms-dns %s
noccp
auth
mtu %d
mru %d
nodefaultroute
proxyarp
connect-delay 5000
`, cfg.DNS, cfg.MTU, cfg.MRU)
}

func renderIPSec(port int) string {
	return fmt.Sprintf(`conn L2TP-PSK
    authby=secret
    pfs=no
    auto=add
    keyexchange=ikev1
    type=transport
    left=%%defaultroute
    leftprotoport=17/%d
    right=%%any
    rightprotoport=17/%%any
    rekey=no
    forceencaps=yes
`, port)
}

func (b *Backend) writeConfig(ctx context.Context, cfg Config, p addressPlan) error {
	files := []struct {
		path string
		data string
		mode os.FileMode
	}{
		{b.opts.XL2TPDConf, renderXL2TPD(cfg, p, b.opts.PPPOptions), 0o644},
		{b.opts.PPPOptions, renderPPP(cfg), 0o644},
		{filepath.Join(b.opts.IPSecDir, "l2tp.conf"), renderIPSec(cfg.Port), 0o644},
	}
	for _, f := range files {
		if err := b.rt.WriteFile(ctx, f.path, []byte(f.data), f.mode); err != nil {
			return err
		}
	}
	include := "include " + filepath.Join(b.opts.IPSecDir, "*.conf")
	if err := b.rt.EnsureLine(ctx, b.opts.IPSecConf, include, 0o644); err != nil {
		return err
	}
	isPSK := func(l string) bool { return strings.HasPrefix(l, pskPrefix) }
	_, err := b.rt.ReplaceLines(ctx, b.opts.SecretsFile, isPSK, pskPrefix+strconv.Quote(cfg.PSK), 0o600)
	return err
}

// refreshIPSec reloads a running IPsec daemon, or starts one.
func (b *Backend) refreshIPSec(ctx context.Context) {
	for _, u := range ipsecUnits {
		if b.rt.ServiceActive(ctx, u) {
			for _, c := range []command.Command{command.New("ipsec", "reload"), command.New("ipsec", "rereadsecrets")} {
				if err := b.rt.RunOK(ctx, c); err != nil {
					b.rt.Log(ctx, status.LevelWarning, "IPsec reload failed: %v", err)
				}
			}
			return
		}
	}
	if err := b.rt.Systemctl(ctx, "start", ipsecUnits[0]); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "IPsec did not start: %v", err)
	}
}

// Start writes the xl2tpd, PPP and IPsec config, then starts xl2tpd.
func (b *Backend) Start(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	p, err := plan(cfg)
	if err == nil && cfg.PSK == "" {
		err = fmt.Errorf("no psk configured")
	}
	if err != nil {
		b.rt.Log(ctx, status.LevelError, "Failed to start: %v", err)
		return fmt.Errorf("l2tp: %w: %w", protocol.ErrNotConfigured, err)
	}
	if err := b.writeConfig(ctx, cfg, p); err != nil {
		return err
	}
	if err := b.rt.EnsureRule(ctx, "nat", "POSTROUTING", false,
		"-s", p.subnet.String(), "-o", b.rt.DefaultInterface(ctx), "-j", "MASQUERADE"); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "NAT rule failed: %v", err)
	}
	b.refreshIPSec(ctx)

	version := b.Version(ctx)
	_ = b.rt.Systemctl(ctx, "enable", xl2tpdUnit) //nolint:errcheck // Boot persistence is best effort
	if err := b.rt.Systemctl(ctx, "start", xl2tpdUnit); err == nil {
		h := status.Handle{PID: b.rt.ServiceMainPID(ctx, xl2tpdUnit), Unit: xl2tpdUnit}
		if err := b.rt.MarkRunning(ctx, h, b.rt.Now(), version); err != nil {
			return err
		}
		b.rt.Log(ctx, status.LevelInfo, "L2TP started")
		return nil
	}

	bin, ok := b.rt.LookPath("xl2tpd")
	if !ok {
		b.rt.Log(ctx, status.LevelError, "xl2tpd binary not found")
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("l2tp: %w", protocol.ErrNotInstalled)
	}
	if _, err := b.rt.StartDaemon(ctx, process.Spec{
		Name:   "xl2tpd",
		Binary: bin,
		Args:   []string{"-D", "-c", b.opts.XL2TPDConf},
	}, version); err != nil {
		return fmt.Errorf("l2tp: %w", err)
	}
	return nil
}

// Stop stops xl2tpd only.
func (b *Backend) Stop(ctx context.Context) error {
	_ = b.rt.Systemctl(ctx, "stop", xl2tpdUnit) //nolint:errcheck // Unit may not exist
	return b.rt.StopDaemon(ctx)
}

// Restart implements protocol.Backend.
func (b *Backend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, b, b.rt.RestartPause())
}

// IsRunning implements protocol.Backend.
func (b *Backend) IsRunning(ctx context.Context) bool {
	return b.rt.Reconcile(ctx, b.rt.ServiceActive(ctx, xl2tpdUnit) || b.rt.PIDAlive(ctx))
}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)*`)

// Version reads "xl2tpd version:  xl2tpd-1.3.18", falling back to dpkg.
func (b *Backend) Version(ctx context.Context) string {
	for _, c := range []command.Command{
		command.New("xl2tpd", "-v"),
		command.New("dpkg-query", "-W", "-f=${Version}", "xl2tpd"),
	} {
		if v := versionPattern.FindString(b.rt.Run(ctx, c.AsProbe()).Output()); v != "" {
			return v
		}
	}
	return ""
}

// pppLinks returns the ppp* interfaces under SysClassNet.
func (b *Backend) pppLinks() ([]string, error) {
	return filepath.Glob(filepath.Join(b.opts.SysClassNet, "ppp*"))
}

// ActiveConnections counts ppp interfaces.
func (b *Backend) ActiveConnections(context.Context) (int, error) {
	links, err := b.pppLinks()
	return len(links), err
}

func readCounter(path string) uint64 {
	data, err := os.ReadFile(path) //nolint:gosec // Under SysClassNet
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64) //nolint:errcheck // Unreadable counters read as zero
	return n
}

// Traffic sums the ppp interface counters; rx counts as inbound.
func (b *Backend) Traffic(context.Context) (status.TrafficSample, error) {
	links, err := b.pppLinks()
	if err != nil {
		return status.TrafficSample{}, err
	}
	var t status.TrafficSample
	for _, l := range links {
		t.BytesIn += readCounter(filepath.Join(l, "statistics", "rx_bytes"))
		t.BytesOut += readCounter(filepath.Join(l, "statistics", "tx_bytes"))
	}
	return t, nil
}

// ListenPort implements protocol.Backend.
func (b *Backend) ListenPort(ctx context.Context) int {
	cfg, err := b.load(ctx)
	if err != nil || cfg.Port == 0 {
		return protocol.L2TP.DefaultPort()
	}
	return cfg.Port
}

// chapLine renders a chap-secrets entry: client, server, secret, addresses.
func chapLine(username, password string) string {
	return fmt.Sprintf("%s * %s *", strconv.Quote(username), strconv.Quote(password))
}

func isChapLine(username string) func(string) bool {
	return func(l string) bool {
		fields := strings.Fields(l)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			return false
		}
		return strings.Trim(fields[0], `"`) == username
	}
}

// AddClient writes the chap-secrets entry. Without a password the existing
// one is kept, or a random one is generated.
func (b *Backend) AddClient(ctx context.Context, username string, data protocol.ClientData) (protocol.Credential, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	var prev Credential
	if err := protocol.Decode(data.Existing, &prev); err != nil {
		return nil, err
	}
	password := data.Password
	if password == "" {
		password = prev.Password
	}
	if password == "" {
		password = rand.Text()
	}
	if strings.ContainsAny(password, "\"\\ \t\r\n") {
		return nil, fmt.Errorf("l2tp: password must not contain quotes, backslashes or whitespace")
	}
	if _, err := b.rt.ReplaceLines(ctx, b.opts.ChapSecrets, isChapLine(username), chapLine(username, password), 0o600); err != nil {
		return nil, err
	}
	return protocol.Encode(Credential{Username: username, Password: password})
}

// RemoveClient deletes the chap-secrets entry.
func (b *Backend) RemoveClient(ctx context.Context, username string, _ protocol.Credential) error {
	if err := protocol.ValidateUsername(username); err != nil {
		return err
	}
	_, err := b.rt.ReplaceLines(ctx, b.opts.ChapSecrets, isChapLine(username), "", 0o600)
	return err
}

// ClientConfig returns the PSK and PPP login.
func (b *Backend) ClientConfig(ctx context.Context, username, server string, cred protocol.Credential) (protocol.ClientConfig, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	var c Credential
	if err := protocol.Decode(cred, &c); err != nil {
		return nil, err
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(ClientConfig{
		Type:     "l2tp",
		Server:   server,
		Port:     cfg.Port,
		PSK:      cfg.PSK,
		Username: username,
		Password: c.Password,
	})
}
