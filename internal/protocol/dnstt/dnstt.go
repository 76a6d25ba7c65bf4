// Package dnstt runs dnstt-server, a DNS tunnel that forwards each
// session to a local SSH daemon or a local SOCKS proxy (danted). Client
// access in SSH mode is a restricted system account per user.
package dnstt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/candyconnect/candyconnect-core/internal/command"
	supervisor "github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	serviceUser = "dnstt"
	userPrefix  = "dnstt_"
	socksPort   = 1080

	modeSSH   = "ssh"
	modeSOCKS = "socks"

	// userdel exits 6 when the account does not exist.
	userdelNoSuchUser = 6
)

// Options configures filesystem locations.
type Options struct {
	// Binary is the preferred dnstt-server path. Default /usr/local/bin/dnstt-server.
	Binary string

	// Dir holds the server keypair. Default /opt/candyconnect/cores/dnstt.
	Dir string

	// DanteConf is written in SOCKS mode. Default /etc/danted.conf.
	DanteConf string
}

func (o *Options) setDefaults() {
	if o.Binary == "" {
		o.Binary = "/usr/local/bin/dnstt-server"
	}
	if o.Dir == "" {
		o.Dir = "/opt/candyconnect/cores/dnstt"
	}
	if o.DanteConf == "" {
		o.DanteConf = "/etc/danted.conf"
	}
}

// Config is the stored DNSTT document.
type Config struct {
	Domain     string `json:"domain"`
	ListenPort int    `json:"listen_port"`
	TunnelMode string `json:"tunnel_mode"`
	MTU        int    `json:"mtu"`
	SSHPort    int    `json:"ssh_port"`
	PublicKey  string `json:"public_key"`
}

// DefaultConfig is the document seeded on first start.
func DefaultConfig() Config {
	return Config{
		Domain:     "dns.candyconnect.io",
		ListenPort: 5300,
		TunnelMode: modeSSH,
		MTU:        1232,
		SSHPort:    22,
	}
}

func (c Config) validate() error {
	switch {
	case c.Domain == "" || strings.ContainsAny(c.Domain, " /\t\n"):
		return fmt.Errorf("invalid domain %q", c.Domain)
	case c.ListenPort < 1 || c.ListenPort > 65535:
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	case c.TunnelMode != modeSSH && c.TunnelMode != modeSOCKS:
		return fmt.Errorf("invalid tunnel_mode %q", c.TunnelMode)
	}
	return nil
}

// keyPrefix turns "t.example.com" into "t_example_com".
func (c Config) keyPrefix() string {
	return strings.ReplaceAll(c.Domain, ".", "_")
}

// Credential is the SSH account backing a client.
type Credential struct {
	SSHUsername string `json:"ssh_username"`
	SSHPassword string `json:"ssh_password"`
}

// ClientConfig is the connection info handed to a client app.
type ClientConfig struct {
	Type        string `json:"type"`
	Server      string `json:"server"`
	Domain      string `json:"domain"`
	Port        int    `json:"port"`
	TunnelMode  string `json:"tunnel_mode"`
	MTU         int    `json:"mtu"`
	PublicKey   string `json:"public_key"`
	SSHUsername string `json:"ssh_username"`
	SSHPassword string `json:"ssh_password,omitempty"`
}

// Backend supervises dnstt-server.
type Backend struct {
	rt   *protocol.Runtime
	opts Options

	// sessions counts sshd processes serving dnstt_ accounts.
	sessions func(ctx context.Context) (int, error)

	// modTime returns the binary's modification time.
	modTime func(path string) (time.Time, error)
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the DNSTT adapter.
func New(deps protocol.Deps, opts Options) (*Backend, error) {
	rt, err := protocol.NewRuntime(protocol.DNSTT, deps)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Backend{rt: rt, opts: opts, sessions: sshSessions, modTime: fileModTime}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return protocol.DNSTT }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any { return DefaultConfig() }

func (b *Backend) load(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (b *Backend) binary() (string, bool) {
	if p, ok := b.rt.LookPath(b.opts.Binary); ok {
		return p, true
	}
	return b.rt.LookPath("dnstt-server")
}

func (b *Backend) privKey(cfg Config) string {
	return filepath.Join(b.opts.Dir, cfg.keyPrefix()+"_server.key")
}

func (b *Backend) pubKey(cfg Config) string {
	return filepath.Join(b.opts.Dir, cfg.keyPrefix()+"_server.pub")
}

// Install prepares the key directory, the service account and the server
// keypair, then records the public key in the config. Existing keys are kept.
func (b *Backend) Install(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelInfo, "Configuring DNSTT...")
	if err := b.install(ctx); err != nil {
		b.rt.Log(ctx, status.LevelError, "Configuration error: %v", err)
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "DNSTT configured successfully")
	return nil
}

func (b *Backend) install(ctx context.Context) error {
	bin, ok := b.binary()
	if !ok {
		return fmt.Errorf("dnstt: %w: dnstt-server binary not found", protocol.ErrNotInstalled)
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("dnstt: %w: %w", protocol.ErrNotConfigured, err)
	}
	if err := b.rt.MkdirAll(ctx, b.opts.Dir); err != nil {
		return err
	}

	if !b.rt.Run(ctx, command.New("id", "-u", serviceUser).AsProbe()).OK() {
		if err := b.rt.RunOK(ctx, command.New("useradd", "-r", "-s", "/bin/false",
			"-d", "/nonexistent", "-c", "dnstt service user", serviceUser)); err != nil {
			return err
		}
	}

	priv, pub := b.privKey(cfg), b.pubKey(cfg)
	if !b.rt.FileExists(ctx, priv) {
		if err := b.rt.RunOK(ctx, command.New(bin, "-gen-key", "-privkey-file", priv, "-pubkey-file", pub)); err != nil {
			return fmt.Errorf("generating keypair: %w", err)
		}
	}
	for _, c := range []command.Command{
		command.New("chown", "-R", serviceUser+":"+serviceUser, b.opts.Dir),
		command.New("chmod", "750", b.opts.Dir),
		command.New("chmod", "600", priv),
		command.New("chmod", "644", pub),
	} {
		if err := b.rt.RunOK(ctx, c); err != nil {
			b.rt.Log(ctx, status.LevelWarning, "Adjusting key permissions failed: %v", err)
		}
	}

	key, err := b.rt.ReadFile(ctx, pub)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	if k := strings.TrimSpace(string(key)); k != cfg.PublicKey {
		cfg.PublicKey = k
		return b.rt.SaveConfig(ctx, cfg)
	}
	return nil
}

func renderDante(iface string) string {
	return fmt.Sprintf(`logoutput: syslog
user.privileged: root
user.unprivileged: nobody

internal: 127.0.0.1 port = %d
external: %s
socksmethod: none
compatibility: sameport
extension: bind

client pass {
    from: 127.0.0.1/8 to: 0.0.0.0/0
    log: error
}

socks pass {
    from: 127.0.0.1/8 to: 0.0.0.0/0
    command: bind connect udpassociate
    log: error
}
`, socksPort, iface)
}

// ensureTarget starts the local service sessions are forwarded to and
// returns its port.
func (b *Backend) ensureTarget(ctx context.Context, cfg Config, iface string) (int, error) {
	if cfg.TunnelMode == modeSOCKS {
		if err := b.rt.WriteFile(ctx, b.opts.DanteConf, []byte(renderDante(iface)), 0o644); err != nil {
			return 0, err
		}
		_ = b.rt.Systemctl(ctx, "enable", "danted") //nolint:errcheck // Boot persistence is best effort
		if err := b.rt.Systemctl(ctx, "restart", "danted"); err != nil {
			return 0, fmt.Errorf("starting danted: %w", err)
		}
		return socksPort, nil
	}

	if err := b.rt.Systemctl(ctx, "start", "ssh"); err != nil {
		// Containers without systemd run sshd directly; it daemonises itself.
		sshd, ok := b.rt.LookPath("sshd")
		if !ok {
			return 0, fmt.Errorf("starting ssh: %w", err)
		}
		if err := b.rt.RunOK(ctx, command.New(sshd)); err != nil {
			return 0, fmt.Errorf("starting sshd: %w", err)
		}
	}
	port := cfg.SSHPort
	if port == 0 {
		port = 22
	}
	return port, nil
}

// ensureRedirect accepts the listen port and redirects UDP 53 to it.
func (b *Backend) ensureRedirect(ctx context.Context, port int, iface string) error {
	p := strconv.Itoa(port)
	if err := b.rt.EnsureRule(ctx, "filter", "INPUT", true, "-p", "udp", "--dport", p, "-j", "ACCEPT"); err != nil {
		return err
	}
	return b.rt.EnsureRule(ctx, "nat", "PREROUTING", true,
		"-i", iface, "-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", p)
}

// Start sets up the tunnel target and port redirect, then supervises
// dnstt-server.
func (b *Backend) Start(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		b.rt.Log(ctx, status.LevelError, "Failed to start: %v", err)
		return fmt.Errorf("dnstt: %w: %w", protocol.ErrNotConfigured, err)
	}
	bin, ok := b.binary()
	if !ok {
		b.rt.Log(ctx, status.LevelError, "dnstt-server binary missing")
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("dnstt: %w", protocol.ErrNotInstalled)
	}
	priv := b.privKey(cfg)
	if !b.rt.FileExists(ctx, priv) {
		b.rt.Log(ctx, status.LevelError, "Server key %s missing. Run install first.", priv)
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("dnstt: %w: no server key", protocol.ErrNotConfigured)
	}

	iface := b.rt.DefaultInterface(ctx)
	target, err := b.ensureTarget(ctx, cfg, iface)
	if err != nil {
		b.rt.Log(ctx, status.LevelError, "Failed to start: %v", err)
		if markErr := b.rt.MarkStopped(ctx); markErr != nil {
			return errors.Join(err, markErr)
		}
		return fmt.Errorf("dnstt: %w", err)
	}
	if err := b.ensureRedirect(ctx, cfg.ListenPort, iface); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "Port 53 redirect failed: %v", err)
	}

	if _, err := b.rt.StartDaemon(ctx, supervisor.Spec{
		Name:   "dnstt-server",
		Binary: bin,
		Args: []string{
			"-udp", ":" + strconv.Itoa(cfg.ListenPort),
			"-privkey-file", priv,
			"-mtu", strconv.Itoa(cfg.MTU),
			cfg.Domain,
			"127.0.0.1:" + strconv.Itoa(target),
		},
		Dir: b.opts.Dir,
	}, b.Version(ctx)); err != nil {
		return fmt.Errorf("dnstt: %w", err)
	}
	return nil
}

// Stop implements protocol.Backend. The SSH daemon and danted are left running.
func (b *Backend) Stop(ctx context.Context) error {
	return b.rt.StopDaemon(ctx)
}

// Restart implements protocol.Backend.
func (b *Backend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, b, b.rt.RestartPause())
}

// IsRunning checks the persisted pid.
func (b *Backend) IsRunning(ctx context.Context) bool {
	return b.rt.Reconcile(ctx, b.rt.PIDAlive(ctx))
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Version is "0.YYYYMMDD" from the binary's build date; dnstt has no
// version flag.
func (b *Backend) Version(context.Context) string {
	bin, ok := b.binary()
	if !ok {
		return ""
	}
	mt, err := b.modTime(bin)
	if err != nil {
		return ""
	}
	return mt.Format("0.20060102")
}

func sshSessions(ctx context.Context) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing processes: %w", err)
	}
	n := 0
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if isTunnelSession(cmdline) {
			n++
		}
	}
	return n, nil
}

// isTunnelSession matches the title sshd gives a session process, such
// as "sshd: dnstt_alice" or "sshd: dnstt_alice@notty".
func isTunnelSession(cmdline string) bool {
	rest, ok := strings.CutPrefix(cmdline, "sshd: ")
	return ok && strings.HasPrefix(rest, userPrefix) && !strings.Contains(rest, "[priv]")
}

// ActiveConnections counts SSH sessions of tunnel accounts.
func (b *Backend) ActiveConnections(ctx context.Context) (int, error) {
	return b.sessions(ctx)
}

// Traffic is not tracked: sessions are multiplexed inside DNS queries.
func (b *Backend) Traffic(context.Context) (status.TrafficSample, error) {
	return status.TrafficSample{}, nil
}

// ListenPort implements protocol.Backend.
func (b *Backend) ListenPort(ctx context.Context) int {
	cfg, err := b.load(ctx)
	if err != nil || cfg.ListenPort == 0 {
		return protocol.DNSTT.DefaultPort()
	}
	return cfg.ListenPort
}

func sshUser(username string, cred Credential) string {
	if cred.SSHUsername != "" {
		return cred.SSHUsername
	}
	return userPrefix + username
}

// AddClient creates the restricted account and sets its password over
// chpasswd's stdin.
func (b *Backend) AddClient(ctx context.Context, username string, data protocol.ClientData) (protocol.Credential, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	var prev Credential
	if err := protocol.Decode(data.Existing, &prev); err != nil {
		return nil, err
	}
	user := sshUser(username, prev)
	if !strings.HasPrefix(user, userPrefix) {
		return nil, fmt.Errorf("dnstt: refusing to manage account %q", user)
	}
	password := data.Password
	if password == "" {
		password = prev.SSHPassword
	}
	if password == "" {
		password = rand.Text()
	}
	if strings.ContainsAny(password, ":\r\n") {
		return nil, fmt.Errorf("dnstt: password must not contain colons or newlines")
	}

	if !b.rt.Run(ctx, command.New("id", "-u", user).AsProbe()).OK() {
		if err := b.rt.RunOK(ctx, command.New("useradd", "-m", "-s", "/bin/false", user)); err != nil {
			return nil, fmt.Errorf("creating account %s: %w", user, err)
		}
	}
	if err := b.rt.RunOK(ctx, command.New("chpasswd").WithStdin([]byte(user+":"+password+"\n"))); err != nil {
		return nil, fmt.Errorf("setting password for %s: %w", user, err)
	}
	return protocol.Encode(Credential{SSHUsername: user, SSHPassword: password})
}

// RemoveClient deletes the account and its home. A missing account is success.
func (b *Backend) RemoveClient(ctx context.Context, username string, raw protocol.Credential) error {
	var cred Credential
	if err := protocol.Decode(raw, &cred); err != nil {
		return err
	}
	user := sshUser(username, cred)
	if !strings.HasPrefix(user, userPrefix) {
		return fmt.Errorf("dnstt: refusing to remove account %q", user)
	}
	if err := protocol.ValidateUsername(strings.TrimPrefix(user, userPrefix)); err != nil {
		return err
	}
	res := b.rt.Run(ctx, command.New("userdel", "-r", user))
	if res.OK() || res.ExitCode == userdelNoSuchUser || strings.Contains(res.Stderr, "does not exist") {
		return nil
	}
	return fmt.Errorf("removing account %s: %w", user, res.Err())
}

// ClientConfig returns the tunnel parameters and SSH login.
func (b *Backend) ClientConfig(ctx context.Context, username, server string, raw protocol.Credential) (protocol.ClientConfig, error) {
	var cred Credential
	if err := protocol.Decode(raw, &cred); err != nil {
		return nil, err
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(ClientConfig{
		Type:        "dnstt",
		Server:      server,
		Domain:      cfg.Domain,
		Port:        cfg.ListenPort,
		TunnelMode:  cfg.TunnelMode,
		MTU:         cfg.MTU,
		PublicKey:   cfg.PublicKey,
		SSHUsername: sshUser(username, cred),
		SSHPassword: cred.SSHPassword,
	})
}
