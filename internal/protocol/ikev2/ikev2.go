// Package ikev2 drives a strongSwan IKEv2 gateway with EAP password auth
// and a self-signed CA managed through "ipsec pki".
package ikev2

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	starterUnit = "strongswan-starter"
	ipsecUnit   = "ipsec"
	connName    = "ikev2-vpn"
	caDN        = "CN=CandyConnect VPN CA"
	serverKey   = "server-key.pem"
)

var packages = []string{"strongswan", "strongswan-pki", "libcharon-extra-plugins", "libstrongswan-extra-plugins"}

// Options configures filesystem locations and the gateway identity.
type Options struct {
	IPSecDir    string // /etc/ipsec.d
	ConfFile    string // /etc/ipsec.conf
	SecretsFile string // /etc/ipsec.secrets

	// ServerAddress is the public address put in the server certificate
	// and leftid. Empty selects the first address from "hostname -I".
	ServerAddress string
}

func (o *Options) setDefaults() {
	if o.IPSecDir == "" {
		o.IPSecDir = "/etc/ipsec.d"
	}
	if o.ConfFile == "" {
		o.ConfFile = "/etc/ipsec.conf"
	}
	if o.SecretsFile == "" {
		o.SecretsFile = "/etc/ipsec.secrets"
	}
}

// Config is the stored IKEv2 document.
type Config struct {
	Port         int    `json:"port"`
	NATPort      int    `json:"nat_port"`
	Cipher       string `json:"cipher"`
	Lifetime     string `json:"lifetime"`
	MarginTime   string `json:"margintime"`
	DNS          string `json:"dns"`
	Subnet       string `json:"subnet"`
	CertValidity int    `json:"cert_validity"`
}

// DefaultConfig is the document seeded on first start.
func DefaultConfig() Config {
	return Config{
		Port:         500,
		NATPort:      4500,
		Cipher:       "aes256-sha256-modp2048",
		Lifetime:     "24h",
		MarginTime:   "3h",
		DNS:          "1.1.1.1",
		Subnet:       "10.10.0.0/24",
		CertValidity: 3650,
	}
}

// Credential is the issued client material. Password is the EAP secret.
type Credential struct {
	CertGenerated bool   `json:"cert_generated"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

// ClientConfig is the connection info handed to a client app.
type ClientConfig struct {
	Type     string `json:"type"`
	Server   string `json:"server"`
	Port     int    `json:"port"`
	RemoteID string `json:"remote_id"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	CACert   string `json:"ca_cert"`
}

// Backend drives strongSwan.
type Backend struct {
	rt   *protocol.Runtime
	opts Options
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the IKEv2 adapter.
func New(deps protocol.Deps, opts Options) (*Backend, error) {
	rt, err := protocol.NewRuntime(protocol.IKEv2, deps)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Backend{rt: rt, opts: opts}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return protocol.IKEv2 }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any { return DefaultConfig() }

func (b *Backend) load(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (b *Backend) path(parts ...string) string {
	return filepath.Join(append([]string{b.opts.IPSecDir}, parts...)...)
}

func (b *Backend) caCert() string { return b.path("cacerts", "ca-cert.pem") }
func (b *Backend) caKey() string  { return b.path("private", "ca-key.pem") }

func (b *Backend) clientKey(u string) string  { return b.path("private", u+"-key.pem") }
func (b *Backend) clientCert(u string) string { return b.path("certs", u+"-cert.pem") }
func (b *Backend) clientP12(u string) string  { return b.path(u + ".p12") }

// serverAddress returns the configured identity or the first host address.
func (b *Backend) serverAddress(ctx context.Context) string {
	if b.opts.ServerAddress != "" {
		return b.opts.ServerAddress
	}
	res := b.rt.Run(ctx, command.New("hostname", "-I").AsProbe())
	if fields := strings.Fields(res.Stdout); res.OK() && len(fields) > 0 {
		return fields[0]
	}
	return "127.0.0.1"
}

// pki runs "ipsec pki" and writes its PEM output to path.
func (b *Backend) pki(ctx context.Context, path string, mode os.FileMode, stdin []byte, args ...string) error {
	c := command.New("ipsec", append([]string{"pki"}, args...)...)
	if stdin != nil {
		c = c.WithStdin(stdin)
	}
	out, err := b.rt.Output(ctx, c)
	if err != nil {
		return fmt.Errorf("generating %s: %w", filepath.Base(path), err)
	}
	return b.rt.WriteFile(ctx, path, []byte(out+"\n"), mode)
}

// genKey writes a fresh RSA key unless path exists.
func (b *Backend) genKey(ctx context.Context, path string, bits int) error {
	if b.rt.FileExists(ctx, path) {
		return nil
	}
	return b.pki(ctx, path, 0o600, nil, "--gen", "--type", "rsa", "--size", strconv.Itoa(bits), "--outform", "pem")
}

// issue signs the public half of key with the CA unless cert exists.
func (b *Backend) issue(ctx context.Context, key, cert string, validity int, dn string, extra ...string) error {
	if b.rt.FileExists(ctx, cert) {
		return nil
	}
	pub, err := b.rt.Output(ctx, command.New("ipsec", "pki", "--pub", "--in", key, "--type", "rsa", "--outform", "pem"))
	if err != nil {
		return fmt.Errorf("extracting public key of %s: %w", filepath.Base(key), err)
	}
	args := []string{
		"--issue", "--lifetime", strconv.Itoa(validity),
		"--cacert", b.caCert(), "--cakey", b.caKey(),
		"--dn", dn,
	}
	args = append(args, extra...)
	args = append(args, "--outform", "pem")
	return b.pki(ctx, cert, 0o644, []byte(pub+"\n"), args...)
}

// Install installs strongSwan and builds the CA and server certificate.
func (b *Backend) Install(ctx context.Context) error {
	b.rt.Log(ctx, status.LevelInfo, "Configuring IKEv2...")
	if err := b.install(ctx); err != nil {
		b.rt.Log(ctx, status.LevelError, "Installation error: %v", err)
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "IKEv2 installed successfully")
	return nil
}

func (b *Backend) install(ctx context.Context) error {
	if !b.rt.Installed("ipsec") {
		if err := b.rt.AptInstall(ctx, packages...); err != nil {
			return err
		}
	}
	for _, d := range []string{"cacerts", "certs", "private"} {
		if err := b.rt.MkdirAll(ctx, b.path(d)); err != nil {
			return err
		}
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}

	if err := b.genKey(ctx, b.caKey(), 4096); err != nil {
		return err
	}
	if !b.rt.FileExists(ctx, b.caCert()) {
		if err := b.pki(ctx, b.caCert(), 0o644, nil,
			"--self", "--ca", "--lifetime", strconv.Itoa(cfg.CertValidity),
			"--in", b.caKey(), "--type", "rsa", "--dn", caDN, "--outform", "pem"); err != nil {
			return err
		}
	}

	addr := b.serverAddress(ctx)
	if err := b.genKey(ctx, b.path("private", serverKey), 4096); err != nil {
		return err
	}
	if err := b.issue(ctx, b.path("private", serverKey), b.path("certs", "server-cert.pem"), cfg.CertValidity,
		"CN="+addr, "--san", addr, "--flag", "serverAuth", "--flag", "ikeIntermediate"); err != nil {
		return err
	}

	return b.rt.EnsureIPForward(ctx)
}

// includeLine pulls in drop-ins such as the L2TP transport conn.
func includeLine(dir string) string {
	return "include " + filepath.Join(dir, "*.conf")
}

func (b *Backend) renderConf(cfg Config, addr string) string {
	var sb strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&sb, format+"\n", args...) }

	w("config setup")
	w("    charondebug=\"ike 1, knl 1, cfg 0\"")
	w("    uniqueids=no")
	w("")
	w("conn %s", connName)
	w("    auto=add")
	w("    compress=no")
	w("    type=tunnel")
	w("    keyexchange=ikev2")
	w("    fragmentation=yes")
	w("    forceencaps=yes")
	w("    dpdaction=clear")
	w("    dpddelay=300s")
	w("    rekey=no")
	w("    ikelifetime=%s", cfg.Lifetime)
	w("    margintime=%s", cfg.MarginTime)
	w("    left=%%any")
	w("    leftid=%s", addr)
	w("    leftcert=server-cert.pem")
	w("    leftsendcert=always")
	w("    leftsubnet=0.0.0.0/0")
	w("    right=%%any")
	w("    rightid=%%any")
	w("    rightauth=eap-mschapv2")
	w("    rightsourceip=%s", cfg.Subnet)
	w("    rightdns=%s", cfg.DNS)
	w("    rightsendcert=never")
	w("    eap_identity=%%identity")
	w("    ike=%s!", cfg.Cipher)
	w("    esp=aes256-sha256!")
	w("")
	w("%s", includeLine(b.opts.IPSecDir))
	return sb.String()
}

// Start writes ipsec.conf, the server key line and NAT, then starts
// whichever strongSwan unit the host has.
func (b *Backend) Start(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	addr := b.serverAddress(ctx)
	if err := b.rt.WriteFile(ctx, b.opts.ConfFile, []byte(b.renderConf(cfg, addr)), 0o644); err != nil {
		return err
	}
	if err := b.rt.EnsureLine(ctx, b.opts.SecretsFile, ": RSA "+serverKey, 0o600); err != nil {
		return err
	}
	iface := b.rt.DefaultInterface(ctx)
	if err := b.rt.EnsureRule(ctx, "nat", "POSTROUTING", false, "-s", cfg.Subnet, "-o", iface, "-j", "MASQUERADE"); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "NAT rule failed: %v", err)
	}
	if err := b.rt.EnsureRule(ctx, "filter", "FORWARD", false, "-s", cfg.Subnet, "-j", "ACCEPT"); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "Forward rule failed: %v", err)
	}

	_ = b.rt.Systemctl(ctx, "enable", starterUnit) //nolint:errcheck // Boot persistence is best effort
	if err := b.rt.Systemctl(ctx, "restart", starterUnit); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "%s failed, trying %s", starterUnit, ipsecUnit)
		_ = b.rt.Systemctl(ctx, "restart", ipsecUnit) //nolint:errcheck // Settled by the is-active check
	}

	unit := b.activeUnit(ctx)
	if unit == "" {
		b.rt.Log(ctx, status.LevelError, "strongSwan failed to start")
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("ikev2: strongswan did not become active")
	}
	h := status.Handle{PID: b.rt.ServiceMainPID(ctx, unit), Unit: unit}
	if err := b.rt.MarkRunning(ctx, h, b.rt.Now(), b.Version(ctx)); err != nil {
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "IKEv2 started")
	return nil
}

func (b *Backend) activeUnit(ctx context.Context) string {
	for _, u := range []string{starterUnit, ipsecUnit} {
		if b.rt.ServiceActive(ctx, u) {
			return u
		}
	}
	return ""
}

// Stop stops both unit names.
func (b *Backend) Stop(ctx context.Context) error {
	_ = b.rt.Systemctl(ctx, "stop", starterUnit) //nolint:errcheck // Unit may not exist
	_ = b.rt.Systemctl(ctx, "stop", ipsecUnit)   //nolint:errcheck // Unit may not exist
	if err := b.rt.MarkStopped(ctx); err != nil {
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "IKEv2 stopped")
	return nil
}

// Restart implements protocol.Backend.
func (b *Backend) Restart(ctx context.Context) error {
	return protocol.Restart(ctx, b, b.rt.RestartPause())
}

// IsRunning implements protocol.Backend.
func (b *Backend) IsRunning(ctx context.Context) bool {
	return b.rt.Reconcile(ctx, b.activeUnit(ctx) != "")
}

// Version parses "Linux strongSwan U5.9.13/K6.8.0-41-generic".
func (b *Backend) Version(ctx context.Context) string {
	res := b.rt.Run(ctx, command.New("ipsec", "--version").AsProbe())
	for _, f := range strings.Fields(res.Output()) {
		if strings.HasPrefix(f, "U") && len(f) > 1 && f[1] >= '0' && f[1] <= '9' {
			v, _, _ := strings.Cut(f[1:], "/")
			return v
		}
	}
	return ""
}

func (b *Backend) statusAll(ctx context.Context) (string, error) {
	return b.rt.Output(ctx, command.New("ipsec", "statusall").AsProbe())
}

// ActiveConnections counts ESTABLISHED IKE SAs.
func (b *Backend) ActiveConnections(ctx context.Context) (int, error) {
	out, err := b.statusAll(ctx)
	if err != nil {
		return 0, err
	}
	return strings.Count(out, "ESTABLISHED"), nil
}

var (
	bytesIn  = regexp.MustCompile(`(\d+) bytes_i`)
	bytesOut = regexp.MustCompile(`(\d+) bytes_o`)
)

// parseTraffic sums the CHILD_SA byte counters in statusall output.
func parseTraffic(out string) status.TrafficSample {
	sum := func(re *regexp.Regexp) uint64 {
		var n uint64
		for _, m := range re.FindAllStringSubmatch(out, -1) {
			v, _ := strconv.ParseUint(m[1], 10, 64) //nolint:errcheck // Digits only
			n += v
		}
		return n
	}
	return status.TrafficSample{BytesIn: sum(bytesIn), BytesOut: sum(bytesOut)}
}

// Traffic implements protocol.Backend.
func (b *Backend) Traffic(ctx context.Context) (status.TrafficSample, error) {
	out, err := b.statusAll(ctx)
	if err != nil {
		return status.TrafficSample{}, err
	}
	return parseTraffic(out), nil
}

// ListenPort implements protocol.Backend.
func (b *Backend) ListenPort(ctx context.Context) int {
	cfg, err := b.load(ctx)
	if err != nil || cfg.Port == 0 {
		return protocol.IKEv2.DefaultPort()
	}
	return cfg.Port
}

func eapLine(username, password string) string {
	return fmt.Sprintf(`%s : EAP "%s"`, username, password)
}

func isEAPLine(username string) func(string) bool {
	prefix := username + " : EAP "
	return func(l string) bool { return strings.HasPrefix(l, prefix) }
}

// AddClient issues a client certificate and PKCS#12 bundle and sets the
// EAP secret. Without a password the existing one is kept, or a random
// one is generated.
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
	if strings.ContainsAny(password, "\"\n\r") {
		return nil, fmt.Errorf("ikev2: password must not contain quotes or newlines")
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}

	if err := b.genKey(ctx, b.clientKey(username), 2048); err != nil {
		return nil, err
	}
	if err := b.issue(ctx, b.clientKey(username), b.clientCert(username), cfg.CertValidity,
		"CN="+username, "--san", username); err != nil {
		return nil, err
	}
	if !b.rt.FileExists(ctx, b.clientP12(username)) {
		p12 := command.New("openssl", "pkcs12", "-export",
			"-in", b.clientCert(username),
			"-inkey", b.clientKey(username),
			"-certfile", b.caCert(),
			"-name", username,
			"-out", b.clientP12(username),
			"-passout", "env:CC_P12_PASS",
		).WithEnv("CC_P12_PASS=" + password)
		if err := b.rt.RunOK(ctx, p12); err != nil {
			return nil, fmt.Errorf("bundling %s: %w", username, err)
		}
	}

	changed, err := b.rt.ReplaceLines(ctx, b.opts.SecretsFile, isEAPLine(username), eapLine(username, password), 0o600)
	if err != nil {
		return nil, err
	}
	if changed {
		b.rereadSecrets(ctx)
	}
	return protocol.Encode(Credential{CertGenerated: true, Username: username, Password: password})
}

func (b *Backend) rereadSecrets(ctx context.Context) {
	if b.activeUnit(ctx) == "" {
		return
	}
	if err := b.rt.RunOK(ctx, command.New("ipsec", "rereadsecrets")); err != nil {
		b.rt.Log(ctx, status.LevelWarning, "Reloading secrets failed: %v", err)
	}
}

// RemoveClient deletes the client files and EAP secret.
func (b *Backend) RemoveClient(ctx context.Context, username string, _ protocol.Credential) error {
	if err := protocol.ValidateUsername(username); err != nil {
		return err
	}
	for _, p := range []string{b.clientKey(username), b.clientCert(username), b.clientP12(username)} {
		if err := b.rt.RemoveFile(ctx, p); err != nil {
			return err
		}
	}
	changed, err := b.rt.ReplaceLines(ctx, b.opts.SecretsFile, isEAPLine(username), "", 0o600)
	if err != nil {
		return err
	}
	if changed {
		b.rereadSecrets(ctx)
	}
	return nil
}

// ClientConfig returns the gateway identity, EAP login and CA certificate.
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
	ca, err := b.rt.ReadFile(ctx, b.caCert())
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	return protocol.Encode(ClientConfig{
		Type:     "ikev2",
		Server:   server,
		Port:     cfg.Port,
		RemoteID: b.serverAddress(ctx),
		Username: username,
		Password: c.Password,
		CACert:   string(ca),
	})
}
