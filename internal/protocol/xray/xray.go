// Package xray runs the Xray core, reported to clients as V2Ray. The core
// is a single static binary downloaded from the upstream release feed and
// supervised directly; there is no systemd unit.
package xray

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/candyconnect/candyconnect-core/internal/command"
	"github.com/candyconnect/candyconnect-core/internal/process"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

const (
	defaultReleaseURL = "https://api.github.com/repos/XTLS/Xray-core/releases/latest"
	defaultAssetName  = "Xray-linux-64.zip"
	emailDomain       = "candyconnect"
	downloadTimeout   = 5 * time.Minute
)

// Options configures where the core lives and where it comes from.
type Options struct {
	// Dir holds the binary and config.json. Default /opt/candyconnect/cores/xray.
	Dir string

	// ReleaseURL is the GitHub "latest release" API endpoint.
	ReleaseURL string

	// AssetName selects the release asset to download.
	AssetName string
}

func (o *Options) setDefaults() {
	if o.Dir == "" {
		o.Dir = "/opt/candyconnect/cores/xray"
	}
	if o.ReleaseURL == "" {
		o.ReleaseURL = defaultReleaseURL
	}
	if o.AssetName == "" {
		o.AssetName = defaultAssetName
	}
}

// Credential is the client identity shared by every inbound.
type Credential struct {
	UUID     string `json:"uuid"`
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

// SubProtocol describes one inbound a client can use.
type SubProtocol struct {
	Tag       string `json:"tag"`
	Protocol  string `json:"protocol"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Security  string `json:"security"`
	Path      string `json:"path,omitempty"`
}

// ClientConfig is the connection info handed to a client app.
type ClientConfig struct {
	Type         string        `json:"type"`
	Server       string        `json:"server"`
	UUID         string        `json:"uuid"`
	Password     string        `json:"password,omitempty"`
	SubProtocols []SubProtocol `json:"sub_protocols"`
}

// Backend supervises the xray binary.
type Backend struct {
	rt   *protocol.Runtime
	opts Options

	// established counts ESTABLISHED TCP sockets owned by pid.
	established func(ctx context.Context, pid int) (int, error)
}

var _ protocol.Backend = (*Backend)(nil)

// New creates the V2Ray adapter.
func New(deps protocol.Deps, opts Options) (*Backend, error) {
	rt, err := protocol.NewRuntime(protocol.V2Ray, deps)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Backend{rt: rt, opts: opts, established: establishedSockets}, nil
}

// ID implements protocol.Backend.
func (b *Backend) ID() protocol.ID { return protocol.V2Ray }

// DefaultConfig implements protocol.Backend.
func (b *Backend) DefaultConfig() any { return DefaultConfig() }

// load returns the stored document, or the default when none is stored.
// Defaults are not merged in, so removed inbounds stay removed.
func (b *Backend) load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := b.rt.LoadConfig(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Config == nil {
		return DefaultConfig(), nil
	}
	return cfg, nil
}

func (b *Backend) confPath() string { return filepath.Join(b.opts.Dir, "config.json") }

// binary returns the bundled core, or one found on PATH.
func (b *Backend) binary() (string, bool) {
	if p, ok := b.rt.LookPath(filepath.Join(b.opts.Dir, "xray")); ok {
		return p, true
	}
	return b.rt.LookPath("xray")
}

type release struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	} `json:"assets"`
}

// assetURL picks the download URL of name from a release document.
func assetURL(doc, name string) (string, string, error) {
	var r release
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return "", "", fmt.Errorf("decoding release: %w", err)
	}
	for _, a := range r.Assets {
		if a.Name == name && a.URL != "" {
			return a.URL, r.TagName, nil
		}
	}
	return "", "", fmt.Errorf("release %s has no asset %s", r.TagName, name)
}

// Install downloads the latest release into Dir. An existing binary is kept.
func (b *Backend) Install(ctx context.Context) error {
	if _, ok := b.binary(); ok {
		b.rt.Log(ctx, status.LevelInfo, "Xray already installed")
		return nil
	}
	b.rt.Log(ctx, status.LevelInfo, "Installing Xray...")
	if err := b.install(ctx); err != nil {
		b.rt.Log(ctx, status.LevelError, "Installation failed: %v", err)
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "Xray installed successfully")
	return nil
}

func (b *Backend) install(ctx context.Context) error {
	if err := b.rt.MkdirAll(ctx, b.opts.Dir); err != nil {
		return err
	}
	doc, err := b.rt.Output(ctx, command.New("curl", "-fsSL",
		"-H", "Accept: application/vnd.github+json", b.opts.ReleaseURL))
	if err != nil {
		return fmt.Errorf("fetching release info: %w", err)
	}
	url, tag, err := assetURL(doc, b.opts.AssetName)
	if err != nil {
		return err
	}
	b.rt.Log(ctx, status.LevelInfo, "Downloading Xray %s", tag)

	archive := filepath.Join(b.opts.Dir, "xray.zip")
	defer b.rt.RemoveFile(context.WithoutCancel(ctx), archive) //nolint:errcheck // Best effort cleanup

	steps := []command.Command{
		command.New("curl", "-fsSL", "-o", archive, url).WithTimeout(downloadTimeout),
		command.New("unzip", "-o", archive, "-d", b.opts.Dir),
		command.New("chmod", "0755", filepath.Join(b.opts.Dir, "xray")),
	}
	for _, c := range steps {
		if err := b.rt.RunOK(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Start renders config.json and supervises "xray run".
func (b *Backend) Start(ctx context.Context) error {
	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	data, err := cfg.render()
	if err != nil {
		b.rt.Log(ctx, status.LevelError, "Failed to start: %v", err)
		return fmt.Errorf("v2ray: %w: %w", protocol.ErrNotConfigured, err)
	}
	bin, ok := b.binary()
	if !ok {
		b.rt.Log(ctx, status.LevelError, "Xray binary not found. Run install first.")
		if err := b.rt.MarkStopped(ctx); err != nil {
			return err
		}
		return fmt.Errorf("v2ray: %w", protocol.ErrNotInstalled)
	}
	if err := b.rt.WriteFile(ctx, b.confPath(), data, 0o600); err != nil {
		return err
	}
	if _, err := b.rt.StartDaemon(ctx, process.Spec{
		Name:   "xray",
		Binary: bin,
		Args:   []string{"run", "-c", b.confPath()},
		Dir:    b.opts.Dir,
	}, b.Version(ctx)); err != nil {
		return fmt.Errorf("v2ray: %w", err)
	}
	return nil
}

// Stop implements protocol.Backend.
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

// Version parses "Xray 1.8.24 (Xray, Penetrates Everything.) ...".
func (b *Backend) Version(ctx context.Context) string {
	bin, ok := b.binary()
	if !ok {
		return ""
	}
	fields := strings.Fields(b.rt.Run(ctx, command.New(bin, "version").AsProbe()).Output())
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
}

func establishedSockets(ctx context.Context, pid int) (int, error) {
	conns, err := psnet.ConnectionsPidWithContext(ctx, "tcp", int32(pid)) //nolint:gosec // Linux pids fit in int32
	if err != nil {
		return 0, fmt.Errorf("listing sockets of %d: %w", pid, err)
	}
	n := 0
	for _, c := range conns {
		if c.Status == "ESTABLISHED" {
			n++
		}
	}
	return n, nil
}

// ActiveConnections counts established TCP sockets of the core.
func (b *Backend) ActiveConnections(ctx context.Context) (int, error) {
	st, err := b.rt.Status(ctx)
	if err != nil {
		return 0, err
	}
	if st.PID() <= 0 {
		return 0, nil
	}
	return b.established(ctx, st.PID())
}

// Traffic is not tracked: the stats API is not enabled in the core.
func (b *Backend) Traffic(context.Context) (status.TrafficSample, error) {
	return status.TrafficSample{}, nil
}

// ListenPort returns the port of the first inbound.
func (b *Backend) ListenPort(ctx context.Context) int {
	cfg, err := b.load(ctx)
	if err != nil {
		return protocol.V2Ray.DefaultPort()
	}
	if in := cfg.inbounds(); len(in) > 0 {
		return num(in[0], "port", protocol.V2Ray.DefaultPort())
	}
	return protocol.V2Ray.DefaultPort()
}

// ClientID is the stable per-user UUID (v5, DNS namespace).
func ClientID(username string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(username)).String()
}

func email(username string) string { return username + "@" + emailDomain }

// AddClient adds the user to every VLESS, VMess and Trojan inbound.
// Shadowsocks inbounds use one shared password and are left alone. The
// change applies on the next start of the core.
func (b *Backend) AddClient(ctx context.Context, username string, data protocol.ClientData) (protocol.Credential, error) {
	if err := protocol.ValidateUsername(username); err != nil {
		return nil, err
	}
	var cred Credential
	if err := protocol.Decode(data.Existing, &cred); err != nil {
		return nil, err
	}
	if cred.UUID == "" {
		cred.UUID = ClientID(username)
	}
	cred.Email = email(username)
	if data.Password != "" {
		cred.Password = data.Password
	}
	if cred.Password == "" {
		cred.Password = cred.UUID
	}

	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, in := range cfg.inbounds() {
		proto := str(in, "protocol", "")
		var entry map[string]any
		switch proto {
		case "vless":
			entry = map[string]any{"id": cred.UUID, "email": cred.Email, "flow": ""}
		case "vmess":
			entry = map[string]any{"id": cred.UUID, "email": cred.Email}
		case "trojan":
			entry = map[string]any{"password": cred.Password, "email": cred.Email}
		default:
			continue
		}
		list := clients(in)
		found := false
		for _, c := range list {
			if m, ok := c.(map[string]any); ok && str(m, "email", "") == cred.Email {
				found = true
				break
			}
		}
		if !found {
			setClients(in, append(list, entry))
			changed = true
		}
	}
	if changed {
		if err := b.rt.SaveConfig(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return protocol.Encode(cred)
}

// RemoveClient drops every client entry matching the user's id or email.
func (b *Backend) RemoveClient(ctx context.Context, username string, raw protocol.Credential) error {
	var cred Credential
	if err := protocol.Decode(raw, &cred); err != nil {
		return err
	}
	ids := map[string]bool{ClientID(username): true}
	if cred.UUID != "" {
		ids[cred.UUID] = true
	}
	mail := email(username)

	cfg, err := b.load(ctx)
	if err != nil {
		return err
	}
	changed := false
	for _, in := range cfg.inbounds() {
		settings, ok := in["settings"].(map[string]any)
		if !ok {
			continue
		}
		list, ok := settings["clients"].([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(list))
		for _, c := range list {
			if m, ok := c.(map[string]any); ok && (ids[str(m, "id", "")] || str(m, "email", "") == mail) {
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) != len(list) {
			settings["clients"] = kept
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return b.rt.SaveConfig(ctx, cfg)
}

// ClientConfig lists every inbound with its transport settings.
func (b *Backend) ClientConfig(ctx context.Context, username, server string, raw protocol.Credential) (protocol.ClientConfig, error) {
	var cred Credential
	if err := protocol.Decode(raw, &cred); err != nil {
		return nil, err
	}
	if cred.UUID == "" {
		cred.UUID = ClientID(username)
	}
	cfg, err := b.load(ctx)
	if err != nil {
		return nil, err
	}

	subs := []SubProtocol{}
	for _, in := range cfg.inbounds() {
		proto := str(in, "protocol", "")
		stream, _ := in["streamSettings"].(map[string]any) //nolint:errcheck // Absent stream settings read as tcp/none
		if stream == nil {
			stream = map[string]any{}
		}
		sub := SubProtocol{
			Tag:       str(in, "tag", proto),
			Protocol:  proto,
			Port:      num(in, "port", protocol.V2Ray.DefaultPort()),
			Transport: str(stream, "network", "tcp"),
			Security:  str(stream, "security", "none"),
		}
		if ws, ok := stream["wsSettings"].(map[string]any); ok {
			sub.Path = str(ws, "path", "")
		}
		subs = append(subs, sub)
	}

	return protocol.Encode(ClientConfig{
		Type:         "v2ray",
		Server:       server,
		UUID:         cred.UUID,
		Password:     cred.Password,
		SubProtocols: subs,
	})
}
