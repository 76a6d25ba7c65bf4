package l2tp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/protocol/protocoltest"
)

func newTestBackend(t *testing.T) (*Backend, *protocoltest.Env) {
	t.Helper()
	env := protocoltest.NewEnv()
	dir := t.TempDir()
	b, err := New(env.Deps(filepath.Join(dir, "sysctl.conf")), Options{
		XL2TPDConf:  filepath.Join(dir, "xl2tpd", "xl2tpd.conf"),
		PPPOptions:  filepath.Join(dir, "ppp", "options.xl2tpd"),
		ChapSecrets: filepath.Join(dir, "ppp", "chap-secrets"),
		IPSecDir:    filepath.Join(dir, "ipsec.d"),
		IPSecConf:   filepath.Join(dir, "ipsec.conf"),
		SecretsFile: filepath.Join(dir, "ipsec.secrets"),
		SysClassNet: filepath.Join(dir, "net"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b, env
}

func seed(t *testing.T, b *Backend, cfg Config) {
	t.Helper()
	if err := b.rt.SaveConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PSK = "sharedsecret"
	return cfg
}

func TestStart_WritesConfigAndRecordsUnit(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())
	env.Runner.On("xl2tpd -v", protocoltest.OK("xl2tpd version:  xl2tpd-1.3.18"))
	env.Runner.On("systemctl show --property=MainPID", protocoltest.OK("4242"))

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st, err := env.Store.GetStatus(ctx, "l2tp")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if !st.IsRunning() || st.Handle.Unit != "xl2tpd" || st.PID() != 4242 {
		t.Errorf("status = %+v, want running on xl2tpd with pid 4242", st)
	}
	if st.Version != "1.3.18" {
		t.Errorf("version = %q, want 1.3.18", st.Version)
	}

	conf := readFile(t, b.opts.XL2TPDConf)
	for _, want := range []string{"ip range = 10.20.0.10-10.20.0.250", "local ip = 10.20.0.1", "pppoptfile = " + b.opts.PPPOptions} {
		if !strings.Contains(conf, want) {
			t.Errorf("xl2tpd.conf lacks %q:\n%s", want, conf)
		}
	}
	if ppp := readFile(t, b.opts.PPPOptions); !strings.Contains(ppp, "ms-dns 1.1.1.1") {
		t.Errorf("options.xl2tpd lacks dns:\n%s", ppp)
	}
	if secrets := readFile(t, b.opts.SecretsFile); !strings.Contains(secrets, `%any %any : PSK "sharedsecret"`) {
		t.Errorf("ipsec.secrets = %q", secrets)
	}
	if !strings.Contains(readFile(t, b.opts.IPSecConf), "include "+filepath.Join(b.opts.IPSecDir, "*.conf")) {
		t.Error("ipsec.conf lacks include line")
	}
}

func TestStart_SecondStartKeepsSingleSecretLine(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())

	for range 2 {
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if n := strings.Count(readFile(t, b.opts.SecretsFile), "PSK"); n != 1 {
		t.Errorf("PSK lines = %d, want 1", n)
	}
	if n := strings.Count(readFile(t, b.opts.IPSecConf), "include"); n != 1 {
		t.Errorf("include lines = %d, want 1", n)
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no psk", func(c *Config) { c.PSK = "" }},
		{"bad local ip", func(c *Config) { c.LocalIP = "not-an-ip" }},
		{"range outside subnet", func(c *Config) { c.RemoteRange = "10.30.0.10-10.30.0.20" }},
		{"reversed range", func(c *Config) { c.RemoteRange = "10.20.0.200-10.20.0.10" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, env := newTestBackend(t)
			cfg := testConfig()
			tt.mutate(&cfg)
			seed(t, b, cfg)

			if err := b.Start(context.Background()); !errors.Is(err, protocol.ErrNotConfigured) {
				t.Fatalf("Start() error = %v, want ErrNotConfigured", err)
			}
			if env.Runner.Ran("systemctl start xl2tpd") {
				t.Error("xl2tpd started with invalid config")
			}
		})
	}
}

func TestStart_FallsBackToSupervisedDaemon(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())
	env.Install("xl2tpd")
	env.Runner.On("systemctl start xl2tpd", protocoltest.Fail(1, "Unit xl2tpd.service not found."))

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	starts := env.Supervisor.Starts()
	if len(starts) != 1 || starts[0].Binary != "/usr/bin/xl2tpd" || starts[0].Args[0] != "-D" {
		t.Fatalf("supervisor starts = %+v", starts)
	}
	st, _ := env.Store.GetStatus(ctx, "l2tp") //nolint:errcheck // Checked via fields
	if !st.IsRunning() || st.PID() != 1000 {
		t.Errorf("status = %+v, want running with supervised pid", st)
	}

	// xl2tpd is still alive, so a second start spawns nothing.
	if err := b.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if n := len(env.Supervisor.Starts()); n != 1 {
		t.Errorf("supervisor starts = %d after second Start, want 1", n)
	}
	st, _ = env.Store.GetStatus(ctx, "l2tp") //nolint:errcheck // Checked via fields
	if st.PID() != 1000 {
		t.Errorf("persisted pid = %d, want 1000", st.PID())
	}
}

func TestStart_MissingBinary(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())
	env.Runner.On("systemctl start xl2tpd", protocoltest.Fail(5, "Unit xl2tpd.service not found."))

	if err := b.Start(ctx); !errors.Is(err, protocol.ErrNotInstalled) {
		t.Fatalf("Start() error = %v, want ErrNotInstalled", err)
	}
	st, _ := env.Store.GetStatus(ctx, "l2tp") //nolint:errcheck // Checked via fields
	if st.IsRunning() {
		t.Errorf("status = %+v, want stopped", st)
	}
}

func TestStop_LeavesIPSecRunning(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !env.Runner.Ran("systemctl stop xl2tpd") {
		t.Error("xl2tpd not stopped")
	}
	for _, u := range ipsecUnits {
		if env.Runner.Ran("systemctl stop " + u) {
			t.Errorf("shared ipsec unit %s stopped", u)
		}
	}
	st, _ := env.Store.GetStatus(ctx, "l2tp") //nolint:errcheck // Checked via fields
	if st.IsRunning() || st.Handle != nil || st.StartedAt != nil {
		t.Errorf("status = %+v, want clean stopped", st)
	}
}

func TestClients(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())

	cred, err := b.AddClient(ctx, "alice", protocol.ClientData{Password: "s3cret"})
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	if _, err := b.AddClient(ctx, "bob", protocol.ClientData{}); err != nil {
		t.Fatalf("AddClient(bob) error = %v", err)
	}
	// Re-adding alice replaces her line.
	if _, err := b.AddClient(ctx, "alice", protocol.ClientData{Password: "n3w"}); err != nil {
		t.Fatalf("AddClient() again error = %v", err)
	}

	secrets := readFile(t, b.opts.ChapSecrets)
	if strings.Count(secrets, `"alice"`) != 1 || !strings.Contains(secrets, `"alice" * "n3w" *`) {
		t.Errorf("chap-secrets = %q", secrets)
	}

	raw, err := b.ClientConfig(ctx, "alice", "203.0.113.7", cred)
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	var cc ClientConfig
	if err := json.Unmarshal(raw, &cc); err != nil {
		t.Fatal(err)
	}
	if cc.PSK != "sharedsecret" || cc.Username != "alice" || cc.Password != "s3cret" || cc.Server != "203.0.113.7" {
		t.Errorf("ClientConfig() = %+v", cc)
	}

	if err := b.RemoveClient(ctx, "alice", cred); err != nil {
		t.Fatalf("RemoveClient() error = %v", err)
	}
	if err := b.RemoveClient(ctx, "alice", cred); err != nil {
		t.Fatalf("RemoveClient() of absent client error = %v", err)
	}
	secrets = readFile(t, b.opts.ChapSecrets)
	if strings.Contains(secrets, "alice") || !strings.Contains(secrets, `"bob"`) {
		t.Errorf("chap-secrets after removal = %q", secrets)
	}
}

func TestAddClient_RejectsUnsafeInput(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, testConfig())

	if _, err := b.AddClient(ctx, "../etc", protocol.ClientData{}); !errors.Is(err, protocol.ErrInvalidUsername) {
		t.Errorf("AddClient() error = %v, want ErrInvalidUsername", err)
	}
	if _, err := b.AddClient(ctx, "carol", protocol.ClientData{Password: `has "quote`}); err == nil {
		t.Error("AddClient() accepted a password with a quote")
	}
}

func TestConnectionsAndTraffic(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	for name, counters := range map[string][2]string{"ppp0": {"100", "200"}, "ppp1": {"5", "7"}} {
		stats := filepath.Join(b.opts.SysClassNet, name, "statistics")
		if err := os.MkdirAll(stats, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(stats, "rx_bytes"), []byte(counters[0]+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(stats, "tx_bytes"), []byte(counters[1]+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(b.opts.SysClassNet, "eth0"), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := b.ActiveConnections(ctx)
	if err != nil || n != 2 {
		t.Errorf("ActiveConnections() = %d, %v; want 2", n, err)
	}
	tr, err := b.Traffic(ctx)
	if err != nil {
		t.Fatalf("Traffic() error = %v", err)
	}
	if tr.BytesIn != 105 || tr.BytesOut != 207 {
		t.Errorf("Traffic() = %+v, want {105 207}", tr)
	}
}

func TestListenPort(t *testing.T) {
	b, _ := newTestBackend(t)
	if got := b.ListenPort(context.Background()); got != 1701 {
		t.Errorf("ListenPort() without config = %d, want 1701", got)
	}
	cfg := testConfig()
	cfg.Port = 1702
	seed(t, b, cfg)
	if got := b.ListenPort(context.Background()); got != 1702 {
		t.Errorf("ListenPort() = %d, want 1702", got)
	}
}
