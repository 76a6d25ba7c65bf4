package wireguard

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/protocol/protocoltest"
)

func newTestBackend(t *testing.T) (*Backend, *protocoltest.Env) {
	t.Helper()
	env := protocoltest.NewEnv()
	dir := t.TempDir()
	b, err := New(env.Deps(filepath.Join(dir, "sysctl.conf")), Options{Dir: filepath.Join(dir, "wireguard")})
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

func TestStart_NoInterfaces(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, Config{})

	err := b.Start(ctx)
	if !errors.Is(err, protocol.ErrNotConfigured) {
		t.Fatalf("Start() error = %v, want ErrNotConfigured", err)
	}

	st, err := env.Store.GetStatus(ctx, "wireguard")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.IsRunning() {
		t.Errorf("status = %+v, want stopped", st)
	}
	if len(env.Supervisor.Starts()) != 0 {
		t.Error("supervisor started a process")
	}
	if env.Runner.Ran("systemctl start") || env.Runner.Ran("wg-quick") {
		t.Errorf("interface commands ran: %v", env.Runner.Calls())
	}
}

func TestStart_WritesConfigAndRecordsUnit(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	env.Runner.On("wg --version", protocoltest.OK("wireguard-tools v1.0.20210914 - https://git.zx2c4.com/wireguard-tools/"))

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st, _ := env.Store.GetStatus(ctx, "wireguard") //nolint:errcheck // Checked via fields
	if !st.IsRunning() || st.Handle == nil || st.Handle.Unit != "wg-quick@wg0" || st.PID() != 0 {
		t.Errorf("status = %+v, want running on unit wg-quick@wg0", st)
	}
	if st.Version != "1.0.20210914" {
		t.Errorf("version = %q", st.Version)
	}

	path := filepath.Join(b.opts.Dir, "wg0.conf")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	cfg, _ := b.load(ctx) //nolint:errcheck // Seeded above
	if cfg.Interfaces[0].PrivateKey == "" || cfg.Interfaces[0].PublicKey == "" {
		t.Error("server keys not generated and persisted")
	}
	data, _ := os.ReadFile(path) //nolint:errcheck // Stat succeeded
	if !strings.Contains(string(data), "PrivateKey = "+cfg.Interfaces[0].PrivateKey) {
		t.Errorf("config lacks private key:\n%s", data)
	}
}

func TestStart_FallsBackToWgQuick(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	env.Runner.On("systemctl start", protocoltest.Fail(1, "System has not been booted with systemd"))

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !env.Runner.Ran("wg-quick up wg0") {
		t.Error("wg-quick up not attempted")
	}
}

func TestStart_AllInterfacesFail(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	env.Runner.On("systemctl start", protocoltest.Fail(1, "failed"))
	env.Runner.On("wg-quick up", protocoltest.Fail(1, "RTNETLINK answers: Operation not supported"))
	env.Runner.On("wg show wg0", protocoltest.Fail(1, "Unable to access interface"))

	if err := b.Start(ctx); err == nil {
		t.Fatal("Start() should fail")
	}
	st, _ := env.Store.GetStatus(ctx, "wireguard") //nolint:errcheck // Checked via fields
	if st.IsRunning() {
		t.Errorf("status = %+v, want stopped", st)
	}
}

func TestIsRunning_CorrectsStaleStatus(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	env.Runner.On("systemctl is-active", protocoltest.Fail(3, ""))
	env.Runner.On("wg show wg0", protocoltest.Fail(1, "Unable to access interface"))
	if b.IsRunning(ctx) {
		t.Fatal("IsRunning() = true with interface down")
	}
	st, _ := env.Store.GetStatus(ctx, "wireguard") //nolint:errcheck // Checked via fields
	if st.IsRunning() {
		t.Error("stale running status not corrected")
	}
}

func TestInstall_Idempotent(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()

	if err := b.Install(ctx); err != nil {
		t.Fatalf("first Install() error = %v", err)
	}
	if !env.Runner.Ran("apt-get install -y wireguard wireguard-tools") {
		t.Error("packages not installed")
	}

	env.Install("wg")
	if err := b.Install(ctx); err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if n := env.Runner.Count("apt-get"); n != 1 {
		t.Errorf("apt-get ran %d times, want 1", n)
	}
	if _, err := env.Store.GetStatus(ctx, "wireguard"); err == nil {
		t.Error("Install() changed the status")
	}
}

func TestAddClient_DeterministicAddressAndReuse(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	env.Runner.On("wg show wg0", protocoltest.Fail(1, "Unable to access interface"))

	raw, err := b.AddClient(ctx, "alice", protocol.ClientData{})
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		t.Fatalf("decoding credential: %v", err)
	}
	want, _ := ClientAddress("10.66.66.1/24", "alice") //nolint:errcheck // Valid prefix
	if cred.Address != want {
		t.Errorf("Address = %q, want %q", cred.Address, want)
	}
	if cred.ServerPublicKey == "" || cred.EndpointPort != 51820 {
		t.Errorf("credential missing server info: %+v", cred)
	}

	again, err := b.AddClient(ctx, "alice", protocol.ClientData{Existing: raw})
	if err != nil {
		t.Fatalf("AddClient() with existing error = %v", err)
	}
	var cred2 Credential
	_ = json.Unmarshal(again, &cred2) //nolint:errcheck // Produced by AddClient
	if cred2.PrivateKey != cred.PrivateKey || cred2.Address != cred.Address {
		t.Error("existing credential not reused")
	}

	cfg, _ := b.load(ctx) //nolint:errcheck // Seeded above
	if n := len(cfg.Interfaces[0].Peers); n != 1 {
		t.Errorf("persisted peers = %d, want 1", n)
	}
	if env.Runner.Ran("wg set") {
		t.Error("live peer change attempted with interface down")
	}
}

func TestAddClient_AppliesLiveWhenUp(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	env.Runner.On("wg show wg0", protocoltest.OK("interface: wg0"))

	if _, err := b.AddClient(ctx, "bob", protocol.ClientData{}); err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	c, ok := env.Runner.Find("wg set wg0 peer")
	if !ok {
		t.Fatal("wg set not run")
	}
	if !strings.Contains(c.String(), "allowed-ips 10.66.66.") {
		t.Errorf("wg set = %s", c.String())
	}
}

func TestAddClient_RejectsBadUsername(t *testing.T) {
	b, _ := newTestBackend(t)
	seed(t, b, DefaultConfig())

	if _, err := b.AddClient(context.Background(), "../x", protocol.ClientData{}); !errors.Is(err, protocol.ErrInvalidUsername) {
		t.Fatalf("AddClient() error = %v, want ErrInvalidUsername", err)
	}
}

func TestRemoveClient(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())
	env.Runner.On("wg show wg0", protocoltest.OK("interface: wg0"))

	raw, err := b.AddClient(ctx, "carol", protocol.ClientData{})
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	if err := b.RemoveClient(ctx, "carol", raw); err != nil {
		t.Fatalf("RemoveClient() error = %v", err)
	}
	if !env.Runner.Ran("wg set wg0 peer") || env.Runner.Count("wg set wg0 peer") != 2 {
		t.Errorf("calls = %v", env.Runner.Calls())
	}
	cfg, _ := b.load(ctx) //nolint:errcheck // Seeded above
	if len(cfg.Interfaces[0].Peers) != 0 {
		t.Error("peer still persisted")
	}

	// Absent client.
	if err := b.RemoveClient(ctx, "nobody", nil); err != nil {
		t.Errorf("RemoveClient() for absent client error = %v", err)
	}
}

func TestClientConfig(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, DefaultConfig())

	raw, err := b.AddClient(ctx, "dave", protocol.ClientData{})
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	out, err := b.ClientConfig(ctx, "dave", "203.0.113.7", raw)
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	var cc ClientConfig
	if err := json.Unmarshal(out, &cc); err != nil {
		t.Fatalf("decoding client config: %v", err)
	}
	for _, want := range []string{
		"Endpoint = 203.0.113.7:51820",
		"AllowedIPs = 0.0.0.0/0, ::/0",
		"PersistentKeepalive = 25",
		"MTU = 1420",
	} {
		if !strings.Contains(cc.WGConfig, want) {
			t.Errorf("wg_config lacks %q:\n%s", want, cc.WGConfig)
		}
	}
	if cc.Type != "wireguard" || cc.ServerPublicKey == "" {
		t.Errorf("client config = %+v", cc)
	}
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		iface   string
		user    string
		wantErr bool
	}{
		{"10.66.66.1/24", "alice", false},
		{"10.66.66.1/24", "bob", false},
		{"10.0.0.0/31", "alice", true},
		{"fd00::1/64", "alice", true},
		{"garbage", "alice", true},
	}
	for _, tt := range tests {
		t.Run(tt.iface+"/"+tt.user, func(t *testing.T) {
			got, err := ClientAddress(tt.iface, tt.user)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ClientAddress() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ClientAddress() error = %v", err)
			}
			host := strings.TrimSuffix(strings.TrimPrefix(got, "10.66.66."), "/32")
			n, err := strconv.Atoi(host)
			if err != nil || n < 2 || n > 251 {
				t.Errorf("ClientAddress() = %q, host outside [2, 251]", got)
			}
			again, _ := ClientAddress(tt.iface, tt.user) //nolint:errcheck // Same input
			if again != got {
				t.Error("ClientAddress() not deterministic")
			}
		})
	}
}

func TestParseDump(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	recent := strconv.FormatInt(now.Add(-30*time.Second).Unix(), 10)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	out := strings.Join([]string{
		"wg0\tPRIV\tPUB\t51820\toff",
		"wg0\tpeerA\t(none)\t198.51.100.1:4000\t10.66.66.5/32\t" + recent + "\t1000\t2000\t0",
		"wg0\tpeerB\t(none)\t198.51.100.2:4000\t10.66.66.6/32\t" + stale + "\t300\t400\t0",
		"wg0\tpeerC\t(none)\t(none)\t10.66.66.7/32\t0\t0\t0\t0",
	}, "\n")

	peers := parseDump(out)
	if len(peers) != 3 {
		t.Fatalf("parseDump() returned %d peers, want 3", len(peers))
	}
	if n := countActive(peers, now); n != 1 {
		t.Errorf("countActive() = %d, want 1", n)
	}
	if got := sumTraffic(peers); got.BytesIn != 1300 || got.BytesOut != 2400 {
		t.Errorf("sumTraffic() = %+v, want {1300 2400}", got)
	}
}

func TestKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	derived, err := PublicKey(priv)
	if err != nil || derived != pub {
		t.Errorf("PublicKey(priv) = %q, %v; want %q", derived, err, pub)
	}
	if len(priv) != 44 || len(pub) != 44 {
		t.Errorf("key lengths = %d, %d; want 44", len(priv), len(pub))
	}
	if _, err := PublicKey("not base64!"); err == nil {
		t.Error("PublicKey() accepted garbage")
	}
}
