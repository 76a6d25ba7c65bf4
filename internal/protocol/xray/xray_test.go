package xray

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
	b, err := New(env.Deps(filepath.Join(dir, "sysctl.conf")), Options{Dir: filepath.Join(dir, "xray")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b, env
}

func withShadowsocks(t *testing.T, b *Backend) {
	t.Helper()
	cfg := DefaultConfig()
	in := cfg.Config["inbounds"].([]any)
	cfg.Config["inbounds"] = append(in, map[string]any{
		"tag":      "ss",
		"port":     8388,
		"protocol": "shadowsocks",
		"settings": map[string]any{"method": "aes-256-gcm", "password": "shared"},
	})
	if err := b.rt.SaveConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
}

func clientsOf(t *testing.T, b *Backend, tag string) []map[string]any {
	t.Helper()
	cfg, err := b.load(context.Background())
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	for _, in := range cfg.inbounds() {
		if str(in, "tag", "") != tag {
			continue
		}
		settings, _ := in["settings"].(map[string]any)
		list, _ := settings["clients"].([]any)
		var out []map[string]any
		for _, c := range list {
			out = append(out, c.(map[string]any))
		}
		return out
	}
	t.Fatalf("no inbound %q", tag)
	return nil
}

func TestClientID_IsStable(t *testing.T) {
	if ClientID("alice") != ClientID("alice") {
		t.Error("ClientID() not deterministic")
	}
	if ClientID("alice") == ClientID("bob") {
		t.Error("ClientID() collides for different users")
	}
	// uuid5(NAMESPACE_DNS, "alice")
	if got := ClientID("alice"); len(got) != 36 || got[14] != '5' {
		t.Errorf("ClientID() = %q, want a version 5 uuid", got)
	}
}

func TestAddClient_UpdatesInbounds(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	withShadowsocks(t, b)

	raw, err := b.AddClient(ctx, "alice", protocol.ClientData{})
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		t.Fatal(err)
	}
	if cred.UUID != ClientID("alice") || cred.Email != "alice@candyconnect" {
		t.Errorf("credential = %+v", cred)
	}

	vless := clientsOf(t, b, "vless-tcp")
	if len(vless) != 1 || vless[0]["id"] != cred.UUID {
		t.Fatalf("vless clients = %v", vless)
	}
	if flow, ok := vless[0]["flow"]; !ok || flow != "" {
		t.Errorf("vless client flow = %v, want empty string", flow)
	}
	vmess := clientsOf(t, b, "vmess-ws")
	if len(vmess) != 1 || vmess[0]["id"] != cred.UUID {
		t.Errorf("vmess clients = %v", vmess)
	}
	if _, ok := vmess[0]["flow"]; ok {
		t.Error("vmess client has a flow")
	}
	if ss := clientsOf(t, b, "ss"); len(ss) != 0 {
		t.Errorf("shadowsocks clients = %v, want none", ss)
	}

	// Adding again does not duplicate.
	if _, err := b.AddClient(ctx, "alice", protocol.ClientData{Existing: raw}); err != nil {
		t.Fatalf("AddClient() again error = %v", err)
	}
	if n := len(clientsOf(t, b, "vless-tcp")); n != 1 {
		t.Errorf("vless clients after re-add = %d, want 1", n)
	}
}

func TestRemoveClient(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	alice, err := b.AddClient(ctx, "alice", protocol.ClientData{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddClient(ctx, "bob", protocol.ClientData{}); err != nil {
		t.Fatal(err)
	}

	if err := b.RemoveClient(ctx, "alice", alice); err != nil {
		t.Fatalf("RemoveClient() error = %v", err)
	}
	// Without a credential the derived id still matches.
	if err := b.RemoveClient(ctx, "alice", nil); err != nil {
		t.Fatalf("RemoveClient() of absent client error = %v", err)
	}

	for _, tag := range []string{"vless-tcp", "vmess-ws"} {
		list := clientsOf(t, b, tag)
		if len(list) != 1 || list[0]["email"] != "bob@candyconnect" {
			t.Errorf("%s clients = %v, want only bob", tag, list)
		}
	}
}

func TestClientConfig(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	raw, err := b.ClientConfig(ctx, "alice", "203.0.113.7", nil)
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	var cc ClientConfig
	if err := json.Unmarshal(raw, &cc); err != nil {
		t.Fatal(err)
	}
	if cc.Type != "v2ray" || cc.Server != "203.0.113.7" || cc.UUID != ClientID("alice") {
		t.Errorf("ClientConfig() = %+v", cc)
	}
	want := []SubProtocol{
		{Tag: "vless-tcp", Protocol: "vless", Port: 443, Transport: "tcp", Security: "none"},
		{Tag: "vmess-ws", Protocol: "vmess", Port: 8080, Transport: "ws", Security: "none", Path: "/vmess"},
	}
	if len(cc.SubProtocols) != len(want) {
		t.Fatalf("sub_protocols = %+v", cc.SubProtocols)
	}
	for i := range want {
		if cc.SubProtocols[i] != want[i] {
			t.Errorf("sub_protocols[%d] = %+v, want %+v", i, cc.SubProtocols[i], want[i])
		}
	}
}

func TestStart_MissingBinary(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()

	if err := b.Start(ctx); !errors.Is(err, protocol.ErrNotInstalled) {
		t.Fatalf("Start() error = %v, want ErrNotInstalled", err)
	}
	if len(env.Supervisor.Starts()) != 0 {
		t.Error("supervisor started a process")
	}
	st, _ := env.Store.GetStatus(ctx, "v2ray") //nolint:errcheck // Checked via fields
	if st.IsRunning() {
		t.Errorf("status = %+v, want stopped", st)
	}
}

func TestStartStopAndReconcile(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	env.Install("xray")
	env.Runner.On("/usr/bin/xray version", protocoltest.OK("Xray 1.8.24 (Xray, Penetrates Everything.) 63e7a3a (go1.22.5 linux/amd64)"))

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	starts := env.Supervisor.Starts()
	if len(starts) != 1 || strings.Join(starts[0].Args, " ") != "run -c "+b.confPath() {
		t.Fatalf("supervisor starts = %+v", starts)
	}
	data, err := os.ReadFile(b.confPath())
	if err != nil {
		t.Fatalf("config.json not written: %v", err)
	}
	if !strings.Contains(string(data), `"vless"`) {
		t.Errorf("config.json = %s", data)
	}

	st, _ := env.Store.GetStatus(ctx, "v2ray") //nolint:errcheck // Checked via fields
	if !st.IsRunning() || st.PID() != 1000 || st.Version != "1.8.24" {
		t.Fatalf("status = %+v, want running pid 1000 version 1.8.24", st)
	}
	if !b.IsRunning(ctx) {
		t.Fatal("IsRunning() = false for live pid")
	}

	env.Supervisor.Kill(1000)
	if b.IsRunning(ctx) {
		t.Fatal("IsRunning() = true for dead pid")
	}
	st, _ = env.Store.GetStatus(ctx, "v2ray") //nolint:errcheck // Checked via fields
	if st.IsRunning() || st.Version != "1.8.24" {
		t.Errorf("status after reconcile = %+v, want stopped keeping version", st)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if stops := env.Supervisor.Stops(); len(stops) != 1 || stops[0] != 1001 {
		t.Errorf("supervisor stops = %v, want [1001]", stops)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	env.Install("xray")

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if n := len(env.Supervisor.Starts()); n != 1 {
		t.Fatalf("supervisor starts = %d, want 1", n)
	}

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if env.Supervisor.Alive(1000) {
		t.Error("pid 1000 still alive after Stop")
	}
}

const releaseDoc = `{
  "tag_name": "v1.8.24",
  "assets": [
    {"name": "Xray-linux-32.zip", "browser_download_url": "https://example.invalid/32.zip"},
    {"name": "Xray-linux-64.zip", "browser_download_url": "https://example.invalid/64.zip"}
  ]
}`

func TestInstall_DownloadsRelease(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	env.Runner.On("curl -fsSL -H", protocoltest.OK(releaseDoc))

	if err := b.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !env.Runner.Ran("curl -fsSL -o " + filepath.Join(b.opts.Dir, "xray.zip") + " https://example.invalid/64.zip") {
		t.Errorf("64-bit asset not downloaded: %v", env.Runner.Calls())
	}
	if !env.Runner.Ran("unzip -o") {
		t.Error("archive not extracted")
	}

	// Once the binary exists Install is a no-op.
	env.Install("xray")
	before := len(env.Runner.Calls())
	if err := b.Install(ctx); err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if after := len(env.Runner.Calls()); after != before {
		t.Errorf("second Install() ran %d commands", after-before)
	}
}

func TestInstall_MissingAsset(t *testing.T) {
	b, env := newTestBackend(t)
	env.Runner.On("curl -fsSL -H", protocoltest.OK(`{"tag_name":"v1","assets":[]}`))

	if err := b.Install(context.Background()); err == nil {
		t.Fatal("Install() without matching asset should fail")
	}
	if env.Runner.Ran("unzip") {
		t.Error("unzip ran without a download")
	}
}

func TestActiveConnections(t *testing.T) {
	b, env := newTestBackend(t)
	ctx := context.Background()
	env.Install("xray")
	b.established = func(_ context.Context, pid int) (int, error) {
		if pid != 1000 {
			t.Errorf("established() pid = %d, want 1000", pid)
		}
		return 7, nil
	}

	if n, err := b.ActiveConnections(ctx); err != nil || n != 0 {
		t.Errorf("ActiveConnections() stopped = %d, %v; want 0", n, err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if n, err := b.ActiveConnections(ctx); err != nil || n != 7 {
		t.Errorf("ActiveConnections() = %d, %v; want 7", n, err)
	}
}

func TestListenPort(t *testing.T) {
	b, _ := newTestBackend(t)
	if got := b.ListenPort(context.Background()); got != 443 {
		t.Errorf("ListenPort() = %d, want 443", got)
	}
}
