package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/manager"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// writeConfig writes a minimal config rooted in a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
paths:
  data_dir: ` + dir + `
database:
  path: ` + filepath.Join(dir, "state.db") + `
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  enabled: false
logging:
  level: error
  format: text
  output: stderr
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CANDYCONNECT_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("CANDYCONNECT_CONFIG", "/etc/candyconnect/config.yaml")
	if got := getConfigPath(); got != "/etc/candyconnect/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "candyconnect dev") {
		t.Errorf("output = %q", out)
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", "/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("serve error = %v, want config failure", err)
	}
}

func TestCoreCmd_RejectsBadArgs(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"unknown protocol", []string{"core", "start", "pptp"}, protocol.ErrNotFound},
		{"unknown action", []string{"core", "reload", "wireguard"}, manager.ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--config", cfg, "--ephemeral")...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := execute(t, "core", "start", "--config", cfg); err == nil {
		t.Error("missing protocol argument accepted")
	}
}

func TestOpenCore_Ephemeral(t *testing.T) {
	opts := &globalOptions{configPath: writeConfig(t), ephemeral: true}
	c, err := openCore(context.Background(), opts, true)
	if err != nil {
		t.Fatalf("openCore() error = %v", err)
	}
	defer c.Close()

	if c.db != nil {
		t.Error("database opened in ephemeral mode")
	}
	if _, ok := c.store.(*status.MemoryStore); !ok {
		t.Errorf("store = %T, want *status.MemoryStore", c.store)
	}
	mgr, err := c.newManager()
	if err != nil {
		t.Fatalf("newManager() error = %v", err)
	}
	for _, id := range protocol.All() {
		b, err := mgr.Backend(id)
		if err != nil || b.ID() != id {
			t.Errorf("Backend(%s) = %v, %v", id, b, err)
		}
	}
}

func TestOpenCore_Database(t *testing.T) {
	opts := &globalOptions{configPath: writeConfig(t)}
	c, err := openCore(context.Background(), opts, true)
	if err != nil {
		t.Fatalf("openCore() error = %v", err)
	}
	defer c.Close()

	if c.db == nil {
		t.Fatal("database not opened")
	}
	if _, ok := c.store.(*status.SQLiteStore); !ok {
		t.Errorf("store = %T, want *status.SQLiteStore", c.store)
	}
	// Migrations ran, so the store is usable.
	ctx := context.Background()
	if err := c.store.SetStatus(ctx, "wireguard", status.Stopped("1.0.20210914")); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := c.store.AppendLog(ctx, status.LevelInfo, "System", "hello"); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
}

func TestPrintCores(t *testing.T) {
	infos := []manager.CoreInfo{
		{ID: protocol.WireGuard, Name: "WireGuard", Status: status.StateRunning, Version: "1.0.20210914",
			Port: 51820, Uptime: 3725, ActiveConnections: 3, Traffic: status.TrafficSample{BytesIn: 10, BytesOut: 20}},
		{ID: protocol.DNSTT, Name: "DNSTT", Status: status.StateStopped, Port: 53, Error: "version: panic"},
	}
	var buf bytes.Buffer
	if err := printCores(&buf, infos); err != nil {
		t.Fatalf("printCores() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PROTOCOL", "WireGuard", "1h2m5s", "51820", "version: panic", "1 of 2 running, 3 active connections"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if !strings.Contains(lines[2], "-") {
		t.Errorf("dnstt row = %q, want dash for empty version", lines[2])
	}
}

func TestRemoteCommands_RejectsUnknownAction(t *testing.T) {
	h := remoteCommands(context.Background(), nil, nopLogger{})
	if err := h("wireguard", "reload"); !errors.Is(err, manager.ErrUnknownAction) {
		t.Errorf("handler error = %v, want ErrUnknownAction", err)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
