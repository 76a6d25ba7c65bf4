package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/candyconnect/candyconnect-core/internal/infrastructure/config"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/logging"
	"github.com/candyconnect/candyconnect-core/internal/manager"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

type fakeCores struct {
	mu      sync.Mutex
	infos   []manager.CoreInfo
	doErr   error
	actions []string
	panic   bool

	// Observed on the context of the last Do call.
	doCalled   bool
	doCtxErr   error
	doDeadline bool
}

func (f *fakeCores) CoresInfo(context.Context) ([]manager.CoreInfo, error) {
	if f.panic {
		panic("report exploded")
	}
	return f.infos, nil
}

func (f *fakeCores) Core(_ context.Context, id protocol.ID) (manager.CoreInfo, error) {
	for _, info := range f.infos {
		if info.ID == id {
			return info, nil
		}
	}
	return manager.CoreInfo{ID: id, Name: id.Name(), Status: status.StateStopped}, nil
}

// Do mirrors the manager's validation order.
func (f *fakeCores) Do(ctx context.Context, rawID, action string) error {
	if _, err := protocol.Parse(rawID); err != nil {
		return err
	}
	if _, err := manager.ParseOp(action); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, rawID+" "+action)
	f.doCalled = true
	f.doCtxErr = ctx.Err()
	_, f.doDeadline = ctx.Deadline()
	return f.doErr
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

func testServer(t *testing.T, cores *fakeCores, health map[string]HealthChecker) (*Server, *status.MemoryStore) {
	t.Helper()
	store := status.NewMemoryStore(50)
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	reg := prometheus.NewRegistry()
	manager.NewMetrics(reg)

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:   log,
		Cores:    cores,
		Logs:     store,
		Health:   health,
		Gatherer: reg,
		Version:  "1.2.0",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func do(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	log := logging.Default()
	store := status.NewMemoryStore(1)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Cores: &fakeCores{}, Logs: store}},
		{"no cores", Deps{Logger: log, Logs: store}},
		{"no logs", Deps{Logger: log, Cores: &fakeCores{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil")
			}
		})
	}
}

func TestListCores(t *testing.T) {
	cores := &fakeCores{infos: []manager.CoreInfo{
		{ID: protocol.WireGuard, Name: "WireGuard", Status: status.StateRunning, ActiveConnections: 3, Uptime: 60},
		{ID: protocol.OpenVPN, Name: "OpenVPN", Status: status.StateRunning, ActiveConnections: 4, Uptime: 5},
		{ID: protocol.DNSTT, Name: "DNSTT", Status: status.StateStopped},
	}}
	srv, _ := testServer(t, cores, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/cores")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decode[CoresResponse](t, rec)
	if len(resp.Cores) != 3 || resp.Running != 2 || resp.ActiveConnections != 7 {
		t.Errorf("response = %+v", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestCoreStatus(t *testing.T) {
	cores := &fakeCores{infos: []manager.CoreInfo{
		{ID: protocol.IKEv2, Name: "IKEv2/IPSec", Status: status.StateRunning, Port: 500},
	}}
	srv, _ := testServer(t, cores, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/cores/ikev2/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	info := decode[manager.CoreInfo](t, rec)
	if info.ID != protocol.IKEv2 || info.Port != 500 || info.Status != status.StateRunning {
		t.Errorf("info = %+v", info)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/cores/pptp/status")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown protocol status = %d, want 404", rec.Code)
	}
}

func TestCoreAction(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		doErr    error
		wantCode int
		wantErr  string
	}{
		{"start", "/api/v1/cores/wireguard/start", nil, http.StatusOK, ""},
		{"restart", "/api/v1/cores/openvpn/restart", nil, http.StatusOK, ""},
		{"unknown protocol", "/api/v1/cores/pptp/start", nil, http.StatusNotFound, ErrCodeNotFound},
		{"unknown action", "/api/v1/cores/wireguard/reload", nil, http.StatusBadRequest, ErrCodeUnknownAction},
		{"adapter failure", "/api/v1/cores/l2tp/start",
			fmt.Errorf("start l2tp: %w", errors.New("xl2tpd exited")), http.StatusInternalServerError, ErrCodeOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, &fakeCores{doErr: tt.doErr}, nil)
			rec := do(t, srv, http.MethodPost, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantErr == "" {
				resp := decode[ActionResponse](t, rec)
				if resp.Core.ID == "" || resp.Action == "" {
					t.Errorf("response = %+v", resp)
				}
				return
			}
			body := decode[errorResponse](t, rec)
			if body.Error.Code != tt.wantErr || body.Error.Message == "" {
				t.Errorf("error = %+v, want code %s", body.Error, tt.wantErr)
			}
		})
	}
}

func TestCoreAction_RecordsAction(t *testing.T) {
	cores := &fakeCores{}
	srv, _ := testServer(t, cores, nil)
	do(t, srv, http.MethodPost, "/api/v1/cores/dnstt/install")
	if len(cores.actions) != 1 || cores.actions[0] != "dnstt install" {
		t.Errorf("actions = %v", cores.actions)
	}
	rec := do(t, srv, http.MethodGet, "/api/v1/cores/dnstt/install")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on action status = %d, want 405", rec.Code)
	}
}

func TestCoreAction_SurvivesClientDisconnect(t *testing.T) {
	cores := &fakeCores{}
	srv, _ := testServer(t, cores, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cores/v2ray/start", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	cores.mu.Lock()
	defer cores.mu.Unlock()
	if !cores.doCalled {
		t.Fatal("Do was not called")
	}
	if cores.doCtxErr != nil {
		t.Errorf("action context error = %v, want detached from the request", cores.doCtxErr)
	}
	if !cores.doDeadline {
		t.Error("action context has no deadline")
	}
}

func TestLogs(t *testing.T) {
	srv, store := testServer(t, &fakeCores{}, nil)
	ctx := context.Background()
	for i := range 5 {
		if err := store.AppendLog(ctx, status.LevelInfo, "WireGuard", fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/logs?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[LogsResponse](t, rec)
	if len(resp.Logs) != 2 || resp.Logs[0].Message != "entry 4" {
		t.Errorf("logs = %+v, want the two newest", resp.Logs)
	}

	for _, bad := range []string{"0", "-1", "lots"} {
		if rec := do(t, srv, http.MethodGet, "/api/v1/logs?limit="+bad); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestLogs_Empty(t *testing.T) {
	srv, _ := testServer(t, &fakeCores{}, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/logs")
	if !strings.Contains(rec.Body.String(), `"logs":[]`) {
		t.Errorf("body = %s, want empty list", rec.Body)
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv, _ := testServer(t, &fakeCores{}, map[string]HealthChecker{
			"database": fakeHealth{},
			"mqtt":     nil,
		})
		rec := do(t, srv, http.MethodGet, "/health")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		resp := decode[HealthResponse](t, rec)
		if resp.Status != "ok" || resp.Version != "1.2.0" || resp.Checks["database"] != "ok" {
			t.Errorf("response = %+v", resp)
		}
		if _, ok := resp.Checks["mqtt"]; ok {
			t.Error("nil checker was reported")
		}
	})

	t.Run("degraded", func(t *testing.T) {
		srv, _ := testServer(t, &fakeCores{}, map[string]HealthChecker{
			"database": fakeHealth{},
			"mqtt":     fakeHealth{err: errors.New("mqtt not connected")},
		})
		rec := do(t, srv, http.MethodGet, "/health")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		resp := decode[HealthResponse](t, rec)
		if resp.Status != "degraded" || resp.Checks["mqtt"] != "mqtt not connected" {
			t.Errorf("response = %+v", resp)
		}
	})
}

func TestMetrics(t *testing.T) {
	srv, _ := testServer(t, &fakeCores{}, nil)
	rec := do(t, srv, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// Counter vectors with no children are not exported; the gauge help is
	// enough to show the registry is served.
	if body := rec.Body.String(); strings.Contains(body, "go_goroutines") {
		t.Error("default registry served instead of the configured one")
	}
}

func TestRecoversPanic(t *testing.T) {
	srv, _ := testServer(t, &fakeCores{panic: true}, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/cores")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStartAndClose(t *testing.T) {
	srv, _ := testServer(t, &fakeCores{}, nil)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
}
