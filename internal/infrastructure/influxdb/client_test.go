package influxdb_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/infrastructure/config"
	"github.com/candyconnect/candyconnect-core/internal/infrastructure/influxdb"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// testConfig targets a local development InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "candyconnect-dev-token",
		Org:           "candyconnect",
		Bucket:        "traffic",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func skipIfNoInfluxDB(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClient(t *testing.T) {
	var client *influxdb.Client

	if client.IsConnected() {
		t.Error("nil client reports connected")
	}
	client.WriteTraffic("wireguard", status.TotalClient, status.TrafficSample{BytesIn: 1}, time.Now())
	client.WriteCoreStatus("wireguard", true, 1, time.Second, time.Now())
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client := skipIfNoInfluxDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteTraffic(t *testing.T) {
	client := skipIfNoInfluxDB(t)

	var (
		mu       sync.Mutex
		writeErr error
	)
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	now := time.Now()
	client.WriteTraffic("wireguard", status.TotalClient, status.TrafficSample{BytesIn: 1024, BytesOut: 2048}, now)
	client.WriteTraffic("wireguard", "alice", status.TrafficSample{BytesIn: 10, BytesOut: 20}, now)
	client.WriteCoreStatus("wireguard", true, 2, 90*time.Second, now)
	client.Flush()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("write error = %v", writeErr)
	}
}

func TestClose(t *testing.T) {
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	client.Flush()
}
