package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/candyconnect/candyconnect-core/internal/status"
)

// Measurement names.
const (
	measurementTraffic = "core_traffic"
	measurementCore    = "core_status"
)

// clientTotal is the client tag value for protocol-wide counters.
const clientTotal = "_total"

func trafficPoint(protocol, client string, sample status.TrafficSample, at time.Time) *write.Point {
	if client == status.TotalClient {
		client = clientTotal
	}
	return write.NewPoint(
		measurementTraffic,
		map[string]string{"protocol": protocol, "client": client},
		map[string]interface{}{
			// InfluxDB has no unsigned type in line protocol v1 clients;
			// counters stay well below 2^63.
			"bytes_in":  int64(sample.BytesIn),  // #nosec G115
			"bytes_out": int64(sample.BytesOut), // #nosec G115
		},
		at,
	)
}

func corePoint(protocol string, running bool, connections int, uptime time.Duration, at time.Time) *write.Point {
	up := 0
	if running {
		up = 1
	}
	return write.NewPoint(
		measurementCore,
		map[string]string{"protocol": protocol},
		map[string]interface{}{
			"up":                 up,
			"active_connections": connections,
			"uptime_seconds":     int64(uptime / time.Second),
		},
		at,
	)
}

// WriteTraffic records a traffic counter pair. client is status.TotalClient
// for the protocol total.
func (c *Client) WriteTraffic(protocol, client string, sample status.TrafficSample, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(trafficPoint(protocol, client, sample, at))
}

// WriteCoreStatus records the availability of a protocol.
func (c *Client) WriteCoreStatus(protocol string, running bool, connections int, uptime time.Duration, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(corePoint(protocol, running, connections, uptime, at))
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
