// Package influxdb writes CandyConnect time series to InfluxDB v2.
//
// The manager records one traffic point per protocol on every traffic
// refresh and one availability point per protocol on every reconciliation
// pass, so operators can chart throughput and uptime without the panel
// keeping history.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without time series
//	}
//	defer client.Close()
//
//	client.WriteTraffic("wireguard", status.TotalClient, sample, time.Now())
//
// Writes are batched (batch_size, flush_interval) and never block the
// caller; write errors arrive on the SetOnError callback.
package influxdb
