// Package config loads the CandyConnect Core configuration.
//
// Values are resolved in order: built-in defaults (Default), the YAML file,
// then CANDYCONNECT_* environment variables. Validate collects every problem
// into one error rather than stopping at the first.
//
// The file path comes from CANDYCONNECT_CONFIG or the --config flag and
// defaults to configs/config.yaml. Durations in the executor, supervisor and
// scheduler sections are Go duration strings such as "1.5s" or "2m".
//
// Paths under the paths section point the protocol adapters at the host's
// daemon configuration (/etc/wireguard, /etc/openvpn/server, /etc/ipsec.d
// and so on); tests point them into a temp dir.
//
// Keep the broker password and the InfluxDB token out of the file and set
// CANDYCONNECT_MQTT_PASSWORD and CANDYCONNECT_INFLUXDB_TOKEN instead.
package config
