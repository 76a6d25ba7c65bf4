package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for CandyConnect Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Status     StatusConfig     `yaml:"status"`
	Xray       XrayConfig       `yaml:"xray"`
}

// ServerConfig identifies this host to clients.
type ServerConfig struct {
	// Name is reported in logs and MQTT topics.
	Name string `yaml:"name"`

	// Address is the public address handed to clients in connection info.
	// If empty, the first address reported by the host is used.
	Address string `yaml:"address"`
}

// PathsConfig holds the on-disk locations the adapters write to.
type PathsConfig struct {
	// DataDir is the CandyConnect data root. Default: /opt/candyconnect
	DataDir string `yaml:"data_dir"`

	// CoreDir holds downloaded core binaries. Default: <data_dir>/cores
	CoreDir string `yaml:"core_dir"`

	WireGuardDir string `yaml:"wireguard_dir"`
	OpenVPNDir   string `yaml:"openvpn_dir"`
	EasyRSADir   string `yaml:"easyrsa_dir"`
	IPSecDir     string `yaml:"ipsec_dir"`
	PPPDir       string `yaml:"ppp_dir"`
	XL2TPDDir    string `yaml:"xl2tpd_dir"`
	DNSTTBinary  string `yaml:"dnstt_binary"`
	SysClassNet  string `yaml:"sys_class_net"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
// When Path is set, log output is also written to a rotating file.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// ExecutorConfig controls how external commands are run.
type ExecutorConfig struct {
	// Timeout bounds every command that does not set its own. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// Sudo wraps every command in "sudo -n --". Leave off when running as root.
	Sudo bool `yaml:"sudo"`

	// AptAttempts and AptBackoff control retries on package manager lock contention.
	AptAttempts int           `yaml:"apt_attempts"`
	AptBackoff  time.Duration `yaml:"apt_backoff"`

	// AptTimeout bounds a single apt-get invocation. Default: 180s
	AptTimeout time.Duration `yaml:"apt_timeout"`

	// AuditProbes also records successful read-only status queries in the
	// operator log. Failed probes are always recorded.
	AuditProbes bool `yaml:"audit_probes"`
}

// SupervisorConfig controls daemon start and stop behaviour.
type SupervisorConfig struct {
	// GraceWindow is how long a freshly started daemon must survive
	// before the start is declared successful. Default: 1.5s
	GraceWindow time.Duration `yaml:"grace_window"`

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL. Default: 5s
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// KillWait is how long to wait for the process to disappear after SIGKILL. Default: 2s
	KillWait time.Duration `yaml:"kill_wait"`

	// RestartPause is the pause between stop and start on restart. Default: 1s
	RestartPause time.Duration `yaml:"restart_pause"`

	// StopOnExit stops the daemons this service spawned when it shuts down.
	// Service-managed cores are never touched.
	StopOnExit bool `yaml:"stop_on_exit"`
}

// SchedulerConfig controls the background loops.
type SchedulerConfig struct {
	TrafficInterval time.Duration `yaml:"traffic_interval"`
	StatusInterval  time.Duration `yaml:"status_interval"`
}

// StatusConfig controls the status store.
type StatusConfig struct {
	// MaxLogs caps the number of retained log entries. Default: 1000
	MaxLogs int `yaml:"max_logs"`
}

// XrayConfig controls where the Xray core is downloaded from.
type XrayConfig struct {
	ReleaseURL string `yaml:"release_url"`
	AssetName  string `yaml:"asset_name"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CANDYCONNECT_SECTION_KEY
// For example: CANDYCONNECT_DATABASE_PATH, CANDYCONNECT_API_PORT
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with the defaults used when no file overrides them.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Name: "candyconnect",
		},
		Paths: PathsConfig{
			DataDir:      "/opt/candyconnect",
			WireGuardDir: "/etc/wireguard",
			OpenVPNDir:   "/etc/openvpn/server",
			EasyRSADir:   "/etc/openvpn/easy-rsa",
			IPSecDir:     "/etc",
			PPPDir:       "/etc/ppp",
			XL2TPDDir:    "/etc/xl2tpd",
			DNSTTBinary:  "/usr/local/bin/dnstt-server",
			SysClassNet:  "/sys/class/net",
		},
		Database: DatabaseConfig{
			Path:        "/opt/candyconnect/data/candyconnect.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "candyconnect-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8444,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 300,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Org:           "candyconnect",
			Bucket:        "traffic",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     30,
			},
		},
		Executor: ExecutorConfig{
			Timeout:     30 * time.Second,
			AptAttempts: 5,
			AptBackoff:  10 * time.Second,
			AptTimeout:  180 * time.Second,
		},
		Supervisor: SupervisorConfig{
			GraceWindow:     1500 * time.Millisecond,
			GracefulTimeout: 5 * time.Second,
			KillWait:        2 * time.Second,
			RestartPause:    1 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TrafficInterval: 30 * time.Second,
			StatusInterval:  60 * time.Second,
		},
		Status: StatusConfig{
			MaxLogs: 1000,
		},
		Xray: XrayConfig{
			ReleaseURL: "https://api.github.com/repos/XTLS/Xray-core/releases/latest",
			AssetName:  "Xray-linux-64.zip",
		},
	}
	return cfg
}

// CoreDir returns paths.core_dir, defaulting to <data_dir>/cores.
func (c *Config) CoreDir() string {
	if c.Paths.CoreDir != "" {
		return c.Paths.CoreDir
	}
	return filepath.Join(c.Paths.DataDir, "cores")
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CANDYCONNECT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANDYCONNECT_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("CANDYCONNECT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}

	// Database
	if v := os.Getenv("CANDYCONNECT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CANDYCONNECT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CANDYCONNECT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CANDYCONNECT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("CANDYCONNECT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CANDYCONNECT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("CANDYCONNECT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("CANDYCONNECT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Paths.DataDir == "" {
		errs = append(errs, "paths.data_dir is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Executor.Timeout <= 0 {
		errs = append(errs, "executor.timeout must be positive")
	}
	if c.Executor.AptAttempts < 1 {
		errs = append(errs, "executor.apt_attempts must be at least 1")
	}
	if c.Executor.AptBackoff < 0 {
		errs = append(errs, "executor.apt_backoff must not be negative")
	}

	if c.Supervisor.GraceWindow <= 0 {
		errs = append(errs, "supervisor.grace_window must be positive")
	}
	if c.Supervisor.GracefulTimeout <= 0 {
		errs = append(errs, "supervisor.graceful_timeout must be positive")
	}

	if c.Scheduler.TrafficInterval <= 0 {
		errs = append(errs, "scheduler.traffic_interval must be positive")
	}
	if c.Scheduler.StatusInterval <= 0 {
		errs = append(errs, "scheduler.status_interval must be positive")
	}

	if c.Status.MaxLogs < 1 {
		errs = append(errs, "status.max_logs must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
