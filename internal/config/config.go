// Package config provides YAML configuration loading and validation for the
// recorder and aggregator processes.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StorageDriver selects the Sink implementation the recorder ships events to
// once they leave the local durable queue.
type StorageDriver string

const (
	StorageDriverSQLite   StorageDriver = "sqlite"
	StorageDriverPostgres StorageDriver = "postgres"
)

var validStorageDrivers = map[StorageDriver]struct{}{
	StorageDriverSQLite:   {},
	StorageDriverPostgres: {},
}

// UnmarshalYAML normalizes and validates storage.driver at parse time.
func (d *StorageDriver) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	normalized := StorageDriver(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validStorageDrivers[normalized]; !ok {
		return fmt.Errorf("invalid storage driver %q: must be one of sqlite, postgres", raw)
	}
	*d = normalized
	return nil
}

// LogLevel is the minimum severity emitted by the process logger.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var validLogLevels = map[LogLevel]struct{}{
	LogLevelDebug: {},
	LogLevelInfo:  {},
	LogLevelWarn:  {},
	LogLevelError: {},
}

// UnmarshalYAML normalizes and validates log_level at parse time.
func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	normalized := LogLevel(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validLogLevels[normalized]; !ok {
		return fmt.Errorf("invalid log_level %q: must be one of debug, info, warn, error", raw)
	}
	*l = normalized
	return nil
}

// RingCapacity is the byte size of the eBPF ring buffer map. The kernel
// requires ring buffer sizes to be a power of two, so that constraint is
// enforced at parse time rather than left to fail inside the probe loader.
type RingCapacity uint64

// UnmarshalYAML validates that ring_capacity is a non-zero power of two.
func (c *RingCapacity) UnmarshalYAML(value *yaml.Node) error {
	var raw uint64
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == 0 || raw&(raw-1) != 0 {
		return fmt.Errorf("invalid ring_capacity %d: must be a non-zero power of two", raw)
	}
	*c = RingCapacity(raw)
	return nil
}

// TLSConfig holds certificate and key paths for the aggregator's HTTPS
// listener.
type TLSConfig struct {
	// Cert is the path to the PEM-encoded server certificate.
	Cert string `yaml:"cert"`
	// Key is the path to the PEM-encoded server private key.
	Key string `yaml:"key"`
}

// StorageConfig selects and configures where recorded events ultimately land.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver StorageDriver `yaml:"driver"`
	// DSN is the driver-specific connection string: a filesystem path for
	// sqlite, or a libpq connection URL for postgres.
	DSN string `yaml:"dsn"`

	// UpstreamDSN is an optional libpq connection URL. When Driver is
	// "sqlite", a non-empty UpstreamDSN makes the local queue drain into a
	// Postgres store rather than sitting idle; it has no effect when Driver
	// is "postgres", since that mode already writes straight to Postgres.
	UpstreamDSN string `yaml:"upstream_dsn"`
}

// AggregatorConfig configures the HTTPS query service.
type AggregatorConfig struct {
	// ListenAddr is the host:port the aggregator's HTTPS server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// TLS holds the server certificate and key paths.
	TLS TLSConfig `yaml:"tls"`
	// JWTSigningKeyFile is the path to the PEM-encoded RSA public key used to
	// validate bearer tokens on the query endpoints. When empty, the
	// aggregator serves those endpoints without authentication — intended
	// only for local development.
	JWTSigningKeyFile string `yaml:"jwt_signing_key_file"`

	// AuditLogPath is the path to the hash-chained audit log recording every
	// query made against the /connections* endpoints. When empty, query
	// auditing is disabled.
	AuditLogPath string `yaml:"audit_log_path"`
}

// Config is the top-level configuration shared by the recorder and
// aggregator binaries. Each process reads only the sections it needs.
type Config struct {
	// P2PPort is the well-known libp2p listen port; a connection whose
	// remote port equals it is recorded as Mina protocol traffic. Defaults
	// to 8302.
	P2PPort int `yaml:"p2p_port"`

	// EphemeralPortMin is the lowest remote port at which the recorder also
	// records an incoming connection whose remote port is not P2PPort.
	// Defaults to 49152.
	EphemeralPortMin int `yaml:"ephemeral_port_min"`

	// RingCapacity is the eBPF ring buffer size in bytes. Must be a power of
	// two. Defaults to 512 MiB.
	RingCapacity RingCapacity `yaml:"ring_capacity"`

	// AliasEnvVar names the environment variable that carries a traced
	// process's human-readable alias. Defaults to "BPF_ALIAS". The probe
	// matches the fixed BPF_ALIAS prefix; this value is not passed to it.
	AliasEnvVar string `yaml:"alias_env_var"`

	// Storage configures the recorder's upstream sink.
	Storage StorageConfig `yaml:"storage"`

	// Aggregator configures the HTTPS query service.
	Aggregator AggregatorConfig `yaml:"aggregator"`

	// LogLevel sets the minimum log severity. Defaults to "info".
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address for the /metrics Prometheus
	// endpoint. Defaults to "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr"`
}

const (
	defaultP2PPort        = 8302
	defaultEphemeralMin   = 49152
	defaultRingCapacity   = 512 * 1024 * 1024
	defaultAliasEnvVar    = "BPF_ALIAS"
	defaultMetricsAddr    = "127.0.0.1:9464"
	defaultAggregatorAddr = "0.0.0.0:8443"
)

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if errs := validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("config: validation failed for %q:\n  - %s", path, strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.P2PPort == 0 {
		cfg.P2PPort = defaultP2PPort
	}
	if cfg.EphemeralPortMin == 0 {
		cfg.EphemeralPortMin = defaultEphemeralMin
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.AliasEnvVar == "" {
		cfg.AliasEnvVar = defaultAliasEnvVar
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogLevelInfo
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.Aggregator.ListenAddr == "" {
		cfg.Aggregator.ListenAddr = defaultAggregatorAddr
	}
}

// validate checks that all required fields are populated and internally
// consistent, returning every problem found rather than stopping at the
// first.
func validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.P2PPort < 1 || cfg.P2PPort > 65535 {
		add("p2p_port %d is out of range; must be between 1 and 65535", cfg.P2PPort)
	}
	if cfg.EphemeralPortMin < 1 || cfg.EphemeralPortMin > 65535 {
		add("ephemeral_port_min %d is out of range; must be between 1 and 65535", cfg.EphemeralPortMin)
	}
	if cfg.RingCapacity != 0 && (uint64(cfg.RingCapacity)&(uint64(cfg.RingCapacity)-1)) != 0 {
		add("ring_capacity %d must be a power of two", cfg.RingCapacity)
	}

	if cfg.Storage.Driver == "" {
		add("storage.driver is required")
	}
	if cfg.Storage.DSN == "" {
		add("storage.dsn is required")
	}

	if _, ok := validLogLevels[cfg.LogLevel]; !ok {
		add("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	if cfg.Aggregator.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Aggregator.ListenAddr); err != nil {
			add("aggregator.listen_addr %q is not a valid host:port address: %v", cfg.Aggregator.ListenAddr, err)
		}
	}
	if (cfg.Aggregator.TLS.Cert == "") != (cfg.Aggregator.TLS.Key == "") {
		add("aggregator.tls.cert and aggregator.tls.key must both be set or both be empty")
	}

	return errs
}
