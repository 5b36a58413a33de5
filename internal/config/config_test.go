package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mina-net/debugger/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
p2p_port: 8302
ephemeral_port_min: 49152
ring_capacity: 536870912
alias_env_var: BPF_ALIAS
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
aggregator:
  listen_addr: 0.0.0.0:8443
  tls:
    cert: /etc/mina-debugger/tls.crt
    key: /etc/mina-debugger/tls.key
  jwt_signing_key_file: /etc/mina-debugger/jwt.key
log_level: debug
metrics_addr: 127.0.0.1:9464
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.P2PPort != 8302 {
		t.Errorf("P2PPort = %d, want 8302", cfg.P2PPort)
	}
	if cfg.EphemeralPortMin != 49152 {
		t.Errorf("EphemeralPortMin = %d, want 49152", cfg.EphemeralPortMin)
	}
	if cfg.RingCapacity != 536870912 {
		t.Errorf("RingCapacity = %d, want 536870912", cfg.RingCapacity)
	}
	if cfg.AliasEnvVar != "BPF_ALIAS" {
		t.Errorf("AliasEnvVar = %q", cfg.AliasEnvVar)
	}
	if cfg.Storage.Driver != config.StorageDriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "/var/lib/mina-debugger/queue.db" {
		t.Errorf("Storage.DSN = %q", cfg.Storage.DSN)
	}
	if cfg.Aggregator.ListenAddr != "0.0.0.0:8443" {
		t.Errorf("Aggregator.ListenAddr = %q", cfg.Aggregator.ListenAddr)
	}
	if cfg.Aggregator.TLS.Cert != "/etc/mina-debugger/tls.crt" {
		t.Errorf("Aggregator.TLS.Cert = %q", cfg.Aggregator.TLS.Cert)
	}
	if cfg.Aggregator.JWTSigningKeyFile != "/etc/mina-debugger/jwt.key" {
		t.Errorf("Aggregator.JWTSigningKeyFile = %q", cfg.Aggregator.JWTSigningKeyFile)
	}
	if cfg.LogLevel != config.LogLevelDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.P2PPort != 8302 {
		t.Errorf("default P2PPort = %d, want 8302", cfg.P2PPort)
	}
	if cfg.EphemeralPortMin != 49152 {
		t.Errorf("default EphemeralPortMin = %d, want 49152", cfg.EphemeralPortMin)
	}
	if cfg.RingCapacity != 512*1024*1024 {
		t.Errorf("default RingCapacity = %d, want %d", cfg.RingCapacity, 512*1024*1024)
	}
	if cfg.AliasEnvVar != "BPF_ALIAS" {
		t.Errorf("default AliasEnvVar = %q, want BPF_ALIAS", cfg.AliasEnvVar)
	}
	if cfg.LogLevel != config.LogLevelInfo {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("default MetricsAddr = %q, want 127.0.0.1:9464", cfg.MetricsAddr)
	}
	if cfg.Aggregator.ListenAddr != "0.0.0.0:8443" {
		t.Errorf("default Aggregator.ListenAddr = %q, want 0.0.0.0:8443", cfg.Aggregator.ListenAddr)
	}
}

func TestLoadConfig_MissingStorageDriver(t *testing.T) {
	yaml := `
storage:
  dsn: /var/lib/mina-debugger/queue.db
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing storage.driver, got nil")
	}
	if !strings.Contains(err.Error(), "storage.driver") {
		t.Errorf("error %q does not mention storage.driver", err.Error())
	}
}

func TestLoadConfig_MissingStorageDSN(t *testing.T) {
	yaml := `
storage:
  driver: postgres
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing storage.dsn, got nil")
	}
	if !strings.Contains(err.Error(), "storage.dsn") {
		t.Errorf("error %q does not mention storage.dsn", err.Error())
	}
}

func TestLoadConfig_InvalidStorageDriver(t *testing.T) {
	yaml := `
storage:
  driver: mysql
  dsn: "somewhere"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid storage.driver, got nil")
	}
	if !strings.Contains(err.Error(), "mysql") {
		t.Errorf("error %q does not mention invalid driver %q", err.Error(), "mysql")
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_RingCapacityNotPowerOfTwo(t *testing.T) {
	yaml := `
ring_capacity: 100000000
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for non-power-of-two ring_capacity, got nil")
	}
	if !strings.Contains(err.Error(), "power of two") {
		t.Errorf("error %q does not mention power of two constraint", err.Error())
	}
}

func TestLoadConfig_InvalidPortRange(t *testing.T) {
	yaml := `
p2p_port: 99999
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for out-of-range p2p_port, got nil")
	}
	if !strings.Contains(err.Error(), "p2p_port") {
		t.Errorf("error %q does not mention p2p_port", err.Error())
	}
}

func TestLoadConfig_MismatchedTLSPair(t *testing.T) {
	yaml := `
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
aggregator:
  tls:
    cert: /etc/mina-debugger/tls.crt
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for mismatched TLS cert/key pair, got nil")
	}
	if !strings.Contains(err.Error(), "tls.cert") {
		t.Errorf("error %q does not mention tls.cert/tls.key", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	yaml := `
storage:
  driver: sqlite
  dsn: /var/lib/mina-debugger/queue.db
unknown_top_level_field: true
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}
