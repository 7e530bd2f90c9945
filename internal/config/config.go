// Package config provides layered YAML-plus-environment configuration for
// the hurry client (cmd/hurry, cmd/hurryd) and the storage server
// (cmd/courier), in the teacher's style: a defaulted struct, a YAML
// overlay, then environment-variable overrides applied last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ClientConfig is cmd/hurry's and cmd/hurryd's configuration: where the
// storage server lives, how to authenticate to it, and the local daemon's
// discovery paths.
type ClientConfig struct {
	Server  ClientServerConfig  `yaml:"server"`
	Daemon  DaemonConfig        `yaml:"daemon"`
	Network NetworkConfig       `yaml:"network"`
	Logging LoggingConfig       `yaml:"logging"`
	Metrics MetricsConfig       `yaml:"metrics"`
}

// ClientServerConfig points the client at the storage server it uploads to
// and restores from.
type ClientServerConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// DaemonConfig controls where the upload daemon's discovery files and
// status database live, normally under the cargo home.
type DaemonConfig struct {
	CargoHome    string        `yaml:"cargo_home"`
	PidFile      string        `yaml:"pid_file"`
	SocketFile   string        `yaml:"socket_file"`
	StatusDBFile string        `yaml:"status_db_file"`
	SpawnWait    time.Duration `yaml:"spawn_wait"`
}

// ServerConfig is cmd/courier's configuration: listen address, database
// DSNs, CAS directory, and rate-limit/metrics toggles.
type ServerConfig struct {
	Listen     ListenConfig   `yaml:"listen"`
	Admin      ListenConfig   `yaml:"admin"`
	CAS        CASConfig      `yaml:"cas"`
	Database   DatabaseConfig `yaml:"database"`
	Network    NetworkConfig  `yaml:"network"`
	Logging    LoggingConfig  `yaml:"logging"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// ListenConfig is the address the storage server's HTTP API binds to.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// CASConfig points at the on-disk root of the sharded blob store.
type CASConfig struct {
	Directory string `yaml:"directory"`
}

// DatabaseConfig carries the pgx DSNs for the unit index and the auth/audit
// stores — kept as separate fields rather than one shared pool config
// since a deployment may split them across databases.
type DatabaseConfig struct {
	IndexDSN string `yaml:"index_dsn"`
	AuthDSN  string `yaml:"auth_dsn"`
	AuditDSN string `yaml:"audit_dsn"`
}

// NetworkConfig mirrors the teacher's network settings, reused as-is for
// both the client's CAS HTTP client and the server's listener timeouts.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultClientConfig returns cmd/hurry's defaults, rooted under the
// user's cargo home.
func DefaultClientConfig() *ClientConfig {
	cargoHome := os.Getenv("CARGO_HOME")
	if cargoHome == "" {
		home, _ := os.UserHomeDir()
		cargoHome = filepath.Join(home, ".cargo")
	}
	hurryDir := filepath.Join(cargoHome, "hurry")

	return &ClientConfig{
		Server: ClientServerConfig{
			URL: "https://cache.hurry.build/api/v1",
		},
		Daemon: DaemonConfig{
			CargoHome:    cargoHome,
			PidFile:      filepath.Join(hurryDir, "hurryd.pid"),
			SocketFile:   filepath.Join(hurryDir, "hurryd.sock"),
			StatusDBFile: filepath.Join(hurryDir, "hurryd.db"),
			SpawnWait:    5 * time.Second,
		},
		Network:   defaultNetworkConfig(),
		Logging:   LoggingConfig{Level: "INFO", Structured: true, Format: "text"},
		Metrics:   MetricsConfig{Enabled: false, Address: "127.0.0.1:9090"},
	}
}

// DefaultServerConfig returns cmd/courier's defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ListenConfig{Address: "0.0.0.0:8443"},
		Admin:  ListenConfig{Address: "127.0.0.1:8444"},
		CAS:    CASConfig{Directory: "/var/lib/hurry/cas"},
		Network: defaultNetworkConfig(),
		Logging: LoggingConfig{Level: "INFO", Structured: true, Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Address: "0.0.0.0:9090"},
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Timeouts: TimeoutConfig{
			Connect: 10 * time.Second,
			Read:    30 * time.Second,
			Write:   300 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
		},
	}
}

// LoadClientConfig reads path (if non-empty and present) as a YAML overlay
// onto DefaultClientConfig, then applies HURRY_-prefixed environment
// overrides.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadServerConfig reads path (if non-empty and present) as a YAML overlay
// onto DefaultServerConfig, then applies HURRY_-prefixed environment
// overrides.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *ClientConfig) applyEnv() {
	if v := os.Getenv("HURRY_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("HURRY_SERVER_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("HURRY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv("HURRY_LISTEN_ADDRESS"); v != "" {
		c.Listen.Address = v
	}
	if v := os.Getenv("HURRY_CAS_DIRECTORY"); v != "" {
		c.CAS.Directory = v
	}
	if v := os.Getenv("HURRY_INDEX_DSN"); v != "" {
		c.Database.IndexDSN = v
	}
	if v := os.Getenv("HURRY_AUTH_DSN"); v != "" {
		c.Database.AuthDSN = v
	}
	if v := os.Getenv("HURRY_AUDIT_DSN"); v != "" {
		c.Database.AuditDSN = v
	}
	if v := os.Getenv("HURRY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HURRY_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
}

// Validate checks a ServerConfig for the minimum configuration the server
// needs before it can start.
func (c *ServerConfig) Validate() error {
	if c.Database.IndexDSN == "" {
		return fmt.Errorf("config: database.index_dsn is required")
	}
	if c.CAS.Directory == "" {
		return fmt.Errorf("config: cas.directory is required")
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLevels, strings.ToUpper(c.Logging.Level)) {
		return fmt.Errorf("config: invalid logging.level %q (must be one of: %s)",
			c.Logging.Level, strings.Join(validLevels, ", "))
	}
	return nil
}

// Validate checks a ClientConfig for the minimum configuration the client
// needs before it can run.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("config: server.url is required")
	}
	return nil
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
