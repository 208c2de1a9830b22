package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Till Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Terminal    TerminalConfig    `yaml:"terminal"`
	Database    DatabaseConfig    `yaml:"database"`
	Queue       QueueConfig       `yaml:"queue"`
	Transaction TransactionConfig `yaml:"transaction"`
	Sequence    SequenceConfig    `yaml:"sequence"`
	Backup      BackupConfig      `yaml:"backup"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TerminalConfig identifies the till this core runs on.
type TerminalConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// QueueConfig contains operation queue settings.
type QueueConfig struct {
	// Buffer is the number of entries that can wait before Enqueue blocks.
	Buffer int `yaml:"buffer"`
}

// TransactionConfig contains retry and deadline settings for transactions.
type TransactionConfig struct {
	// RetryCount is the total number of attempts per transaction.
	RetryCount int `yaml:"retry_count"`

	// Timeout is the per-attempt deadline (seconds).
	Timeout int `yaml:"timeout"`

	// BackoffStep is multiplied by the attempt number between attempts (milliseconds).
	BackoffStep int `yaml:"backoff_step"`
}

// SequenceConfig contains order number sequence settings.
type SequenceConfig struct {
	// AllowFallback issues a clock-derived sequence when the counter
	// table cannot be read or written. Numbers issued this way are
	// flagged as degraded and are not guaranteed unique.
	AllowFallback bool `yaml:"allow_fallback"`
}

// BackupConfig contains the daemon's maintenance schedule.
type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// Interval between backups (minutes).
	Interval int `yaml:"interval"`

	// IntegrityInterval between integrity checks (minutes).
	IntegrityInterval int `yaml:"integrity_interval"`

	// Keep is the number of backup files retained in Dir.
	Keep int `yaml:"keep"`
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
	MaxAttempts  int `yaml:"max_attempts"`
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

// APIConfig contains the daemon's local HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TILL_SECTION_KEY
// For example: TILL_DATABASE_PATH, TILL_TRANSACTION_TIMEOUT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// LoadOrDefault behaves like Load but falls back to defaults plus
// environment overrides when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Terminal: TerminalConfig{
			ID:       "till-01",
			Name:     "Till",
			Timezone: "Local",
		},
		Database: DatabaseConfig{
			Path:        "./data/till.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Queue: QueueConfig{
			Buffer: 64,
		},
		Transaction: TransactionConfig{
			RetryCount:  3,
			Timeout:     10,
			BackoffStep: 500,
		},
		Sequence: SequenceConfig{
			AllowFallback: true,
		},
		Backup: BackupConfig{
			Enabled:           true,
			Dir:               "./data/backups",
			Interval:          60,
			IntegrityInterval: 15,
			Keep:              24,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "till-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "till",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8470,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 120,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TILL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Terminal
	if v := os.Getenv("TILL_TERMINAL_ID"); v != "" {
		cfg.Terminal.ID = v
	}

	// Database
	if v := os.Getenv("TILL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Transaction
	if v, ok := envInt("TILL_TRANSACTION_RETRY_COUNT"); ok {
		cfg.Transaction.RetryCount = v
	}
	if v, ok := envInt("TILL_TRANSACTION_TIMEOUT"); ok {
		cfg.Transaction.Timeout = v
	}

	// Sequence
	if v, ok := envBool("TILL_SEQUENCE_ALLOW_FALLBACK"); ok {
		cfg.Sequence.AllowFallback = v
	}

	// Backup
	if v := os.Getenv("TILL_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}

	// MQTT
	if v, ok := envBool("TILL_MQTT_ENABLED"); ok {
		cfg.MQTT.Enabled = v
	}
	if v := os.Getenv("TILL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TILL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TILL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v, ok := envBool("TILL_INFLUXDB_ENABLED"); ok {
		cfg.InfluxDB.Enabled = v
	}
	if v := os.Getenv("TILL_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("TILL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v, ok := envBool("TILL_API_ENABLED"); ok {
		cfg.API.Enabled = v
	}
	if v, ok := envInt("TILL_API_PORT"); ok {
		cfg.API.Port = v
	}

	// Logging
	if v := os.Getenv("TILL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt reads an integer override. Unparseable values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envBool reads a boolean override. Unparseable values are ignored.
func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Terminal.ID == "" {
		errs = append(errs, "terminal.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.BusyTimeout < 0 {
		errs = append(errs, "database.busy_timeout must not be negative")
	}

	if c.Queue.Buffer < 0 {
		errs = append(errs, "queue.buffer must not be negative")
	}

	if c.Transaction.RetryCount < 1 {
		errs = append(errs, "transaction.retry_count must be at least 1")
	}
	if c.Transaction.Timeout < 1 {
		errs = append(errs, "transaction.timeout must be at least 1 second")
	}
	if c.Transaction.BackoffStep < 0 {
		errs = append(errs, "transaction.backoff_step must not be negative")
	}

	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			errs = append(errs, "backup.dir is required when backups are enabled")
		}
		if c.Backup.Interval < 1 {
			errs = append(errs, "backup.interval must be at least 1 minute")
		}
		if c.Backup.Keep < 1 {
			errs = append(errs, "backup.keep must be at least 1")
		}
	}
	if c.Backup.IntegrityInterval < 0 {
		errs = append(errs, "backup.integrity_interval must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetTransactionTimeout returns the per-attempt deadline as a Duration.
func (c *Config) GetTransactionTimeout() time.Duration {
	return time.Duration(c.Transaction.Timeout) * time.Second
}

// GetBackoffStep returns the retry backoff step as a Duration.
func (c *Config) GetBackoffStep() time.Duration {
	return time.Duration(c.Transaction.BackoffStep) * time.Millisecond
}

// GetBackupInterval returns the backup interval as a Duration.
func (c *Config) GetBackupInterval() time.Duration {
	return time.Duration(c.Backup.Interval) * time.Minute
}

// GetIntegrityInterval returns the integrity check interval as a Duration.
// Zero disables periodic checks.
func (c *Config) GetIntegrityInterval() time.Duration {
	return time.Duration(c.Backup.IntegrityInterval) * time.Minute
}
