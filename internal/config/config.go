// Package config holds the keeper's configuration: a YAML file parsed
// with gopkg.in/yaml.v3 plus a small set of environment overrides, and the
// Config Reloader that classifies runtime changes as legal or illegal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sethvargo/go-password/password"
	"gopkg.in/yaml.v3"
)

// Environment variables honored on top of the configuration file.
const (
	EnvMonitorURI      = "PG_AUTOCTL_MONITOR"
	EnvDebug           = "PG_AUTOCTL_DEBUG"
	EnvKeeperSleepTime = "PG_AUTOCTL_KEEPER_SLEEP_TIME"
	EnvLogSemaphoreID  = "PG_AUTOCTL_LOG_SEMAPHORE"
)

// TLSOptions groups the SSL settings the keeper passes down to Postgres
// and uses to decide between `host` and `hostssl` HBA rules.
type TLSOptions struct {
	Active   bool   `yaml:"active"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Timeouts bundles every duration and retry bound the keeper consults.
// All values are seconds unless the field name says otherwise.
type Timeouts struct {
	NetworkPartition          int `yaml:"network_partition_timeout"`
	PostgresRestartFailure    int `yaml:"postgresql_restart_failure_timeout"`
	PostgresRestartMaxRetries int `yaml:"postgresql_restart_failure_max_retries"`
	PostgresPingRetry         int `yaml:"postgres_ping_retry_timeout"`
	KeeperSleepTime           int `yaml:"keeper_sleep_time"`
	ConnectTimeout            int `yaml:"connect_timeout"`
}

// KeeperConfig is the full keeper configuration.
type KeeperConfig struct {
	MonitorURI string `yaml:"monitor"`
	Formation  string `yaml:"formation"`
	Name       string `yaml:"name"`
	Hostname   string `yaml:"hostname"`

	PgData     string `yaml:"pgdata"`
	PgPort     int    `yaml:"pgport"`
	DBName     string `yaml:"dbname"`
	PgCtl      string `yaml:"pg_ctl"`
	AuthMethod string `yaml:"auth_method"`

	ReplicationUser     string `yaml:"replication_user"`
	ReplicationPassword string `yaml:"replication_password"`

	BackupDirectory string `yaml:"backup_directory"`
	MaxBackupRate   string `yaml:"max_backup_rate"`

	CandidatePriority int  `yaml:"candidate_priority"`
	ReplicationQuorum bool `yaml:"replication_quorum"`

	// Standalone runs the keeper with no monitor at all: the reporting
	// steps of the loop are skipped and the FSM always targets Single.
	Standalone bool `yaml:"standalone"`
	// ForceRegister allows `register` to overwrite an existing, readable
	// state file instead of refusing to re-register over it.
	ForceRegister bool `yaml:"force_register"`
	Debug         bool `yaml:"debug"`

	Timeouts Timeouts   `yaml:"timeouts"`
	TLS      TLSOptions `yaml:"tls"`
}

// Defaults mirrored from pg_auto_failover's own configuration defaults.
const (
	DefaultFormation                 = "default"
	DefaultDBName                    = "postgres"
	DefaultPgPort                    = 5432
	DefaultAuthMethod                = "trust"
	DefaultReplicationUser           = "pgautofailover_replicator"
	DefaultMaxBackupRate             = "100M"
	DefaultNetworkPartitionTimeout   = 20
	DefaultRestartFailureTimeout     = 20
	DefaultRestartFailureMaxRetries  = 3
	DefaultPostgresPingRetryTimeout  = 15
	DefaultKeeperSleepTime           = 5
	DefaultConnectTimeout            = 2
	generatedPasswordLength          = 24
	generatedPasswordDigits          = 8
)

// Load reads, defaults and validates the configuration file at path,
// applying environment overrides last.
func Load(path string) (*KeeperConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("while reading configuration file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document, fills in defaults, applies
// environment overrides and validates the result.
func Parse(data []byte) (*KeeperConfig, error) {
	var cfg KeeperConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("while decoding configuration: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *KeeperConfig) applyDefaults() {
	if c.Formation == "" {
		c.Formation = DefaultFormation
	}
	if c.DBName == "" {
		c.DBName = DefaultDBName
	}
	if c.PgPort == 0 {
		c.PgPort = DefaultPgPort
	}
	if c.AuthMethod == "" {
		c.AuthMethod = DefaultAuthMethod
	}
	if c.ReplicationUser == "" {
		c.ReplicationUser = DefaultReplicationUser
	}
	if c.MaxBackupRate == "" {
		c.MaxBackupRate = DefaultMaxBackupRate
	}
	if c.Timeouts.NetworkPartition == 0 {
		c.Timeouts.NetworkPartition = DefaultNetworkPartitionTimeout
	}
	if c.Timeouts.PostgresRestartFailure == 0 {
		c.Timeouts.PostgresRestartFailure = DefaultRestartFailureTimeout
	}
	if c.Timeouts.PostgresRestartMaxRetries == 0 {
		c.Timeouts.PostgresRestartMaxRetries = DefaultRestartFailureMaxRetries
	}
	if c.Timeouts.PostgresPingRetry == 0 {
		c.Timeouts.PostgresPingRetry = DefaultPostgresPingRetryTimeout
	}
	if c.Timeouts.KeeperSleepTime == 0 {
		c.Timeouts.KeeperSleepTime = DefaultKeeperSleepTime
	}
	if c.Timeouts.ConnectTimeout == 0 {
		c.Timeouts.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BackupDirectory == "" && c.PgData != "" {
		c.BackupDirectory = filepath.Join(filepath.Dir(c.PgData), "backup")
	}
}

func (c *KeeperConfig) applyEnvironment() error {
	if v := os.Getenv(EnvMonitorURI); v != "" {
		c.MonitorURI = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		c.Debug = v != "0" && v != "false"
	}
	if v := os.Getenv(EnvKeeperSleepTime); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvKeeperSleepTime, v, err)
		}
		c.Timeouts.KeeperSleepTime = seconds
	}
	return nil
}

// Validate checks the fields no default can supply.
func (c *KeeperConfig) Validate() error {
	if c.PgData == "" {
		return fmt.Errorf("configuration is missing pgdata")
	}
	if !c.Standalone && c.MonitorURI == "" {
		return fmt.Errorf("configuration is missing the monitor URI (and standalone mode is off)")
	}
	if c.Hostname == "" {
		return fmt.Errorf("configuration is missing the hostname")
	}
	if c.Name == "" {
		return fmt.Errorf("configuration is missing the node name")
	}
	return nil
}

// EnsureReplicationPassword generates a replication password when the
// configuration does not supply one, so a bare configuration still yields
// a working replication setup.
func (c *KeeperConfig) EnsureReplicationPassword() error {
	if c.ReplicationPassword != "" {
		return nil
	}
	generated, err := password.Generate(generatedPasswordLength, generatedPasswordDigits, 0, false, false)
	if err != nil {
		return fmt.Errorf("while generating a replication password: %w", err)
	}
	c.ReplicationPassword = generated
	return nil
}

// StateFilePath is the durable KeeperState location, computed once from
// the configuration at startup.
func (c *KeeperConfig) StateFilePath() string {
	return filepath.Join(filepath.Dir(c.PgData), "pg-keeper.state")
}

// InitFilePath marks that registration completed; its presence
// distinguishes an initialized node from one that crashed mid-register.
func (c *KeeperConfig) InitFilePath() string {
	return filepath.Join(filepath.Dir(c.PgData), "pg-keeper.init")
}

// PidFilePath is the keeper's own pidfile, enforcing exclusive ownership
// of the data directory.
func (c *KeeperConfig) PidFilePath() string {
	return filepath.Join(filepath.Dir(c.PgData), "pg-keeper.pid")
}

// HBAFilePath is the pg_hba.conf the HBA Manager edits.
func (c *KeeperConfig) HBAFilePath() string {
	return filepath.Join(c.PgData, "pg_hba.conf")
}

// LocalConnInfo is the conninfo string for the local Postgres instance.
func (c *KeeperConfig) LocalConnInfo() string {
	return fmt.Sprintf("host=localhost port=%d dbname=%s sslmode=disable connect_timeout=%d",
		c.PgPort, c.DBName, c.Timeouts.ConnectTimeout)
}
