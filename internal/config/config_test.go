package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalConfig = `
monitor: "postgres://autoctl_node@monitor/pg_auto_failover"
name: node1
hostname: 10.0.0.1
pgdata: /var/lib/postgres/node1/pgdata
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Formation != DefaultFormation {
		t.Errorf("expected default formation, got %q", cfg.Formation)
	}
	if cfg.PgPort != DefaultPgPort {
		t.Errorf("expected default port, got %d", cfg.PgPort)
	}
	if cfg.Timeouts.NetworkPartition != DefaultNetworkPartitionTimeout {
		t.Errorf("expected default network partition timeout, got %d", cfg.Timeouts.NetworkPartition)
	}
	if cfg.ReplicationUser != DefaultReplicationUser {
		t.Errorf("expected default replication user, got %q", cfg.ReplicationUser)
	}
}

func TestParseRejectsMissingPgdata(t *testing.T) {
	if _, err := Parse([]byte(`monitor: "postgres://m"` + "\nname: n1\nhostname: h1\n")); err == nil {
		t.Fatal("expected an error for a configuration without pgdata")
	}
}

func TestParseRejectsMissingMonitorUnlessStandalone(t *testing.T) {
	base := "name: n1\nhostname: h1\npgdata: /tmp/pgdata\n"
	if _, err := Parse([]byte(base)); err == nil {
		t.Fatal("expected an error for a monitor-less, non-standalone configuration")
	}
	if _, err := Parse([]byte(base + "standalone: true\n")); err != nil {
		t.Fatalf("standalone mode must not require a monitor URI: %v", err)
	}
}

func TestEnvironmentOverridesSleepTime(t *testing.T) {
	t.Setenv(EnvKeeperSleepTime, "30")
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeouts.KeeperSleepTime != 30 {
		t.Fatalf("expected sleep time overridden to 30, got %d", cfg.Timeouts.KeeperSleepTime)
	}
}

func TestEnsureReplicationPasswordGeneratesOnce(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureReplicationPassword(); err != nil {
		t.Fatal(err)
	}
	if cfg.ReplicationPassword == "" {
		t.Fatal("expected a generated replication password")
	}
	generated := cfg.ReplicationPassword
	if err := cfg.EnsureReplicationPassword(); err != nil {
		t.Fatal(err)
	}
	if cfg.ReplicationPassword != generated {
		t.Fatal("a supplied password must not be regenerated")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	parent := filepath.Dir(cfg.PgData)
	if filepath.Dir(cfg.StateFilePath()) != parent {
		t.Errorf("state file must live next to pgdata, got %q", cfg.StateFilePath())
	}
	if cfg.HBAFilePath() != filepath.Join(cfg.PgData, "pg_hba.conf") {
		t.Errorf("unexpected HBA path %q", cfg.HBAFilePath())
	}
}

func TestLoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "node1" {
		t.Fatalf("unexpected name %q", cfg.Name)
	}
}
