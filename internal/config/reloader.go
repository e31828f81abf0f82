package config

import (
	"fmt"

	"github.com/cloudnative-pg/pg-keeper/internal/logging"
)

// FieldChange records one configuration field that differs between the
// running configuration and a reload candidate.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// Diff classifies the changes of one reload: accepted changes, rejected
// changes, and the side-effect flags the Keeper Loop acts on.
type Diff struct {
	Accepted []FieldChange
	Rejected []FieldChange

	// MetadataChanged is set when name, hostname or pgport changed, which
	// requires an update_node_metadata call against the monitor.
	MetadataChanged bool
	// TLSChanged is set when any TLS option changed, which requires
	// regenerating Postgres settings (and, on a standby, the standby
	// configuration file).
	TLSChanged bool
	// ReplicationChanged is set when the replication password changed,
	// which requires reapplying Postgres settings.
	ReplicationChanged bool
	// DebugChanged is set when the log verbosity flipped.
	DebugChanged bool
}

// HasChanges reports whether the reload accepted anything at all.
func (d Diff) HasChanges() bool {
	return len(d.Accepted) > 0
}

// Reloader implements the configuration half of the Config Reloader: it
// parses a candidate file, classifies every changed field per the
// legal/illegal table, and hands back the merged configuration plus a
// Diff. Rejected changes never stop the loop; the keeper keeps running
// with the old values.
type Reloader struct {
	Path string
}

// NewReloader builds a Reloader that reads the configuration file at path
// on every Reload.
func NewReloader(path string) *Reloader {
	return &Reloader{Path: path}
}

// Reload parses the candidate configuration and merges the legal changes
// into a copy of current. Illegal changes (pgdata, formation, dbname) are
// reported in Diff.Rejected and the old values are kept.
func (r *Reloader) Reload(current *KeeperConfig) (*KeeperConfig, Diff, error) {
	candidate, err := Load(r.Path)
	if err != nil {
		return nil, Diff{}, fmt.Errorf("while parsing reload candidate: %w", err)
	}
	return Merge(current, candidate), ComputeDiff(current, candidate), nil
}

// ComputeDiff classifies every field difference between current and
// candidate without applying anything.
func ComputeDiff(current, candidate *KeeperConfig) Diff {
	var d Diff

	record := func(changes *[]FieldChange, field, oldV, newV string) bool {
		if oldV == newV {
			return false
		}
		*changes = append(*changes, FieldChange{Field: field, Old: oldV, New: newV})
		return true
	}

	// Illegal at runtime: the data directory, the formation and the
	// database the node serves are part of the node's identity.
	record(&d.Rejected, "pgdata", current.PgData, candidate.PgData)
	record(&d.Rejected, "formation", current.Formation, candidate.Formation)
	record(&d.Rejected, "dbname", current.DBName, candidate.DBName)

	record(&d.Accepted, "monitor", current.MonitorURI, candidate.MonitorURI)
	if record(&d.Accepted, "name", current.Name, candidate.Name) {
		d.MetadataChanged = true
	}
	if record(&d.Accepted, "hostname", current.Hostname, candidate.Hostname) {
		d.MetadataChanged = true
	}
	if record(&d.Accepted, "pgport", itoa(current.PgPort), itoa(candidate.PgPort)) {
		d.MetadataChanged = true
	}
	if current.ReplicationPassword != candidate.ReplicationPassword {
		d.Accepted = append(d.Accepted, FieldChange{Field: "replication_password",
			Old: mask(current.ReplicationPassword), New: mask(candidate.ReplicationPassword)})
		d.ReplicationChanged = true
	}
	record(&d.Accepted, "backup_directory", current.BackupDirectory, candidate.BackupDirectory)
	record(&d.Accepted, "max_backup_rate", current.MaxBackupRate, candidate.MaxBackupRate)

	record(&d.Accepted, "timeouts.network_partition_timeout",
		itoa(current.Timeouts.NetworkPartition), itoa(candidate.Timeouts.NetworkPartition))
	record(&d.Accepted, "timeouts.postgresql_restart_failure_timeout",
		itoa(current.Timeouts.PostgresRestartFailure), itoa(candidate.Timeouts.PostgresRestartFailure))
	record(&d.Accepted, "timeouts.postgresql_restart_failure_max_retries",
		itoa(current.Timeouts.PostgresRestartMaxRetries), itoa(candidate.Timeouts.PostgresRestartMaxRetries))
	record(&d.Accepted, "timeouts.postgres_ping_retry_timeout",
		itoa(current.Timeouts.PostgresPingRetry), itoa(candidate.Timeouts.PostgresPingRetry))
	record(&d.Accepted, "timeouts.keeper_sleep_time",
		itoa(current.Timeouts.KeeperSleepTime), itoa(candidate.Timeouts.KeeperSleepTime))
	record(&d.Accepted, "timeouts.connect_timeout",
		itoa(current.Timeouts.ConnectTimeout), itoa(candidate.Timeouts.ConnectTimeout))

	if record(&d.Accepted, "tls.active", btoa(current.TLS.Active), btoa(candidate.TLS.Active)) {
		d.TLSChanged = true
	}
	if record(&d.Accepted, "tls.cert_file", current.TLS.CertFile, candidate.TLS.CertFile) {
		d.TLSChanged = true
	}
	if record(&d.Accepted, "tls.key_file", current.TLS.KeyFile, candidate.TLS.KeyFile) {
		d.TLSChanged = true
	}
	if record(&d.Accepted, "tls.ca_file", current.TLS.CAFile, candidate.TLS.CAFile) {
		d.TLSChanged = true
	}
	if record(&d.Accepted, "debug", btoa(current.Debug), btoa(candidate.Debug)) {
		d.DebugChanged = true
	}

	return d
}

// Merge builds the post-reload configuration: the candidate's legal
// fields over the current illegal ones.
func Merge(current, candidate *KeeperConfig) *KeeperConfig {
	merged := *candidate
	merged.PgData = current.PgData
	merged.Formation = current.Formation
	merged.DBName = current.DBName
	return &merged
}

// LogRejected warns about every rejected change, once per reload.
func (d Diff) LogRejected(log logging.Logger) {
	for _, change := range d.Rejected {
		log.Warning("rejecting illegal configuration change, keeping old value",
			"field", change.Field, "old", change.Old, "new", change.New)
	}
}

func itoa(v int) string { return fmt.Sprintf("%d", v) }

func btoa(v bool) string { return fmt.Sprintf("%t", v) }

// mask hides password values from Diff logging; ComputeDiff detects a
// change on the raw values, since the mask keeps only the length.
func mask(v string) string {
	if v == "" {
		return ""
	}
	return fmt.Sprintf("<redacted:%d>", len(v))
}
