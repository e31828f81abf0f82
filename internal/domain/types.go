package domain

import "fmt"

// ControlData is the Postgres identity triple read either from a live
// `pg_control_system()` call or, when Postgres is not accepting
// connections, from `pg_controldata` on disk.
type ControlData struct {
	PgControlVersion uint32
	CatalogVersionNo uint32
	SystemIdentifier uint64
}

// KeeperState is the keeper's durable record. It is written at
// registration, read on every loop iteration and mutated only by the
// Keeper Loop and the Config Reloader.
type KeeperState struct {
	SchemaVersion int `yaml:"schema_version"`

	NodeID  int `yaml:"node_id"`
	GroupID int `yaml:"group_id"`

	CurrentRole  Role `yaml:"current_role"`
	AssignedRole Role `yaml:"assigned_role"`

	LastMonitorContact   int64 `yaml:"last_monitor_contact"`
	LastSecondaryContact int64 `yaml:"last_secondary_contact"`

	ControlData `yaml:",inline"`

	// PgStartRetries and PgFirstStartFailureTs track Postgres restart
	// failures for the report-pg-rule and the restart backoff in the
	// FSM reconciler's ensure-current phase.
	PgStartRetries        int   `yaml:"pg_start_retries"`
	PgFirstStartFailureTs int64 `yaml:"pg_first_start_failure_ts"`

	// StateCounter is a monotonically increasing write counter kept for
	// diagnostics only (`keeper status`); it has no bearing on any
	// invariant.
	StateCounter uint64 `yaml:"state_counter"`
}

// CurrentSchemaVersion is the only schema version this implementation
// knows how to read. A state file carrying any other value is rejected
// rather than partially parsed.
const CurrentSchemaVersion = 1

// NodeAddress is a peer in the replication group, as reported by the
// monitor's GetOtherNodes / NodeActive calls.
type NodeAddress struct {
	NodeID    int
	Name      string
	Host      string
	Port      int
	LSN       string
	IsPrimary bool
}

// LocalPgState is the transient, per-probe snapshot of the local Postgres
// instance.
type LocalPgState struct {
	PgIsRunning bool
	SyncState   string
	CurrentLSN  string
	Control     ControlData

	// Incomplete is set when the probe succeeded but had to fall back to a
	// degraded reading (e.g. an empty sync_state while acting as Primary).
	Incomplete bool

	FirstFailureTs int64
	Retries        int
}

// MonitorAssignedState is what `register_node` / `node_active` hand back:
// the monitor's verdict on this node's identity and target role.
type MonitorAssignedState struct {
	NodeID              int
	GroupID             int
	Role                Role
	CandidatePriority   int
	ReplicationQuorum   bool
	Name                string
}

// ReplicationSlotPrefix is the fixed prefix every pgautofailover-owned
// physical replication slot carries.
const ReplicationSlotPrefix = "pgautofailover_standby_"

// SlotName returns the replication slot name for a given peer node id.
func SlotName(nodeID int) string {
	return fmt.Sprintf("%s%d", ReplicationSlotPrefix, nodeID)
}

// ReplicationSlot is a physical replication slot maintained on behalf of a
// peer.
type ReplicationSlot struct {
	SlotName   string
	NodeID     int
	RestartLSN string
}
