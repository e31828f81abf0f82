// Package domain holds the data model shared by every component of the
// keeper: roles, peers, and the transient and persisted state records that
// flow between the Postgres probe, the monitor client and the FSM
// reconciler.
package domain

import "fmt"

// Role is the keeper's replication-role state, the closed enumeration the
// monitor's FSM assigns to and reports on. Unknown names from the monitor
// must be rejected rather than silently mapped to a default.
type Role string

// The full, exhaustive set of roles known to the FSM.
const (
	RoleInit             Role = "init"
	RoleSingle           Role = "single"
	RoleWaitPrimary      Role = "wait_primary"
	RolePrimary          Role = "primary"
	RolePrepPromotion    Role = "prepare_promotion"
	RoleStopReplication  Role = "stop_replication"
	RoleWaitStandby      Role = "wait_standby"
	RoleCatchingUp       Role = "catchingup"
	RoleSecondary        Role = "secondary"
	RoleMaintenance      Role = "maintenance"
	RoleApplySettings    Role = "apply_settings"
	RoleDraining         Role = "draining"
	RoleDemoteTimeout    Role = "demote_timeout"
	RoleDemoted          Role = "demoted"
	RoleReportLSN        Role = "report_lsn"
	RoleDropped          Role = "dropped"

	// RoleNoState is a sentinel meaning "role not yet known", e.g. before
	// the first successful registration.
	RoleNoState Role = ""
	// RoleAnyState is a query-filter sentinel; it is never a real role a
	// node can be assigned or persist.
	RoleAnyState Role = "*"
)

var knownRoles = map[Role]struct{}{
	RoleInit: {}, RoleSingle: {}, RoleWaitPrimary: {}, RolePrimary: {},
	RolePrepPromotion: {}, RoleStopReplication: {}, RoleWaitStandby: {},
	RoleCatchingUp: {}, RoleSecondary: {}, RoleMaintenance: {},
	RoleApplySettings: {}, RoleDraining: {}, RoleDemoteTimeout: {},
	RoleDemoted: {}, RoleReportLSN: {}, RoleDropped: {},
}

// ParseRole validates a role name received from the monitor or from a
// persisted state file. An unrecognized name is an error, never silently
// coerced to a default role.
func ParseRole(name string) (Role, error) {
	if name == "" {
		return RoleNoState, nil
	}
	r := Role(name)
	if _, ok := knownRoles[r]; !ok {
		return RoleNoState, fmt.Errorf("unknown role %q", name)
	}
	return r, nil
}

// IsValid reports whether r is one of the sixteen concrete roles (excludes
// the two sentinels).
func (r Role) IsValid() bool {
	_, ok := knownRoles[r]
	return ok
}

// shutdownRoles bound the ensure-current phase of the FSM reconciler: it
// does not start Postgres when the assigned role is one of them, and it
// stops a running Postgres while the current role is one of them.
var shutdownRoles = map[Role]struct{}{
	RoleDraining:      {},
	RoleDemoteTimeout: {},
	RoleDemoted:       {},
}

// InShutdownSet reports whether r is one of {Draining, DemoteTimeout,
// Demoted}, the ensure-current exclusion set.
func (r Role) InShutdownSet() bool {
	_, ok := shutdownRoles[r]
	return ok
}
