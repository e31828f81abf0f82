// Package monitorclient implements the Monitor Client: a thin,
// typed RPC facade over the monitor's SQL API. It owns the registration
// transaction, the per-iteration node_active call, peer/primary/standby
// lookups, maintenance toggles, failover triggering, the extension-version
// compatibility check, and the LISTEN state/log notification subscription.
package monitorclient

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/blang/semver"
	"github.com/lib/pq"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/internal/retry"
)

// ErrRegistrationConflict is returned when register_node fails with
// SQLSTATE 23P01 (exclusion violation): another node already claims this
// system_identifier. Non-retriable.
var ErrRegistrationConflict = fmt.Errorf("registration conflict: system_identifier already claimed by another node")

// ErrExtensionVersionMismatch is returned by CheckExtensionVersion when the
// monitor's installed extension version differs from the version this
// binary was built against.
var ErrExtensionVersionMismatch = fmt.Errorf("monitor extension version mismatch")

const (
	sqlstateObjectInUse        = "55006"
	sqlstateExclusionViolation = "23P01"
)

// ExpectedExtensionVersion is the pgautofailover monitor extension version
// this binary was built against.
const ExpectedExtensionVersion = "1.6"

// RegisterRequest carries the register_node arguments.
type RegisterRequest struct {
	Formation         string
	Host              string
	Port              int
	DBName            string
	Name              string
	SystemIdentifier  uint64
	DesiredGroup      int
	InitialRole       domain.Role
	NodeKind          string
	CandidatePriority int
	ReplicationQuorum bool
}

// Client is the Monitor Client: a typed facade around the monitor's SQL
// API, reachable over plain database/sql + lib/pq.
type Client struct {
	DB     *sql.DB
	Policy *retry.Policy
}

// New wraps a connection to the monitor database.
func New(db *sql.DB, policy *retry.Policy) *Client {
	if policy == nil {
		policy = retry.MonitorInteractiveProfile()
	}
	return &Client{DB: db, Policy: policy}
}

// isRetriableSQLState classifies a Postgres error: object-
// in-use (55006) is retriable, exclusion violation (23P01) is not.
func isRetriableSQLState(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return string(pqErr.Code) == sqlstateObjectInUse
	}
	return false
}

// isTransientSQLState reports the SQLSTATEs that withRetry retries
// transparently under the active policy: serialization failure (40001),
// statement completion unknown (40003), deadlock (40P01), and the
// insufficient-resources / program-limit classes (53, 54). Only NodeActive
// and the RPCs that run through exec use withRetry; RegisterNode retries
// only object_in_use (55006), and the lookup RPCs (GetOtherNodes,
// GetPrimary, GetMostAdvancedStandby, GetCoordinator, GetExtensionVersion)
// make a single attempt.
func isTransientSQLState(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); !ok {
		return false
	}
	code := string(pqErr.Code)
	switch code {
	case "40001", "40003", "40P01":
		return true
	}
	return len(code) == 5 && (code[:2] == "53" || code[:2] == "54")
}

// withRetry runs fn, retrying transient SQLSTATEs until the policy budget
// runs out. A policy with MaxAttempts == 0 never retries, which is what
// the main loop profile wants: one failed node_active is a warning there,
// and the outer loop is the retry.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil || !isTransientSQLState(err) || c.Policy.ShouldStop() {
			return err
		}
		if sleepErr := retry.Sleep(ctx, c.Policy); sleepErr != nil {
			return sleepErr
		}
	}
}

func isExclusionViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return string(pqErr.Code) == sqlstateExclusionViolation
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if e, ok := err.(*pq.Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// RegisterNode runs the register_node RPC, retrying on 55006 per the
// configured policy and translating 23P01 into ErrRegistrationConflict.
// It does not itself write the state file or begin the enclosing
// transaction: the caller (internal/keeper.Register) owns the
// BEGIN/COMMIT/ROLLBACK sequence and the rollback-on-failure rule.
func (c *Client) RegisterNode(ctx context.Context, tx *sql.Tx, req RegisterRequest) (domain.MonitorAssignedState, error) {
	contextLogger := logging.FromContext(ctx)

	var state domain.MonitorAssignedState
	for {
		row := tx.QueryRowContext(ctx, `
			SELECT nodeid, groupid, role, candidate_priority, replication_quorum, name
			FROM pgautofailover.register_node($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			req.Formation, req.Host, req.Port, req.DBName, req.Name,
			int64(req.SystemIdentifier), req.DesiredGroup, string(req.InitialRole),
			req.NodeKind, req.CandidatePriority, req.ReplicationQuorum)

		var roleName string
		err := row.Scan(&state.NodeID, &state.GroupID, &roleName,
			&state.CandidatePriority, &state.ReplicationQuorum, &state.Name)
		if err == nil {
			state.Role, err = domain.ParseRole(roleName)
			if err != nil {
				return domain.MonitorAssignedState{}, fmt.Errorf("while parsing assigned role from register_node: %w", err)
			}
			return state, nil
		}

		if isExclusionViolation(err) {
			return domain.MonitorAssignedState{}, fmt.Errorf("%w: %v", ErrRegistrationConflict, err)
		}
		if isRetriableSQLState(err) && !c.Policy.ShouldStop() {
			contextLogger.Warning("register_node object-in-use, retrying", "attempt", c.Policy.Attempts())
			if sleepErr := retry.Sleep(ctx, c.Policy); sleepErr != nil {
				return domain.MonitorAssignedState{}, sleepErr
			}
			continue
		}
		return domain.MonitorAssignedState{}, fmt.Errorf("while calling register_node: %w", err)
	}
}

// NodeActive runs the node_active RPC: the heartbeat every Keeper Loop
// iteration, returning the monitor's assigned role (possibly a
// transition).
func (c *Client) NodeActive(
	ctx context.Context,
	formation string,
	nodeID, groupID int,
	currentRole domain.Role,
	localState domain.LocalPgState,
) (domain.MonitorAssignedState, error) {
	var state domain.MonitorAssignedState
	err := c.withRetry(ctx, func() error {
		row := c.DB.QueryRowContext(ctx, `
			SELECT nodeid, groupid, assigned_role, candidate_priority, replication_quorum, name
			FROM pgautofailover.node_active($1, $2, $3, $4, $5, $6, $7)
		`, formation, nodeID, groupID, string(currentRole),
			localState.PgIsRunning, localState.CurrentLSN, localState.SyncState)

		var roleName string
		if err := row.Scan(&state.NodeID, &state.GroupID, &roleName,
			&state.CandidatePriority, &state.ReplicationQuorum, &state.Name); err != nil {
			return fmt.Errorf("while calling node_active: %w", err)
		}
		role, err := domain.ParseRole(roleName)
		if err != nil {
			return fmt.Errorf("while parsing assigned role from node_active: %w", err)
		}
		state.Role = role
		return nil
	})
	if err != nil {
		return domain.MonitorAssignedState{}, err
	}
	return state, nil
}

// GetOtherNodes returns the peer array sorted by nodeId. An
// empty stateFilter omits the role filter.
func (c *Client) GetOtherNodes(ctx context.Context, nodeID int, stateFilter domain.Role) ([]domain.NodeAddress, error) {
	var rows *sql.Rows
	var err error
	if stateFilter == "" {
		rows, err = c.DB.QueryContext(ctx,
			`SELECT nodeid, name, host, port, lsn, ispr FROM pgautofailover.get_other_nodes($1)`, nodeID)
	} else {
		rows, err = c.DB.QueryContext(ctx,
			`SELECT nodeid, name, host, port, lsn, ispr FROM pgautofailover.get_other_nodes($1, $2)`,
			nodeID, string(stateFilter))
	}
	if err != nil {
		return nil, fmt.Errorf("while calling get_other_nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var peers []domain.NodeAddress
	for rows.Next() {
		var p domain.NodeAddress
		if err := rows.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary); err != nil {
			return nil, fmt.Errorf("while scanning get_other_nodes row: %w", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	return peers, nil
}

// GetPrimary returns the current primary of a group.
func (c *Client) GetPrimary(ctx context.Context, formation string, groupID int) (domain.NodeAddress, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT nodeid, name, host, port, lsn, ispr FROM pgautofailover.get_primary($1, $2)`,
		formation, groupID)
	var p domain.NodeAddress
	if err := row.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary); err != nil {
		return domain.NodeAddress{}, fmt.Errorf("while calling get_primary: %w", err)
	}
	return p, nil
}

// GetMostAdvancedStandby returns the standby with the highest LSN in a
// group — consulted by `pg_autoctl perform_failover`-style operations.
func (c *Client) GetMostAdvancedStandby(ctx context.Context, formation string, groupID int) (domain.NodeAddress, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT nodeid, name, host, port, lsn, ispr FROM pgautofailover.get_most_advanced_standby($1, $2)`,
		formation, groupID)
	var p domain.NodeAddress
	if err := row.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary); err != nil {
		return domain.NodeAddress{}, fmt.Errorf("while calling get_most_advanced_standby: %w", err)
	}
	return p, nil
}

// exec runs a void RPC under the transient-retry policy.
func (c *Client) exec(ctx context.Context, rpc, query string, args ...interface{}) error {
	return c.withRetry(ctx, func() error {
		if _, err := c.DB.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("while calling %s: %w", rpc, err)
		}
		return nil
	})
}

// GetCoordinator returns the coordinator node of a formation, for
// formations fronted by a coordinator rather than a plain primary.
func (c *Client) GetCoordinator(ctx context.Context, formation string) (domain.NodeAddress, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT nodeid, name, host, port, lsn, ispr FROM pgautofailover.get_coordinator($1)`,
		formation)
	var p domain.NodeAddress
	if err := row.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary); err != nil {
		return domain.NodeAddress{}, fmt.Errorf("while calling get_coordinator: %w", err)
	}
	return p, nil
}

// RemoveNode removes a node from the monitor by host/port. The monitor
// reporting the node as already gone is not an error.
func (c *Client) RemoveNode(ctx context.Context, host string, port int) error {
	return c.exec(ctx, "remove_node", `SELECT pgautofailover.remove_node($1, $2)`, host, port)
}

// SetMetadata updates the node's name/hostname/port, used by the Config
// Reloader when a legal config change affects node identity metadata.
func (c *Client) SetMetadata(ctx context.Context, nodeID int, name, hostname string, port int) error {
	return c.exec(ctx, "update_node_metadata",
		`SELECT pgautofailover.update_node_metadata($1, $2, $3, $4)`, nodeID, name, hostname, port)
}

// SetNodeSystemIdentifier records the node's Postgres system identifier on
// the monitor, used after pg_basebackup re-initializes a standby's data
// directory under a new identity.
func (c *Client) SetNodeSystemIdentifier(ctx context.Context, nodeID int, systemIdentifier uint64) error {
	return c.exec(ctx, "set_node_system_identifier",
		`SELECT pgautofailover.set_node_system_identifier($1, $2)`, nodeID, int64(systemIdentifier))
}

// StartMaintenance asks the monitor to mark the node under maintenance.
func (c *Client) StartMaintenance(ctx context.Context, nodeID int) error {
	return c.exec(ctx, "start_maintenance", `SELECT pgautofailover.start_maintenance($1)`, nodeID)
}

// StopMaintenance asks the monitor to resume normal operation for the node.
func (c *Client) StopMaintenance(ctx context.Context, nodeID int) error {
	return c.exec(ctx, "stop_maintenance", `SELECT pgautofailover.stop_maintenance($1)`, nodeID)
}

// PerformFailover triggers a manual failover for a group.
func (c *Client) PerformFailover(ctx context.Context, formation string, groupID int) error {
	return c.exec(ctx, "perform_failover", `SELECT pgautofailover.perform_failover($1, $2)`, formation, groupID)
}

// GetExtensionVersion returns the installed pgautofailover extension
// version on the monitor side.
func (c *Client) GetExtensionVersion(ctx context.Context) (string, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT extversion FROM pg_catalog.pg_extension WHERE extname = 'pgautofailover'`)
	var version string
	if err := row.Scan(&version); err != nil {
		return "", fmt.Errorf("while querying installed extension version: %w", err)
	}
	return version, nil
}

// CheckExtensionVersion compares the installed extension version against
// ExpectedExtensionVersion and returns ErrExtensionVersionMismatch on any
// difference, which the Keeper Loop turns into a MONITOR-class process
// exit. The check applies under every profile, tests included.
func (c *Client) CheckExtensionVersion(ctx context.Context) error {
	installed, err := c.GetExtensionVersion(ctx)
	if err != nil {
		// A connection failure here just fails this iteration; the loop
		// continues and retries next time.
		return err
	}

	installedVer, err := semver.ParseTolerant(installed)
	if err != nil {
		return fmt.Errorf("while parsing installed extension version %q: %w", installed, err)
	}
	expectedVer, err := semver.ParseTolerant(ExpectedExtensionVersion)
	if err != nil {
		return fmt.Errorf("while parsing expected extension version %q: %w", ExpectedExtensionVersion, err)
	}

	if !installedVer.EQ(expectedVer) {
		return fmt.Errorf("%w: installed=%s expected=%s", ErrExtensionVersionMismatch, installed, ExpectedExtensionVersion)
	}
	return nil
}
