// Package slots maintains the physical replication slots this node holds
// on behalf of its peers, computing create/drop/advance sets from the peer
// list handed back by the monitor.
package slots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/blang/semver"
	"github.com/lib/pq"
	"github.com/thoas/go-funk"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
)

// NodeArrayMaxCount is the upper bound on the number of peers a single
// slot-maintenance call may reference. Exceeding it is an internal error,
// not a degraded mode.
const NodeArrayMaxCount = 12

// ErrTooManyNodes is returned when the peer list exceeds NodeArrayMaxCount.
var ErrTooManyNodes = fmt.Errorf("peer list exceeds the maximum of %d nodes", NodeArrayMaxCount)

// Result reports what a reconciliation call actually did. Running the
// same reconciliation twice without peer changes must report zero creates,
// drops and advances.
type Result struct {
	Created  []string
	Dropped  []string
	Advanced []string
}

func (r Result) IsZero() bool {
	return len(r.Created) == 0 && len(r.Dropped) == 0 && len(r.Advanced) == 0
}

// Manager maintains the physical replication slots owned by this node on
// behalf of its peers.
type Manager struct {
	DB *sql.DB
}

// NewManager wraps a database handle to the local Postgres instance.
func NewManager(db *sql.DB) *Manager {
	return &Manager{DB: db}
}

type existingSlot struct {
	name       string
	restartLSN string
}

// existingPgautofailoverSlots lists the physical replication slots already
// present whose name matches the pgautofailover_standby_ prefix tightly
// enough to avoid touching operator-created slots.
func (m *Manager) existingPgautofailoverSlots(ctx context.Context) (map[string]existingSlot, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT slot_name, COALESCE(restart_lsn::text, '0/0')
		FROM pg_catalog.pg_replication_slots
		WHERE slot_type = 'physical'
		  AND slot_name LIKE $1
	`, domain.ReplicationSlotPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("while listing existing replication slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]existingSlot)
	for rows.Next() {
		var s existingSlot
		if err := rows.Scan(&s.name, &s.restartLSN); err != nil {
			return nil, fmt.Errorf("while scanning replication slot row: %w", err)
		}
		// defend against a non-pgautofailover slot sharing the prefix by
		// accident: require the suffix to be a bare node id.
		if !isPgAutoFailoverSlotName(s.name) {
			continue
		}
		existing[s.name] = s
	}
	return existing, rows.Err()
}

func isPgAutoFailoverSlotName(name string) bool {
	if len(name) <= len(domain.ReplicationSlotPrefix) || name[:len(domain.ReplicationSlotPrefix)] != domain.ReplicationSlotPrefix {
		return false
	}
	suffix := name[len(domain.ReplicationSlotPrefix):]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// wantedSlots builds the target slot set from the peer array.
func wantedSlots(peers []domain.NodeAddress) map[string]string {
	wanted := make(map[string]string, len(peers))
	for _, peer := range peers {
		wanted[domain.SlotName(peer.NodeID)] = peer.LSN
	}
	return wanted
}

// ReconcilePrimary runs only the drop branch: on the
// primary, slot creation and advance are left to Postgres itself as
// standbys connect.
func (m *Manager) ReconcilePrimary(ctx context.Context, peers []domain.NodeAddress) (Result, error) {
	if len(peers) > NodeArrayMaxCount {
		return Result{}, ErrTooManyNodes
	}
	return m.drop(ctx, peers)
}

// ReconcileStandby runs all three branches: create, drop, advance. The
// advanceSupported flag gates advancing on versions where
// pg_replication_slot_advance works on a standby.
func (m *Manager) ReconcileStandby(
	ctx context.Context,
	peers []domain.NodeAddress,
	advanceSupported bool,
) (Result, error) {
	if len(peers) > NodeArrayMaxCount {
		return Result{}, ErrTooManyNodes
	}

	dropResult, err := m.drop(ctx, peers)
	if err != nil {
		return Result{}, err
	}

	existing, err := m.existingPgautofailoverSlots(ctx)
	if err != nil {
		return Result{}, err
	}
	wanted := wantedSlots(peers)

	names := make([]string, 0, len(wanted))
	for name := range wanted {
		names = append(names, name)
	}
	sort.Strings(names)

	var created, advanced []string
	for _, name := range names {
		lsn := wanted[name]
		if _, ok := existing[name]; !ok {
			if err := m.create(ctx, name); err != nil {
				return Result{}, err
			}
			created = append(created, name)
			continue
		}
		if !advanceSupported {
			continue
		}
		if lsn == "" || lsn == "0/0" {
			continue
		}
		if lsn == existing[name].restartLSN {
			continue
		}
		advanced = append(advanced, name)
	}
	// Advances run after every create.
	for _, name := range advanced {
		if err := m.advance(ctx, name, wanted[name]); err != nil {
			return Result{}, err
		}
	}

	sort.Strings(created)
	sort.Strings(advanced)

	return Result{
		Created:  created,
		Dropped:  dropResult.Dropped,
		Advanced: advanced,
	}, nil
}

func (m *Manager) drop(ctx context.Context, peers []domain.NodeAddress) (Result, error) {
	contextLogger := logging.FromContext(ctx)
	existing, err := m.existingPgautofailoverSlots(ctx)
	if err != nil {
		return Result{}, err
	}
	wanted := wantedSlots(peers)

	existingNames := funk.Keys(existing).([]string)
	var toDrop []string
	for _, name := range existingNames {
		if _, ok := wanted[name]; !ok {
			toDrop = append(toDrop, name)
		}
	}
	sort.Strings(toDrop)

	for _, name := range toDrop {
		if _, err := m.DB.ExecContext(ctx, `SELECT pg_drop_replication_slot($1)`, name); err != nil {
			// Dropping an already-gone slot is not an error; any other failure is.
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "42704" { // undefined_object
				continue
			}
			contextLogger.Warning("failed dropping replication slot", "slot", name, "err", err.Error())
			return Result{}, fmt.Errorf("while dropping replication slot %q: %w", name, err)
		}
	}

	return Result{Dropped: toDrop}, nil
}

func (m *Manager) create(ctx context.Context, name string) error {
	_, err := m.DB.ExecContext(ctx,
		`SELECT pg_create_physical_replication_slot($1, true)`, name)
	if err != nil {
		return fmt.Errorf("while creating replication slot %q: %w", name, err)
	}
	return nil
}

func (m *Manager) advance(ctx context.Context, name, lsn string) error {
	_, err := m.DB.ExecContext(ctx,
		`SELECT pg_replication_slot_advance($1, $2)`, name, lsn)
	if err != nil {
		return fmt.Errorf("while advancing replication slot %q to %q: %w", name, lsn, err)
	}
	return nil
}

// minAdvanceControlVersion is the pg_control_version floor below which
// pg_replication_slot_advance is known to misbehave.
const minAdvanceControlVersion = 1100

// AdvanceSupported decides whether slot advancing may run: only when the
// control version is new enough AND the runtime Postgres minor version is
// one known to support standby advancing. The debug environment variable
// disables the bypass entirely, overriding the version gate.
func AdvanceSupported(pgControlVersion uint32, pgVersion string, testModeDisableBypass bool) bool {
	if testModeDisableBypass {
		return true
	}
	if pgControlVersion < minAdvanceControlVersion {
		return false
	}
	v, err := semver.ParseTolerant(pgVersion)
	if err != nil {
		// an unparsable version string is treated conservatively:
		// advancing is skipped.
		return false
	}
	// pg_replication_slot_advance() on a standby was fixed in 13.2/12.6/11.11.
	switch v.Major {
	case 13:
		return v.GE(semver.MustParse("13.2.0"))
	case 12:
		return v.GE(semver.MustParse("12.6.0"))
	case 11:
		return v.GE(semver.MustParse("11.11.0"))
	default:
		return v.Major > 13
	}
}
