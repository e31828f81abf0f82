package keeper

import (
	"time"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
)

// ReportedPgIsRunning implements the report rule for the node_active
// heartbeat: a Primary with a down Postgres keeps reporting pg_is_running=true
// to the monitor until the restart retries or the failure timeout are
// exhausted, delaying unnecessary failovers. Every other role reports the
// raw probe value.
func ReportedPgIsRunning(
	currentRole domain.Role,
	rawPgIsRunning bool,
	pgStartRetries int,
	pgFirstStartFailureTs int64,
	maxRetries int,
	failureTimeout time.Duration,
	now time.Time,
) bool {
	if currentRole != domain.RolePrimary || rawPgIsRunning {
		return rawPgIsRunning
	}
	if pgStartRetries >= maxRetries {
		return false
	}
	if pgFirstStartFailureTs != 0 &&
		now.Sub(time.Unix(pgFirstStartFailureTs, 0)) > failureTimeout {
		return false
	}
	return true
}
