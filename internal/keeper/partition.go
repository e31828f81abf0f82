package keeper

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudnative-pg/pg-keeper/internal/logging"
)

// IsPartitioned is the pure half of the network-partition check: the
// keeper is partitioned only when both contact timestamps are non-zero
// and both lags exceed the timeout.
func IsPartitioned(now time.Time, lastMonitorContact, lastSecondaryContact int64, timeout time.Duration) bool {
	if lastMonitorContact == 0 || lastSecondaryContact == 0 {
		return false
	}
	monitorLag := now.Sub(time.Unix(lastMonitorContact, 0))
	secondaryLag := now.Sub(time.Unix(lastSecondaryContact, 0))
	return monitorLag > timeout && secondaryLag > timeout
}

// standbyIsConnected checks pg_stat_replication on the local Postgres for
// a live connection from the replication user. A connected standby means
// the primary is not isolated, whatever the monitor link looks like.
func standbyIsConnected(ctx context.Context, localDB *sql.DB, replicationUser string) (bool, error) {
	if localDB == nil {
		return false, fmt.Errorf("no local database handle")
	}
	row := localDB.QueryRowContext(ctx, `
		SELECT count(*)
		FROM pg_catalog.pg_stat_replication
		WHERE usename = $1
	`, replicationUser)
	var connected int
	if err := row.Scan(&connected); err != nil {
		return false, fmt.Errorf("while checking for connected standbys: %w", err)
	}
	return connected > 0, nil
}

// checkNetworkPartition runs the full decision for a Primary
// whose node_active call just failed. It may refresh
// lastSecondaryContact as a side effect; it returns true when the keeper
// must self-demote by locally assigning DemoteTimeout.
func checkNetworkPartition(
	ctx context.Context,
	localDB *sql.DB,
	replicationUser string,
	lastMonitorContact int64,
	lastSecondaryContact *int64,
	timeout time.Duration,
	now time.Time,
) bool {
	contextLogger := logging.FromContext(ctx)

	connected, err := standbyIsConnected(ctx, localDB, replicationUser)
	if err != nil {
		contextLogger.Warning("could not check for connected standbys", "err", err.Error())
	} else if connected {
		*lastSecondaryContact = now.Unix()
		return false
	}

	if !IsPartitioned(now, lastMonitorContact, *lastSecondaryContact, timeout) {
		return false
	}

	contextLogger.Error(
		fmt.Errorf("lost contact with both the monitor and all standbys for more than %s", timeout),
		"network partition detected, demoting to avoid split-brain")
	return true
}
