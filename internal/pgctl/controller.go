// Package pgctl provides the narrow pg_ctl-driven implementation of
// fsm.PostgresController. The FSM reconciler needs only start, stop,
// promote and demote; everything else about driving the Postgres binary
// family stays behind this adapter.
package pgctl

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

// Controller drives the local Postgres instance through pg_ctl.
type Controller struct {
	PgData          string
	PgCtlBinary     string
	ReplicationUser string
	ReplicationPassword string
}

// NewController builds a pg_ctl-backed controller for the instance at
// pgData.
func NewController(pgData, pgCtlBinary, replicationUser, replicationPassword string) *Controller {
	if pgCtlBinary == "" {
		pgCtlBinary = "pg_ctl"
	}
	return &Controller{
		PgData:              pgData,
		PgCtlBinary:         pgCtlBinary,
		ReplicationUser:     replicationUser,
		ReplicationPassword: replicationPassword,
	}
}

func (c *Controller) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.PgCtlBinary, append([]string{"-D", c.PgData}, args...)...) // #nosec G204
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_ctl %v failed: %w: %s", args, err, string(out))
	}
	return nil
}

// IsRunning shells out to `pg_ctl status`, translating its exit code into
// a boolean rather than an error (a non-running instance is not itself a
// failure).
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, c.PgCtlBinary, "-D", c.PgData, "status") // #nosec G204
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("while checking pg_ctl status: %w", err)
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

// Start starts Postgres, waiting for it to accept connections.
func (c *Controller) Start(ctx context.Context) error {
	contextLogger := logging.FromContext(ctx)
	contextLogger.Info("starting Postgres", "pgdata", c.PgData)
	return c.run(ctx, "start", "-w")
}

// Stop stops Postgres with the "fast" shutdown mode, matching
// pg_auto_failover's own default.
func (c *Controller) Stop(ctx context.Context) error {
	contextLogger := logging.FromContext(ctx)
	contextLogger.Info("stopping Postgres", "pgdata", c.PgData)
	return c.run(ctx, "stop", "-m", "fast", "-w")
}

// Promote runs `pg_ctl promote`. An instance with no standby.signal file
// is not in standby mode and is already a primary: Promote then returns nil
// without running pg_ctl.
func (c *Controller) Promote(ctx context.Context) error {
	standby, err := fileutils.FileExists(filepath.Join(c.PgData, "standby.signal"))
	if err != nil {
		return fmt.Errorf("while checking for standby.signal: %w", err)
	}
	if !standby {
		return nil
	}
	contextLogger := logging.FromContext(ctx)
	contextLogger.Info("promoting Postgres", "pgdata", c.PgData)
	return c.run(ctx, "promote", "-w")
}

// DemoteToStandby writes a standby.signal file and primary_conninfo
// pointing at the given primary, then restarts Postgres in standby mode.
// This mirrors pg_auto_failover's own demote path of rewriting
// recovery configuration and restarting, rather than anything
// pg_basebackup-shaped (which remains out of scope).
func (c *Controller) DemoteToStandby(ctx context.Context, primary domain.NodeAddress) error {
	signalPath := filepath.Join(c.PgData, "standby.signal")
	if _, err := fileutils.WriteStringToFile(signalPath, ""); err != nil {
		return fmt.Errorf("while writing standby.signal: %w", err)
	}

	conninfo := fmt.Sprintf(
		"host=%s port=%d user=%s application_name=pg-keeper",
		primary.Host, primary.Port, c.ReplicationUser)
	autoConfPath := filepath.Join(c.PgData, "postgresql.auto.conf")
	line := fmt.Sprintf("\nprimary_conninfo = '%s'\n", conninfo)
	if err := fileutils.AppendStringToFile(autoConfPath, line); err != nil {
		return fmt.Errorf("while writing primary_conninfo: %w", err)
	}

	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		if err := c.run(ctx, "restart", "-m", "fast", "-w"); err != nil {
			return fmt.Errorf("while restarting Postgres onto the new primary: %w", err)
		}
		return nil
	}
	return c.Start(ctx)
}

// ReloadConfiguration implements hba.Reloader: it asks the running
// instance to reload pg_hba.conf/postgresql.conf without restarting.
func (c *Controller) ReloadConfiguration(ctx context.Context) error {
	return c.run(ctx, "reload")
}
