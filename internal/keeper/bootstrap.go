package keeper

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cloudnative-pg/pg-keeper/internal/config"
	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/internal/monitorclient"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

// NodeKindPgsql is the only node kind this keeper registers as.
const NodeKindPgsql = "standalone"

// ErrAlreadyRegistered is returned when Register finds an existing,
// readable state file and ForceRegister is off.
var ErrAlreadyRegistered = fmt.Errorf("a state file already exists; this node is registered (use force-register to overwrite)")

// Bootstrap distinguishes a fresh node from one restarting with an
// existing state file: the former registers against the monitor, the
// latter resumes the loop from the persisted role without touching the
// monitor's registration.
func Bootstrap(
	ctx context.Context,
	cfg *config.KeeperConfig,
	store *state.Store,
	monitorDB *sql.DB,
	control domain.ControlData,
) (*domain.KeeperState, error) {
	exists, err := store.Exists()
	if err != nil {
		return nil, fmt.Errorf("while checking for an existing state file: %w", err)
	}
	if exists && !cfg.ForceRegister {
		ks, err := store.Read()
		if err != nil {
			return nil, fmt.Errorf("while resuming from the existing state file: %w", err)
		}
		logging.FromContext(ctx).Info("resuming from existing state file",
			"nodeId", ks.NodeID, "groupId", ks.GroupID, "currentRole", string(ks.CurrentRole))
		return ks, nil
	}
	return Register(ctx, cfg, store, monitorDB, control)
}

// Register runs the registration transaction: register_node
// inside BEGIN/COMMIT, with the state file and init marker written between
// the call and the COMMIT. Any local write failure rolls the monitor back
// and unlinks the partial files.
func Register(
	ctx context.Context,
	cfg *config.KeeperConfig,
	store *state.Store,
	monitorDB *sql.DB,
	control domain.ControlData,
) (*domain.KeeperState, error) {
	contextLogger := logging.FromContext(ctx)

	exists, err := store.Exists()
	if err != nil {
		return nil, err
	}
	if exists && !cfg.ForceRegister {
		return nil, ErrAlreadyRegistered
	}

	client := monitorclient.New(monitorDB, nil)

	tx, err := monitorDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("while opening the registration transaction: %w", err)
	}

	assigned, err := client.RegisterNode(ctx, tx, monitorclient.RegisterRequest{
		Formation:         cfg.Formation,
		Host:              cfg.Hostname,
		Port:              cfg.PgPort,
		DBName:            cfg.DBName,
		Name:              cfg.Name,
		SystemIdentifier:  control.SystemIdentifier,
		DesiredGroup:      -1,
		InitialRole:       domain.RoleSingle,
		NodeKind:          NodeKindPgsql,
		CandidatePriority: cfg.CandidatePriority,
		ReplicationQuorum: cfg.ReplicationQuorum,
	})
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	ks := &domain.KeeperState{
		NodeID:       assigned.NodeID,
		GroupID:      assigned.GroupID,
		CurrentRole:  domain.RoleInit,
		AssignedRole: assigned.Role,
		ControlData:  control,
	}

	if err := store.Write(ks); err != nil {
		_ = tx.Rollback()
		removePartialFiles(store, cfg)
		return nil, fmt.Errorf("while writing the initial state file: %w", err)
	}
	if _, err := fileutils.WriteStringToFile(cfg.InitFilePath(), ""); err != nil {
		_ = tx.Rollback()
		removePartialFiles(store, cfg)
		return nil, fmt.Errorf("while writing the init marker file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		removePartialFiles(store, cfg)
		return nil, fmt.Errorf("while committing the registration transaction: %w", err)
	}

	contextLogger.Info("registered with the monitor",
		"nodeId", assigned.NodeID, "groupId", assigned.GroupID, "assignedRole", string(assigned.Role))
	return ks, nil
}

func removePartialFiles(store *state.Store, cfg *config.KeeperConfig) {
	_ = store.Remove()
	_ = fileutils.RemoveFile(cfg.InitFilePath())
}

// Drop deregisters the node from the monitor and destroys the local
// KeeperState. A remove_node reporting the node as already gone is not an
// error.
func Drop(
	ctx context.Context,
	cfg *config.KeeperConfig,
	store *state.Store,
	monitorDB *sql.DB,
) error {
	client := monitorclient.New(monitorDB, nil)
	if err := client.RemoveNode(ctx, cfg.Hostname, cfg.PgPort); err != nil {
		return fmt.Errorf("while removing the node from the monitor: %w", err)
	}
	if err := store.Remove(); err != nil {
		return fmt.Errorf("while removing the state file: %w", err)
	}
	if err := fileutils.RemoveFile(cfg.InitFilePath()); err != nil {
		return fmt.Errorf("while removing the init marker file: %w", err)
	}
	logging.FromContext(ctx).Info("node dropped", "name", cfg.Name)
	return nil
}
