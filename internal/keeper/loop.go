package keeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/cloudnative-pg/pg-keeper/internal/config"
	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/fsm"
	"github.com/cloudnative-pg/pg-keeper/internal/hba"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/internal/monitorclient"
	"github.com/cloudnative-pg/pg-keeper/internal/pgcontrol"
	"github.com/cloudnative-pg/pg-keeper/internal/pgctl"
	"github.com/cloudnative-pg/pg-keeper/internal/retry"
	"github.com/cloudnative-pg/pg-keeper/internal/slots"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
)

// PostgresController extends the reconciler's controller contract with
// the configuration-reload operation the loop needs after group changes
// and settings reapplication.
type PostgresController interface {
	fsm.PostgresController
	ReloadConfiguration(ctx context.Context) error
}

// Keeper owns one iteration cycle of the control loop: probe, report,
// reconcile, persist. All cross-iteration memory lives here: the previous
// peer list for the HBA diff, the transition flag that skips the sleep,
// and the cached Postgres server version.
type Keeper struct {
	Cfg        *config.KeeperConfig
	ConfigPath string

	Store      *state.Store
	Postgres   PostgresController
	Prober     *pgcontrol.Prober
	Slots      *slots.Manager
	HBA        *hba.Manager
	Reconciler *fsm.Reconciler
	Signals    *SignalHandler
	PidFile    *PidFile
	Reloader   *config.Reloader

	// OpenMonitor and OpenLocal build fresh database handles; the loop
	// closes them at the end of every iteration.
	OpenMonitor func() (*sql.DB, error)
	OpenLocal   func() (*sql.DB, error)

	previousPeers []domain.NodeAddress
	peers         []domain.NodeAddress
	transitioned  bool
	pgVersion     string
}

// New wires a Keeper from configuration.
func New(cfg *config.KeeperConfig, configPath string) *Keeper {
	controller := pgctl.NewController(cfg.PgData, cfg.PgCtl, cfg.ReplicationUser, cfg.ReplicationPassword)
	store := state.NewStore(cfg.StateFilePath())
	slotMgr := slots.NewManager(nil)

	k := &Keeper{
		Cfg:        cfg,
		ConfigPath: configPath,
		Store:      store,
		Postgres:   controller,
		Prober: pgcontrol.NewProber(cfg.PgData, cfg.PgPort, nil,
			pgcontrol.ExecControlData{}, pgcontrol.FilePidfile{}),
		Slots:      slotMgr,
		HBA:        hba.NewManager(cfg.HBAFilePath(), cfg.DBName, cfg.ReplicationUser, cfg.AuthMethod, controller),
		Reconciler: fsm.NewReconciler(controller, slotMgr),
		PidFile:    NewPidFile(cfg.PidFilePath()),
		Reloader:   config.NewReloader(configPath),
	}
	k.Reconciler.DemoteTimeoutGraceSeconds = cfg.Timeouts.PostgresRestartFailure
	// Read through k.Cfg so a reloaded monitor URI or port takes effect on
	// the next connection.
	k.OpenMonitor = func() (*sql.DB, error) { return sql.Open("postgres", k.Cfg.MonitorURI) }
	k.OpenLocal = func() (*sql.DB, error) { return sql.Open("postgres", k.Cfg.LocalConnInfo()) }
	return k
}

// Run drives the loop until a stop signal or a monitor-incompatibility
// exit, returning the process exit code.
func (k *Keeper) Run(ctx context.Context) int {
	contextLogger, ctx := logging.SetupLogger(ctx,
		"runId", uuid.New().String(), "name", k.Cfg.Name)

	if k.Signals == nil {
		k.Signals = NewSignalHandler()
	}

	if err := k.PidFile.Acquire(); err != nil {
		contextLogger.Error(err, "another keeper already owns this data directory")
		return ExitCodeBadConfig
	}
	defer func() { _ = k.PidFile.Release() }()

	first := true
	for {
		if k.Signals.StopRequested() {
			contextLogger.Info("stop requested, exiting")
			return ExitCodeOK
		}

		if first || k.Signals.ConsumeReload() {
			k.reloadConfig(ctx, first)
		}

		if !first && !k.transitioned {
			if !k.sleep(ctx) {
				return ExitCodeOK
			}
		}
		first = false

		code, exit := k.iteration(ctx)
		if exit {
			return code
		}
	}
}

// sleep waits out the loop interval, returning false when a stop signal
// or context cancellation interrupted it.
func (k *Keeper) sleep(ctx context.Context) bool {
	interval := time.Duration(k.Cfg.Timeouts.KeeperSleepTime) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			if k.Signals.StopRequested() {
				return false
			}
			if k.Signals.ConsumeReload() {
				k.reloadConfig(ctx, false)
			}
		}
	}
}

// iteration runs one full pass: pidfile check, state re-read, probe,
// heartbeat, reconcile, persist. It returns (code, true) when the process
// must exit.
func (k *Keeper) iteration(ctx context.Context) (int, bool) {
	contextLogger := logging.FromContext(ctx)
	k.transitioned = false

	if k.Signals.FastShutdownRequested() {
		return ExitCodeOK, true
	}

	if !k.PidFile.OwnedByUs() {
		contextLogger.Error(fmt.Errorf("pidfile no longer names this process"),
			"lost ownership of the data directory, exiting")
		return ExitCodeInternalError, true
	}

	ks, err := k.Store.Read()
	if err != nil {
		contextLogger.Warning("could not re-read the state file, skipping iteration", "err", err.Error())
		return 0, false
	}

	localDB, err := k.OpenLocal()
	if err != nil {
		contextLogger.Warning("could not open a local Postgres handle", "err", err.Error())
		return 0, false
	}
	defer func() { _ = localDB.Close() }()
	k.Prober.DB = localDB
	k.Slots.DB = localDB

	localState, err := k.Prober.Probe(ctx, ks.SystemIdentifier)
	if err != nil {
		// Identity drift and port mismatch are fatal to the iteration but
		// not to the keeper: the operator may remediate while we keep
		// running.
		contextLogger.Error(err, "probe failed, skipping iteration")
		return 0, false
	}
	pgcontrol.MarkIncompleteIfPrimaryWithEmptySyncState(ctx, ks.CurrentRole, localState)
	k.absorbControlData(ks, localState)
	k.refreshPgVersion(ctx, localDB, localState.PgIsRunning)

	if k.Signals.FastShutdownRequested() {
		return ExitCodeOK, true
	}

	if k.Cfg.Standalone {
		// Monitor disabled: no reporting, the FSM always targets Single.
		ks.AssignedRole = domain.RoleSingle
		if ks.CurrentRole == domain.RoleInit || ks.CurrentRole == domain.RoleNoState {
			ks.CurrentRole = domain.RoleSingle
		}
	} else if code, exit := k.monitorSteps(ctx, ks, localState, localDB); exit {
		return code, exit
	}

	if k.Signals.FastShutdownRequested() {
		return ExitCodeOK, true
	}

	outcome, err := k.Reconciler.Reconcile(ctx, fsm.Input{
		CurrentRole:      ks.CurrentRole,
		AssignedRole:     ks.AssignedRole,
		Peers:            k.peers,
		Primary:          primaryOf(k.peers),
		AdvanceSupported: k.advanceSupported(ks),
	})
	if err != nil {
		contextLogger.Warning("reconciliation failed, will retry next iteration", "err", err.Error())
	}
	ks.CurrentRole = outcome.NewRole
	k.transitioned = outcome.Transitioned
	if outcome.FailedToStart {
		ks.PgStartRetries++
		if ks.PgFirstStartFailureTs == 0 {
			ks.PgFirstStartFailureTs = time.Now().Unix()
		}
	}
	if outcome.RetriesReset {
		ks.PgStartRetries = 0
		ks.PgFirstStartFailureTs = 0
	}
	if !outcome.SlotResult.IsZero() {
		contextLogger.Info("replication slots reconciled",
			"created", outcome.SlotResult.Created,
			"dropped", outcome.SlotResult.Dropped,
			"advanced", outcome.SlotResult.Advanced)
	}

	if err := k.Store.Write(ks); err != nil {
		contextLogger.Error(err, "could not persist keeper state")
	}

	return 0, false
}

// monitorSteps runs the monitor half of the pass: the extension-version
// check, node_active, the partition decision on failure, and the peer/HBA
// refresh on success.
func (k *Keeper) monitorSteps(
	ctx context.Context,
	ks *domain.KeeperState,
	localState *domain.LocalPgState,
	localDB *sql.DB,
) (int, bool) {
	contextLogger := logging.FromContext(ctx)

	monitorDB, err := k.OpenMonitor()
	if err != nil {
		contextLogger.Warning("could not open a monitor handle", "err", err.Error())
		return 0, false
	}
	defer func() { _ = monitorDB.Close() }()

	client := monitorclient.New(monitorDB,
		retry.MainLoopToMonitorProfile(k.Cfg.Timeouts.PostgresPingRetry))

	if err := client.CheckExtensionVersion(ctx); err != nil {
		if errors.Is(err, monitorclient.ErrExtensionVersionMismatch) {
			contextLogger.Error(err, "monitor extension version mismatch, exiting so the supervisor can relaunch a matching binary")
			return ExitCodeMonitor, true
		}
		// A connection-level failure here just means this iteration could
		// not verify; fall through so node_active failure handling (and
		// the partition check) still runs.
		contextLogger.Warning("could not verify the monitor extension version", "err", err.Error())
	}

	now := time.Now()
	reported := *localState
	reported.PgIsRunning = ReportedPgIsRunning(
		ks.CurrentRole, localState.PgIsRunning,
		ks.PgStartRetries, ks.PgFirstStartFailureTs,
		k.Cfg.Timeouts.PostgresRestartMaxRetries,
		time.Duration(k.Cfg.Timeouts.PostgresRestartFailure)*time.Second,
		now)

	assigned, err := client.NodeActive(ctx, k.Cfg.Formation, ks.NodeID, ks.GroupID, ks.CurrentRole, reported)
	if err != nil {
		contextLogger.Warning("node_active failed", "err", err.Error())
		if ks.CurrentRole == domain.RolePrimary {
			partitioned := checkNetworkPartition(ctx, localDB, k.Cfg.ReplicationUser,
				ks.LastMonitorContact, &ks.LastSecondaryContact,
				time.Duration(k.Cfg.Timeouts.NetworkPartition)*time.Second, now)
			if partitioned {
				ks.AssignedRole = domain.RoleDemoteTimeout
			}
		}
		return 0, false
	}

	ks.LastMonitorContact = now.Unix()
	ks.AssignedRole = assigned.Role
	if assigned.GroupID != ks.GroupID {
		contextLogger.Info("monitor moved this node to a new group, reapplying Postgres settings",
			"oldGroup", ks.GroupID, "newGroup", assigned.GroupID)
		ks.GroupID = assigned.GroupID
		if reloadErr := k.Postgres.ReloadConfiguration(ctx); reloadErr != nil {
			contextLogger.Warning("could not reapply Postgres settings after group change", "err", reloadErr.Error())
		}
	}

	peers, err := client.GetOtherNodes(ctx, ks.NodeID, domain.RoleNoState)
	if err != nil {
		contextLogger.Warning("get_other_nodes failed, keeping the previous peer list", "err", err.Error())
		return 0, false
	}
	k.peers = peers

	if _, err := k.HBA.Reconcile(ctx, k.previousPeers, peers, k.Cfg.TLS.Active, false); err != nil {
		contextLogger.Warning("HBA reconciliation failed", "err", err.Error())
	}
	k.previousPeers = peers

	return 0, false
}

// absorbControlData carries freshly probed control values into the
// persisted state, never overwriting a non-zero system identifier with a
// different one (the probe already failed in that case).
func (k *Keeper) absorbControlData(ks *domain.KeeperState, localState *domain.LocalPgState) {
	if localState.Control.SystemIdentifier == 0 {
		return
	}
	ks.ControlData = localState.Control
}

func (k *Keeper) refreshPgVersion(ctx context.Context, localDB *sql.DB, pgIsRunning bool) {
	if !pgIsRunning || k.pgVersion != "" {
		return
	}
	row := localDB.QueryRowContext(ctx, `SHOW server_version`)
	var version string
	if err := row.Scan(&version); err == nil {
		k.pgVersion = version
	}
}

func (k *Keeper) advanceSupported(ks *domain.KeeperState) bool {
	testMode := os.Getenv(config.EnvDebug) != ""
	return slots.AdvanceSupported(ks.PgControlVersion, k.pgVersion, testMode)
}

func primaryOf(peers []domain.NodeAddress) domain.NodeAddress {
	for _, p := range peers {
		if p.IsPrimary {
			return p
		}
	}
	return domain.NodeAddress{}
}

// reloadConfig runs at the top of the loop: parse the candidate
// configuration, reject illegal changes, and apply the side effects of the
// accepted ones. The first iteration tolerates Postgres not running.
func (k *Keeper) reloadConfig(ctx context.Context, firstIteration bool) {
	contextLogger := logging.FromContext(ctx)

	merged, diff, err := k.Reloader.Reload(k.Cfg)
	if err != nil {
		contextLogger.Warning("configuration reload failed, keeping the old configuration", "err", err.Error())
		return
	}
	diff.LogRejected(contextLogger)
	if !diff.HasChanges() {
		return
	}

	k.Cfg = merged
	contextLogger.Info("configuration reloaded", "accepted", len(diff.Accepted), "rejected", len(diff.Rejected))

	if diff.DebugChanged {
		logging.SetLevel(merged.Debug)
	}

	if diff.MetadataChanged && !merged.Standalone {
		k.pushMetadata(ctx, merged)
	}

	if diff.TLSChanged || diff.ReplicationChanged {
		k.reapplyPostgresSettings(ctx, firstIteration)
	}
}

func (k *Keeper) pushMetadata(ctx context.Context, cfg *config.KeeperConfig) {
	contextLogger := logging.FromContext(ctx)

	ks, err := k.Store.Read()
	if err != nil {
		contextLogger.Warning("cannot push metadata without a readable state file", "err", err.Error())
		return
	}
	monitorDB, err := k.OpenMonitor()
	if err != nil {
		contextLogger.Warning("could not reach the monitor to push metadata", "err", err.Error())
		return
	}
	defer func() { _ = monitorDB.Close() }()

	client := monitorclient.New(monitorDB, nil)
	if err := client.SetMetadata(ctx, ks.NodeID, cfg.Name, cfg.Hostname, cfg.PgPort); err != nil {
		contextLogger.Warning("update_node_metadata failed", "err", err.Error())
	}
}

// reapplyPostgresSettings handles the TLS/replication side effects of a
// reload: checkpoint then restart, so replication parameter changes take
// effect. On the first iteration Postgres may legitimately not be running
// yet; the restart is skipped silently in that case.
func (k *Keeper) reapplyPostgresSettings(ctx context.Context, firstIteration bool) {
	contextLogger := logging.FromContext(ctx)

	running, err := k.Postgres.IsRunning(ctx)
	if err != nil || !running {
		if !firstIteration && err != nil {
			contextLogger.Warning("could not check Postgres before reapplying settings", "err", err.Error())
		}
		return
	}

	localDB, err := k.OpenLocal()
	if err == nil {
		if _, err := localDB.ExecContext(ctx, `CHECKPOINT`); err != nil {
			contextLogger.Warning("checkpoint before restart failed", "err", err.Error())
		}
		_ = localDB.Close()
	}

	if err := k.Postgres.Stop(ctx); err != nil {
		contextLogger.Warning("could not stop Postgres to reapply settings", "err", err.Error())
		return
	}
	if err := k.Postgres.Start(ctx); err != nil {
		contextLogger.Error(err, "could not restart Postgres after reapplying settings")
	}
}
