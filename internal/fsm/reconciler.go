// Package fsm implements the FSM Reconciler: ensure-current
// (Phase A) and transition (Phase B) against the replication-role state
// machine the monitor drives.
package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/internal/slots"
)

// PostgresController is the subset of local Postgres control the
// reconciler needs: start/stop/promote/demote.
type PostgresController interface {
	IsRunning(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Promote(ctx context.Context) error
	DemoteToStandby(ctx context.Context, primary domain.NodeAddress) error
}

// Input bundles the reconciler's read-only inputs for one pass.
type Input struct {
	CurrentRole  domain.Role
	AssignedRole domain.Role
	Peers        []domain.NodeAddress
	Primary      domain.NodeAddress
	// AdvanceSupported is pre-computed by the caller (pgControlVersion and
	// Postgres minor version are not reconciler concerns).
	AdvanceSupported bool
}

// Outcome is what a reconcile pass decided: the role to persist next, and
// bookkeeping for the restart-failure counters carried on KeeperState.
type Outcome struct {
	NewRole       domain.Role
	Transitioned  bool
	RetriesReset  bool
	FailedToStart bool
	SlotResult    slots.Result
}

// Reconciler runs the two-phase ensure-current / transition algorithm
// against one node's local Postgres.
type Reconciler struct {
	Postgres PostgresController
	Slots    *slots.Manager

	// DemoteTimeoutGraceSeconds bounds how long the keeper tolerates
	// sitting in DemoteTimeout before logging at ERROR that the demotion
	// appears stuck. It never changes state on its own; completing the
	// demotion remains the monitor's call.
	DemoteTimeoutGraceSeconds int

	demoteTimeoutEnteredAt time.Time
}

// NewReconciler wires the Slot Manager the ensure-current phase drives.
// The HBA diff is not a reconciler concern: the Keeper Loop owns the
// previous-peers memory the diff needs and runs the HBA Manager itself.
func NewReconciler(pg PostgresController, slotMgr *slots.Manager) *Reconciler {
	return &Reconciler{Postgres: pg, Slots: slotMgr}
}

// Reconcile runs Phase A (ensure-current) then Phase B (transition) and
// returns the role to persist. The caller (Keeper Loop) owns the
// pgStartRetries/pgFirstStartFailureTs counters on KeeperState and updates
// them from the returned Outcome: increment/stamp on FailedToStart, reset
// on RetriesReset.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (Outcome, error) {
	contextLogger := logging.FromContext(ctx)

	out := Outcome{NewRole: in.CurrentRole}

	if err := r.ensureCurrent(ctx, in, &out); err != nil {
		return out, err
	}

	if in.AssignedRole != domain.RoleNoState && in.AssignedRole != in.CurrentRole {
		newRole, err := r.transition(ctx, in.CurrentRole, in.AssignedRole, in)
		if err != nil {
			// Transition functions must be total and idempotent, leaving
			// currentRole unchanged on failure so the loop retries.
			contextLogger.Warning("transition failed, currentRole unchanged", "from", in.CurrentRole, "to", in.AssignedRole, "err", err.Error())
			return out, err
		}
		out.NewRole = newRole
		out.Transitioned = true
	}

	if out.NewRole == domain.RoleDemoteTimeout && in.CurrentRole != domain.RoleDemoteTimeout {
		r.demoteTimeoutEnteredAt = nowFunc()
	}
	if out.NewRole == domain.RoleDemoteTimeout && r.DemoteTimeoutGraceSeconds > 0 && !r.demoteTimeoutEnteredAt.IsZero() {
		if nowFunc().Sub(r.demoteTimeoutEnteredAt) > time.Duration(r.DemoteTimeoutGraceSeconds)*time.Second {
			contextLogger.Error(fmt.Errorf("demotion did not complete within the grace window"), "stuck in DemoteTimeout")
		}
	}

	return out, nil
}

// nowFunc exists so the grace-window check above is replaceable in tests;
// it is not itself a dependency-injected field because the reconciler has
// no other use for wall-clock time.
var nowFunc = time.Now

// ensureCurrent implements Phase A. The shutdown-set exclusions are not
// a blanket skip of the whole phase: they suppress exactly the actions
// that would fight the in-flight transition, starting Postgres for a
// non-shutdown current role while heading into shutdown, or stopping it
// for a shutdown current role while recovering back out of shutdown.
func (r *Reconciler) ensureCurrent(ctx context.Context, in Input, out *Outcome) error {
	contextLogger := logging.FromContext(ctx)

	headingToShutdown := in.AssignedRole.InShutdownSet() && !in.CurrentRole.InShutdownSet()
	recoveringFromShutdown := in.CurrentRole.InShutdownSet() && !in.AssignedRole.InShutdownSet()

	switch in.CurrentRole {
	case domain.RolePrimary:
		if headingToShutdown {
			break
		}
		if err := r.startWithRetryTracking(ctx, out); err != nil {
			// out.FailedToStart is set; the loop retries next iteration.
			break
		}
		if r.Slots != nil {
			res, err := r.Slots.ReconcilePrimary(ctx, in.Peers)
			if err != nil {
				return fmt.Errorf("while reconciling primary slots: %w", err)
			}
			out.SlotResult = res
		}

	case domain.RoleSingle:
		if headingToShutdown {
			break
		}
		if err := r.Postgres.Start(ctx); err != nil {
			contextLogger.Warning("failed to start Postgres in Single", "err", err.Error())
			break
		}
		if r.Slots != nil {
			res, err := r.Slots.ReconcilePrimary(ctx, in.Peers)
			if err != nil {
				return fmt.Errorf("while reconciling single-node slots: %w", err)
			}
			out.SlotResult = res
		}

	case domain.RoleWaitPrimary, domain.RolePrepPromotion, domain.RoleStopReplication:
		if headingToShutdown {
			break
		}
		if err := r.Postgres.Start(ctx); err != nil {
			contextLogger.Warning("failed to start Postgres", "role", string(in.CurrentRole), "err", err.Error())
		}

	case domain.RoleSecondary:
		if headingToShutdown {
			break
		}
		if err := r.Postgres.Start(ctx); err != nil {
			contextLogger.Warning("failed to start Postgres in Secondary", "err", err.Error())
			break
		}
		if r.Slots != nil {
			res, err := r.Slots.ReconcileStandby(ctx, in.Peers, in.AdvanceSupported)
			if err != nil {
				return fmt.Errorf("while reconciling standby slots: %w", err)
			}
			out.SlotResult = res
		}

	case domain.RoleCatchingUp:
		if headingToShutdown {
			break
		}
		if err := r.Postgres.Start(ctx); err != nil {
			contextLogger.Warning("failed to start Postgres in CatchingUp", "err", err.Error())
		}
		// no slot maintenance: advancing could violate restart_lsn minimum.

	case domain.RoleMaintenance:
		// no-op.

	case domain.RoleDraining, domain.RoleDemoteTimeout, domain.RoleDemoted:
		if recoveringFromShutdown {
			break
		}
		if err := r.shutdownStop(ctx); err != nil {
			return fmt.Errorf("while stopping Postgres in %s: %w", in.CurrentRole, err)
		}

	default:
		// RoleApplySettings and RoleReportLSN carry no ensure-current
		// action of their own.
	}

	return nil
}

// startWithRetryTracking starts Postgres in the Primary role, where
// restart-failure tracking is active (updateRetries=true).
func (r *Reconciler) startWithRetryTracking(ctx context.Context, out *Outcome) error {
	contextLogger := logging.FromContext(ctx)
	if err := r.Postgres.Start(ctx); err != nil {
		out.FailedToStart = true
		contextLogger.Warning("failed to start Postgres in Primary", "err", err.Error())
		return err
	}
	out.RetriesReset = true
	return nil
}

// shutdownStop is the ensure-current action shared by Draining,
// DemoteTimeout and Demoted: if Postgres is running, stop it.
func (r *Reconciler) shutdownStop(ctx context.Context) error {
	running, err := r.Postgres.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("while checking whether Postgres is running: %w", err)
	}
	if running {
		return r.Postgres.Stop(ctx)
	}
	return nil
}
