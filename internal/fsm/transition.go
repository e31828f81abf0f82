package fsm

import (
	"context"
	"fmt"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
)

// transitionFunc implements one (from, to) edge of the monitor's FSM. It
// must be total over its declared domain, idempotent, and leave the
// current role in place (by returning an error) when the underlying
// Postgres action fails, so the Keeper Loop retries next iteration.
type transitionFunc func(ctx context.Context, r *Reconciler, in Input) error

// transitions is keyed by (from, to); both are concrete roles, never the
// NoState/AnyState sentinels. It is not exhaustive of every theoretical
// pair the monitor could in principle assign; only the pairs the monitor
// actually emits are implemented.
var transitions = map[domain.Role]map[domain.Role]transitionFunc{
	domain.RoleInit: {
		domain.RoleSingle:      transitionToSingle,
		domain.RoleWaitStandby: transitionNoop,
	},
	domain.RoleSingle: {
		domain.RoleWaitPrimary: transitionNoop,
	},
	domain.RoleWaitPrimary: {
		domain.RolePrimary: transitionToPrimary,
	},
	domain.RolePrimary: {
		domain.RolePrepPromotion: transitionNoop,
		domain.RoleDraining:      transitionNoop,
		domain.RoleDemoteTimeout: transitionNoop,
	},
	domain.RolePrepPromotion: {
		domain.RoleStopReplication: transitionNoop,
		domain.RolePrimary:         transitionToPrimary,
	},
	domain.RoleStopReplication: {
		domain.RolePrimary: transitionToPrimary,
	},
	domain.RoleWaitStandby: {
		domain.RoleCatchingUp: transitionNoop,
	},
	domain.RoleCatchingUp: {
		domain.RoleSecondary: transitionNoop,
	},
	domain.RoleSecondary: {
		domain.RolePrepPromotion: transitionToPrepPromotion,
		domain.RoleMaintenance:   transitionToMaintenance,
		domain.RoleDraining:      transitionNoop,
	},
	domain.RoleMaintenance: {
		domain.RoleCatchingUp: transitionOutOfMaintenance,
		domain.RoleSecondary:  transitionOutOfMaintenance,
	},
	domain.RoleApplySettings: {
		domain.RolePrimary:   transitionToPrimary,
		domain.RoleSecondary: transitionNoop,
	},
	domain.RoleDraining: {
		domain.RoleDemoteTimeout: transitionNoop,
		domain.RoleDemoted:       transitionToDemoted,
	},
	domain.RoleDemoteTimeout: {
		domain.RoleDemoted: transitionToDemoted,
	},
	domain.RoleDemoted: {
		domain.RoleCatchingUp: transitionOutOfDemoted,
		domain.RoleSecondary:  transitionOutOfDemoted,
	},
	domain.RoleReportLSN: {
		domain.RoleReportLSN: transitionNoop,
	},
}

// transition looks up and runs the transition function for (from, to). An
// unmapped pair is itself an error — the FSM must never silently no-op an
// unrecognized edge, since that would mask a monitor/keeper version skew.
func (r *Reconciler) transition(ctx context.Context, from, to domain.Role, in Input) (domain.Role, error) {
	byTo, ok := transitions[from]
	if !ok {
		return from, fmt.Errorf("no known transition out of role %q", from)
	}
	fn, ok := byTo[to]
	if !ok {
		return from, fmt.Errorf("no known transition from %q to %q", from, to)
	}
	if err := fn(ctx, r, in); err != nil {
		return from, err
	}
	return to, nil
}

// transitionNoop covers edges where the role label changes but no
// Postgres-side action is required beyond what ensure-current for the new
// role will do on the following iteration (e.g. Single -> WaitPrimary).
func transitionNoop(context.Context, *Reconciler, Input) error { return nil }

// transitionToSingle runs once, out of Init, for a freestanding node with
// no peers — Postgres is already initialized by bootstrap, nothing further
// to do here.
func transitionToSingle(context.Context, *Reconciler, Input) error { return nil }

// transitionToPrimary promotes the local Postgres out of standby mode. It
// is idempotent: the controller's Promote returns without action on an
// instance that is not in standby mode.
func transitionToPrimary(ctx context.Context, r *Reconciler, _ Input) error {
	return r.Postgres.Promote(ctx)
}

// transitionToPrepPromotion begins a planned promotion: stop accepting
// new replication traffic is handled by StopReplication; this edge itself
// only flips the label pending the monitor coordinating all group members.
func transitionToPrepPromotion(context.Context, *Reconciler, Input) error { return nil }

// transitionToMaintenance intentionally does not stop Postgres: operator
// maintenance mode keeps the instance up but excluded from promotion
// candidacy; ensure-current for Maintenance is a no-op per the table.
func transitionToMaintenance(context.Context, *Reconciler, Input) error { return nil }

// transitionOutOfMaintenance resumes normal ensure-current handling on the
// next iteration; Maintenance itself left Postgres running.
func transitionOutOfMaintenance(context.Context, *Reconciler, Input) error { return nil }

// transitionToDemoted re-points the local instance at the new primary.
func transitionToDemoted(ctx context.Context, r *Reconciler, in Input) error {
	if in.Primary.NodeID == 0 {
		return fmt.Errorf("cannot demote to standby: no primary known")
	}
	return r.Postgres.DemoteToStandby(ctx, in.Primary)
}

// transitionOutOfDemoted resumes replaying from the (possibly new)
// primary; Postgres is already configured as a standby by
// transitionToDemoted, so this is a label-only move.
func transitionOutOfDemoted(context.Context, *Reconciler, Input) error { return nil }
