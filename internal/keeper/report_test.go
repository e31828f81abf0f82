package keeper

import (
	"testing"
	"time"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
)

func TestReportedPgIsRunningSuppressesEarlyFailures(t *testing.T) {
	now := time.Now()
	firstFailure := now.Add(-5 * time.Second).Unix()

	got := ReportedPgIsRunning(domain.RolePrimary, false, 1, firstFailure, 3, 20*time.Second, now)
	if !got {
		t.Fatal("a primary within retry and timeout budget must keep reporting true")
	}
}

func TestReportedPgIsRunningHonestAfterMaxRetries(t *testing.T) {
	now := time.Now()
	firstFailure := now.Add(-5 * time.Second).Unix()

	got := ReportedPgIsRunning(domain.RolePrimary, false, 3, firstFailure, 3, 20*time.Second, now)
	if got {
		t.Fatal("exhausted retries must report the raw value false")
	}
}

func TestReportedPgIsRunningHonestAfterTimeout(t *testing.T) {
	now := time.Now()
	firstFailure := now.Add(-25 * time.Second).Unix()

	got := ReportedPgIsRunning(domain.RolePrimary, false, 1, firstFailure, 3, 20*time.Second, now)
	if got {
		t.Fatal("an elapsed failure timeout must report the raw value false")
	}
}

func TestReportedPgIsRunningRawValueOutsidePrimary(t *testing.T) {
	now := time.Now()
	for _, role := range []domain.Role{domain.RoleSecondary, domain.RoleCatchingUp, domain.RoleSingle} {
		if got := ReportedPgIsRunning(role, false, 0, 0, 3, 20*time.Second, now); got {
			t.Fatalf("role %s must report the raw probe value", role)
		}
	}
}

func TestReportedPgIsRunningPassesThroughTrue(t *testing.T) {
	now := time.Now()
	if !ReportedPgIsRunning(domain.RolePrimary, true, 5, now.Unix(), 3, time.Second, now) {
		t.Fatal("a running Postgres always reports true")
	}
}
