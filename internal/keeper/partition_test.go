package keeper

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestIsPartitionedRequiresBothLagsExceeded(t *testing.T) {
	now := time.Now()
	timeout := 30 * time.Second

	old := now.Add(-45 * time.Second).Unix()
	recent := now.Add(-10 * time.Second).Unix()

	if !IsPartitioned(now, old, old, timeout) {
		t.Fatal("both lags over the timeout must report a partition")
	}
	if IsPartitioned(now, old, recent, timeout) {
		t.Fatal("a recent secondary contact must prevent the partition verdict")
	}
	if IsPartitioned(now, recent, old, timeout) {
		t.Fatal("a recent monitor contact must prevent the partition verdict")
	}
}

func TestIsPartitionedRequiresNonZeroTimestamps(t *testing.T) {
	now := time.Now()
	old := now.Add(-45 * time.Second).Unix()

	if IsPartitioned(now, 0, old, 30*time.Second) {
		t.Fatal("a zero monitor contact timestamp must prevent the partition verdict")
	}
	if IsPartitioned(now, old, 0, 30*time.Second) {
		t.Fatal("a zero secondary contact timestamp must prevent the partition verdict")
	}
}

func TestCheckNetworkPartitionConnectedStandbyRefreshesContact(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*)")).
		WithArgs("pgautofailover_replicator").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	now := time.Now()
	lastSecondary := now.Add(-45 * time.Second).Unix()
	lastMonitor := now.Add(-45 * time.Second).Unix()

	partitioned := checkNetworkPartition(context.Background(), db, "pgautofailover_replicator",
		lastMonitor, &lastSecondary, 30*time.Second, now)
	if partitioned {
		t.Fatal("a connected standby must keep the node primary")
	}
	if lastSecondary != now.Unix() {
		t.Fatal("a connected standby must refresh lastSecondaryContact")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCheckNetworkPartitionDemotesWhenIsolated(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*)")).
		WithArgs("pgautofailover_replicator").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	now := time.Now()
	lastSecondary := now.Add(-45 * time.Second).Unix()
	lastMonitor := now.Add(-45 * time.Second).Unix()

	partitioned := checkNetworkPartition(context.Background(), db, "pgautofailover_replicator",
		lastMonitor, &lastSecondary, 30*time.Second, now)
	if !partitioned {
		t.Fatal("an isolated primary past both timeouts must be demoted")
	}
}
