package monitorclient

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/retry"
)

func TestRegisterNodeSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"nodeid", "groupid", "role", "candidate_priority", "replication_quorum", "name"}).
		AddRow(1, 0, "single", 50, true, "node1")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, role, candidate_priority, replication_quorum, name")).
		WillReturnRows(rows)

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	c := New(db, retry.InitProfile())
	state, err := c.RegisterNode(context.Background(), tx, RegisterRequest{
		Formation: "default", Host: "h1", Port: 5432, DBName: "appdb", Name: "n1",
		SystemIdentifier: 7000000000000000001, DesiredGroup: -1, InitialRole: domain.RoleSingle,
		NodeKind: "pgsql", CandidatePriority: 50, ReplicationQuorum: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.NodeID != 1 || state.Role != domain.RoleSingle {
		t.Fatalf("unexpected assigned state: %+v", state)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterNodeExclusionViolationIsNonRetriable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, role, candidate_priority, replication_quorum, name")).
		WillReturnError(&pq.Error{Code: sqlstateExclusionViolation, Message: "conflicting key value"})

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	c := New(db, retry.InitProfile())
	_, err = c.RegisterNode(context.Background(), tx, RegisterRequest{})
	if !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("expected ErrRegistrationConflict, got %v", err)
	}
}

func TestRegisterNodeRetriesOnObjectInUse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, role, candidate_priority, replication_quorum, name")).
		WillReturnError(&pq.Error{Code: sqlstateObjectInUse, Message: "tuple concurrently updated"})
	rows := sqlmock.NewRows([]string{"nodeid", "groupid", "role", "candidate_priority", "replication_quorum", "name"}).
		AddRow(1, 0, "single", 50, true, "node1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, role, candidate_priority, replication_quorum, name")).
		WillReturnRows(rows)

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	policy := retry.NewPolicy(60, 5, 2000, 100)
	c := New(db, policy)
	state, err := c.RegisterNode(context.Background(), tx, RegisterRequest{InitialRole: domain.RoleSingle})
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if state.NodeID != 1 {
		t.Fatalf("unexpected state after retry: %+v", state)
	}
}

func TestNodeActiveScansAssignedRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"nodeid", "groupid", "assigned_role", "candidate_priority", "replication_quorum", "name"}).
		AddRow(1, 0, "primary", 50, true, "node1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, assigned_role, candidate_priority, replication_quorum, name")).
		WillReturnRows(rows)

	c := New(db, nil)
	state, err := c.NodeActive(context.Background(), "default", 1, 0, domain.RoleWaitPrimary,
		domain.LocalPgState{PgIsRunning: true, CurrentLSN: "0/3000000", SyncState: "sync"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Role != domain.RolePrimary {
		t.Fatalf("expected assigned role primary, got %v", state.Role)
	}
}

func TestGetOtherNodesSortsByNodeID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"nodeid", "name", "host", "port", "lsn", "ispr"}).
		AddRow(5, "n5", "h5", 5432, "0/5000000", false).
		AddRow(2, "n2", "h2", 5432, "0/2000000", true)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, name, host, port, lsn, ispr FROM pgautofailover.get_other_nodes($1)")).
		WithArgs(1).
		WillReturnRows(rows)

	c := New(db, nil)
	peers, err := c.GetOtherNodes(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peers) != 2 || peers[0].NodeID != 2 || peers[1].NodeID != 5 {
		t.Fatalf("expected peers sorted by nodeId, got %+v", peers)
	}
}

func TestCheckExtensionVersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"extversion"}).AddRow("1.5")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT extversion FROM pg_catalog.pg_extension")).WillReturnRows(rows)

	c := New(db, nil)
	err = c.CheckExtensionVersion(context.Background())
	if !errors.Is(err, ErrExtensionVersionMismatch) {
		t.Fatalf("expected ErrExtensionVersionMismatch, got %v", err)
	}
}

func TestCheckExtensionVersionMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"extversion"}).AddRow(ExpectedExtensionVersion)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT extversion FROM pg_catalog.pg_extension")).WillReturnRows(rows)

	c := New(db, nil)
	if err := c.CheckExtensionVersion(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsTransientSQLState(t *testing.T) {
	transient := []string{"40001", "40003", "40P01", "53300", "54000"}
	for _, code := range transient {
		if !isTransientSQLState(&pq.Error{Code: pq.ErrorCode(code)}) {
			t.Errorf("expected SQLSTATE %s to be transient", code)
		}
	}
	for _, code := range []string{"23P01", "55006", "42601"} {
		if isTransientSQLState(&pq.Error{Code: pq.ErrorCode(code)}) {
			t.Errorf("expected SQLSTATE %s to be non-transient", code)
		}
	}
	if isTransientSQLState(errors.New("plain network error")) {
		t.Error("non-SQLSTATE errors are not transparently retriable")
	}
}

func TestNodeActiveRetriesSerializationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, assigned_role")).
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	rows := sqlmock.NewRows([]string{"nodeid", "groupid", "assigned_role", "candidate_priority", "replication_quorum", "name"}).
		AddRow(1, 0, "secondary", 50, true, "node1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, assigned_role")).
		WillReturnRows(rows)

	c := New(db, retry.NewPolicy(60, 5, 10, 1))
	state, err := c.NodeActive(context.Background(), "default", 1, 0, domain.RoleSecondary,
		domain.LocalPgState{PgIsRunning: true, CurrentLSN: "0/1000000"})
	if err != nil {
		t.Fatalf("unexpected error after transient retry: %v", err)
	}
	if state.Role != domain.RoleSecondary {
		t.Fatalf("unexpected assigned state: %+v", state)
	}
}

func TestNodeActiveNoRetryUnderMainLoopProfile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nodeid, groupid, assigned_role")).
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})

	c := New(db, retry.MainLoopToMonitorProfile(15))
	_, err = c.NodeActive(context.Background(), "default", 1, 0, domain.RolePrimary,
		domain.LocalPgState{PgIsRunning: true})
	if err == nil {
		t.Fatal("the main-loop profile must not retry within a single call")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected exactly one attempt: %v", err)
	}
}
