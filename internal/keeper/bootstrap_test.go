package keeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cloudnative-pg/pg-keeper/internal/config"
	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

func testConfig(t *testing.T) *config.KeeperConfig {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
monitor: "postgres://autoctl_node@monitor/pg_auto_failover"
name: node1
hostname: 10.0.0.1
pgdata: ` + filepath.Join(dir, "pgdata") + `
candidate_priority: 50
replication_quorum: true
`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func registerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"nodeid", "groupid", "role", "candidate_priority", "replication_quorum", "name"}).
		AddRow(1, 0, "single", 50, true, "node1")
}

func TestRegisterWritesStateAndInitFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pgautofailover.register_node")).WillReturnRows(registerRows())
	mock.ExpectCommit()

	cfg := testConfig(t)
	store := state.NewStore(cfg.StateFilePath())
	control := domain.ControlData{PgControlVersion: 1300, CatalogVersionNo: 202107181, SystemIdentifier: 7000000000000000001}

	ks, err := Register(context.Background(), cfg, store, db, control)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ks.NodeID != 1 || ks.GroupID != 0 {
		t.Fatalf("unexpected registered identity: %+v", ks)
	}
	if ks.CurrentRole != domain.RoleInit || ks.AssignedRole != domain.RoleSingle {
		t.Fatalf("expected current=init assigned=single, got %+v", ks)
	}

	onDisk, err := store.Read()
	if err != nil {
		t.Fatalf("state file must be readable after registration: %v", err)
	}
	if onDisk.SystemIdentifier != control.SystemIdentifier {
		t.Fatalf("state file lost the system identifier: %+v", onDisk)
	}
	if exists, _ := fileutils.FileExists(cfg.InitFilePath()); !exists {
		t.Fatal("init marker file must exist after registration")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterRollsBackOnLocalWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pgautofailover.register_node")).WillReturnRows(registerRows())
	mock.ExpectRollback()

	cfg := testConfig(t)
	cfg.ForceRegister = true
	// Make the state path unwritable by turning it into a directory.
	if err := os.MkdirAll(cfg.StateFilePath(), 0o700); err != nil {
		t.Fatal(err)
	}
	store := state.NewStore(cfg.StateFilePath())

	_, err = Register(context.Background(), cfg, store, db,
		domain.ControlData{SystemIdentifier: 7000000000000000001})
	if err == nil {
		t.Fatal("expected the registration to fail when the state write fails")
	}
	if exists, _ := fileutils.FileExists(cfg.InitFilePath()); exists {
		t.Fatal("the init marker must not survive a failed registration")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("the monitor transaction must be rolled back: %v", err)
	}
}

func TestRegisterRefusesExistingStateWithoutForce(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := testConfig(t)
	store := state.NewStore(cfg.StateFilePath())
	if err := store.Write(&domain.KeeperState{NodeID: 7, CurrentRole: domain.RoleSingle}); err != nil {
		t.Fatal(err)
	}

	_, err = Register(context.Background(), cfg, store, db, domain.ControlData{})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestBootstrapResumesFromExistingState(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := testConfig(t)
	store := state.NewStore(cfg.StateFilePath())
	if err := store.Write(&domain.KeeperState{
		NodeID: 3, GroupID: 1,
		CurrentRole: domain.RoleSecondary, AssignedRole: domain.RoleSecondary,
	}); err != nil {
		t.Fatal(err)
	}

	ks, err := Bootstrap(context.Background(), cfg, store, db, domain.ControlData{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ks.NodeID != 3 || ks.CurrentRole != domain.RoleSecondary {
		t.Fatalf("bootstrap must resume the persisted state, got %+v", ks)
	}
}

func TestDropRemovesLocalState(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("pgautofailover.remove_node")).
		WithArgs("10.0.0.1", 5432).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := testConfig(t)
	store := state.NewStore(cfg.StateFilePath())
	if err := store.Write(&domain.KeeperState{NodeID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := fileutils.WriteStringToFile(cfg.InitFilePath(), ""); err != nil {
		t.Fatal(err)
	}

	if err := Drop(context.Background(), cfg, store, db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists, _ := store.Exists(); exists {
		t.Fatal("drop must remove the state file")
	}
	if exists, _ := fileutils.FileExists(cfg.InitFilePath()); exists {
		t.Fatal("drop must remove the init marker")
	}
}
