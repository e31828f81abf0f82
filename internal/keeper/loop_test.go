package keeper

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cloudnative-pg/pg-keeper/internal/config"
	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/fsm"
	"github.com/cloudnative-pg/pg-keeper/internal/pgcontrol"
	"github.com/cloudnative-pg/pg-keeper/internal/slots"
	"github.com/cloudnative-pg/pg-keeper/internal/state"
	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

type fakeController struct {
	running      bool
	startCalls   int
	stopCalls    int
	reloadCalls  int
	promoteCalls int
}

func (f *fakeController) IsRunning(context.Context) (bool, error) { return f.running, nil }
func (f *fakeController) Start(context.Context) error {
	f.startCalls++
	f.running = true
	return nil
}
func (f *fakeController) Stop(context.Context) error {
	f.stopCalls++
	f.running = false
	return nil
}
func (f *fakeController) Promote(context.Context) error {
	f.promoteCalls++
	return nil
}
func (f *fakeController) DemoteToStandby(context.Context, domain.NodeAddress) error { return nil }
func (f *fakeController) ReloadConfiguration(context.Context) error {
	f.reloadCalls++
	return nil
}

func standaloneKeeper(t *testing.T, fake *fakeController) (*Keeper, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
name: node1
hostname: 10.0.0.1
pgdata: ` + filepath.Join(dir, "pgdata") + `
standalone: true
`))
	if err != nil {
		t.Fatal(err)
	}

	store := state.NewStore(cfg.StateFilePath())
	k := &Keeper{
		Cfg:        cfg,
		Store:      store,
		Postgres:   fake,
		Prober:     pgcontrol.NewProber(cfg.PgData, cfg.PgPort, nil, nil, nil),
		Slots:      slots.NewManager(nil),
		Reconciler: fsm.NewReconciler(fake, nil),
		Signals:    &SignalHandler{},
		PidFile:    NewPidFile(cfg.PidFilePath()),
		Reloader:   config.NewReloader(filepath.Join(dir, "absent.yaml")),
	}
	k.OpenLocal = func() (*sql.DB, error) {
		db, _, err := sqlmock.New()
		return db, err
	}
	if err := k.PidFile.Acquire(); err != nil {
		t.Fatal(err)
	}
	return k, store
}

func TestIterationStandaloneDrivesToSingle(t *testing.T) {
	fake := &fakeController{}
	k, store := standaloneKeeper(t, fake)

	if err := store.Write(&domain.KeeperState{
		NodeID: 1, CurrentRole: domain.RoleInit, AssignedRole: domain.RoleInit,
	}); err != nil {
		t.Fatal(err)
	}

	code, exit := k.iteration(context.Background())
	if exit {
		t.Fatalf("standalone iteration must not exit the process (code %d)", code)
	}
	if fake.startCalls != 1 {
		t.Fatalf("expected Postgres started once, got %d", fake.startCalls)
	}

	ks, err := store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if ks.CurrentRole != domain.RoleSingle || ks.AssignedRole != domain.RoleSingle {
		t.Fatalf("expected single/single after a standalone iteration, got %+v", ks)
	}
}

func TestIterationExitsWhenPidfileLost(t *testing.T) {
	fake := &fakeController{}
	k, store := standaloneKeeper(t, fake)
	if err := store.Write(&domain.KeeperState{NodeID: 1, CurrentRole: domain.RoleSingle}); err != nil {
		t.Fatal(err)
	}

	// Simulate another keeper taking over the data directory.
	if _, err := fileutils.WriteStringToFile(k.Cfg.PidFilePath(), "424242\n"); err != nil {
		t.Fatal(err)
	}

	code, exit := k.iteration(context.Background())
	if !exit {
		t.Fatal("losing the pidfile must exit the loop fast")
	}
	if code != ExitCodeInternalError {
		t.Fatalf("expected the internal-error exit code, got %d", code)
	}
}

func TestIterationSkipsWhenStateFileUnreadable(t *testing.T) {
	fake := &fakeController{}
	k, _ := standaloneKeeper(t, fake)

	// No state file written at all: the iteration warns and carries on.
	code, exit := k.iteration(context.Background())
	if exit {
		t.Fatalf("a missing state file must not exit the process (code %d)", code)
	}
	if fake.startCalls != 0 {
		t.Fatal("no reconciliation may run without a readable state file")
	}
}

func TestIterationFastShutdownWinsImmediately(t *testing.T) {
	fake := &fakeController{}
	k, store := standaloneKeeper(t, fake)
	if err := store.Write(&domain.KeeperState{NodeID: 1, CurrentRole: domain.RoleSingle}); err != nil {
		t.Fatal(err)
	}
	k.Signals.stopFast.Store(true)

	code, exit := k.iteration(context.Background())
	if !exit || code != ExitCodeOK {
		t.Fatalf("fast shutdown must exit cleanly before any work, got code=%d exit=%t", code, exit)
	}
	if fake.startCalls != 0 {
		t.Fatal("no Postgres action may run after a fast-shutdown request")
	}
}
