package hba

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
)

type fakeReloader struct {
	running  bool
	reloaded int
	err      error
}

func (f *fakeReloader) IsRunning(context.Context) (bool, error) { return f.running, nil }
func (f *fakeReloader) ReloadConfiguration(context.Context) error {
	f.reloaded++
	return f.err
}

func TestDiffEntriesAddsNewPeersOnly(t *testing.T) {
	previous := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	current := []domain.NodeAddress{
		{NodeID: 1, Host: "10.0.0.1"},
		{NodeID: 2, Host: "10.0.0.2"},
	}
	diff := DiffEntries(previous, current, false)
	if len(diff) != 1 || diff[0].NodeID != 2 {
		t.Fatalf("expected only node 2 in diff, got %+v", diff)
	}
}

func TestDiffEntriesNeverRemovesPeers(t *testing.T) {
	previous := []domain.NodeAddress{
		{NodeID: 1, Host: "10.0.0.1"},
		{NodeID: 2, Host: "10.0.0.2"},
	}
	current := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	diff := DiffEntries(previous, current, false)
	if len(diff) != 0 {
		t.Fatalf("peers dropped from the current list must not produce a diff, got %+v", diff)
	}
}

func TestDiffEntriesDetectsHostChange(t *testing.T) {
	previous := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	current := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.99"}}
	diff := DiffEntries(previous, current, false)
	if len(diff) != 1 {
		t.Fatalf("expected a changed host to produce a diff entry, got %+v", diff)
	}
}

func TestDiffEntriesForceInvalidateReturnsEverything(t *testing.T) {
	previous := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	current := []domain.NodeAddress{
		{NodeID: 1, Host: "10.0.0.1"},
		{NodeID: 2, Host: "10.0.0.2"},
	}
	diff := DiffEntries(previous, current, true)
	if len(diff) != 2 {
		t.Fatalf("expected forceInvalidate to return the full current list, got %+v", diff)
	}
}

func TestReconcileAppendsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_hba.conf")
	reloader := &fakeReloader{running: true}
	m := NewManager(path, "postgres", "pgautofailover_replicator", "trust", reloader)

	current := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	diff, err := m.Reconcile(context.Background(), nil, current, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff) != 1 {
		t.Fatalf("expected 1 rule diff, got %+v", diff)
	}
	if reloader.reloaded != 1 {
		t.Fatalf("expected a configuration reload, got %d", reloader.reloaded)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) == 0 {
		t.Fatalf("expected HBA rules written to disk")
	}
}

func TestReconcileSkipsReloadWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_hba.conf")
	reloader := &fakeReloader{running: false}
	m := NewManager(path, "postgres", "pgautofailover_replicator", "trust", reloader)

	current := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	if _, err := m.Reconcile(context.Background(), nil, current, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloader.reloaded != 0 {
		t.Fatalf("expected no reload while Postgres is not running")
	}
}

func TestReconcileIsIdempotentOnNoDiff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_hba.conf")
	reloader := &fakeReloader{running: true}
	m := NewManager(path, "postgres", "pgautofailover_replicator", "trust", reloader)

	peers := []domain.NodeAddress{{NodeID: 1, Host: "10.0.0.1"}}
	if _, err := m.Reconcile(context.Background(), nil, peers, false, false); err != nil {
		t.Fatal(err)
	}
	reloader.reloaded = 0

	diff, err := m.Reconcile(context.Background(), peers, peers, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 0 {
		t.Fatalf("expected no diff for unchanged peers, got %+v", diff)
	}
	if reloader.reloaded != 0 {
		t.Fatalf("expected no reload when nothing changed")
	}
}

func TestRulesForUsesHostsslWhenTLSActive(t *testing.T) {
	m := NewManager("", "postgres", "pgautofailover_replicator", "md5", nil)
	rules := m.rulesFor(domain.NodeAddress{NodeID: 1, Host: "10.0.0.1"}, true)
	if rules == "" {
		t.Fatal("expected rendered rules")
	}
	if !contains(rules, "hostssl") {
		t.Fatalf("expected hostssl entries when TLS is active, got %q", rules)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
