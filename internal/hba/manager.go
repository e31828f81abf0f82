// Package hba implements the HBA Manager: it maintains two
// access-rule lines per peer in the Postgres host-based-access file,
// diffing the previous and current peer arrays to minimize edits, and
// never removes a rule once added.
package hba

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/thoas/go-funk"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/internal/logging"
	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

// Reloader is implemented by whatever can ask the local Postgres to reload
// its configuration after the HBA file changes.
type Reloader interface {
	ReloadConfiguration(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
}

// Manager maintains the pg_hba.conf rules for a replication group.
type Manager struct {
	Path            string
	DatabaseName    string
	ReplicationUser string
	AuthMethod      string
	Reloader        Reloader
}

// NewManager builds an HBA Manager for the given rules file.
func NewManager(path, databaseName, replicationUser, authMethod string, reloader Reloader) *Manager {
	return &Manager{
		Path:            path,
		DatabaseName:    databaseName,
		ReplicationUser: replicationUser,
		AuthMethod:      authMethod,
		Reloader:        reloader,
	}
}

// DiffEntries walks the previous and current peer arrays, both sorted by
// NodeID defensively (Open Question (c)), and returns the peers whose
// rules must be (re-)added: new peers, and peers whose host changed.
// Peers present in previous but absent from current are intentionally
// ignored; rules are never deleted (documented limitation).
func DiffEntries(previous, current []domain.NodeAddress, forceInvalidate bool) []domain.NodeAddress {
	sortedCurrent := sortedByNodeID(current)

	if forceInvalidate {
		return sortedCurrent
	}

	sortedPrevious := sortedByNodeID(previous)
	previousByID := make(map[int]domain.NodeAddress, len(sortedPrevious))
	for _, p := range sortedPrevious {
		previousByID[p.NodeID] = p
	}

	var diff []domain.NodeAddress
	for _, cur := range sortedCurrent {
		prev, existed := previousByID[cur.NodeID]
		if !existed || prev.Host != cur.Host {
			diff = append(diff, cur)
		}
	}
	return diff
}

func sortedByNodeID(peers []domain.NodeAddress) []domain.NodeAddress {
	out := funk.Map(peers, func(p domain.NodeAddress) domain.NodeAddress { return p }).([]domain.NodeAddress)
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// rulesFor renders the two HBA lines (database and replication) for a
// single peer.
func (m *Manager) rulesFor(peer domain.NodeAddress, tlsActive bool) string {
	kind := "host"
	if tlsActive {
		kind = "hostssl"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s replication %s %s/32 %s\n", kind, m.ReplicationUser, peer.Host, m.AuthMethod)
	fmt.Fprintf(&b, "%s %s all %s/32 %s\n", kind, m.DatabaseName, peer.Host, m.AuthMethod)
	return b.String()
}

// Reconcile applies the HBA diff to disk (the rule set only ever grows),
// then signals a configuration reload if Postgres is running.
func (m *Manager) Reconcile(
	ctx context.Context,
	previous, current []domain.NodeAddress,
	tlsActive bool,
	forceInvalidate bool,
) ([]domain.NodeAddress, error) {
	contextLogger := logging.FromContext(ctx)

	diff := DiffEntries(previous, current, forceInvalidate)
	if len(diff) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for _, peer := range diff {
		b.WriteString(m.rulesFor(peer, tlsActive))
	}

	if err := fileutils.AppendStringToFile(m.Path, b.String()); err != nil {
		return nil, fmt.Errorf("while appending HBA rules: %w", err)
	}
	contextLogger.Info("added HBA rules", "peers", len(diff), "file", m.Path)

	if m.Reloader != nil {
		running, err := m.Reloader.IsRunning(ctx)
		if err != nil {
			return diff, fmt.Errorf("while checking whether Postgres is running: %w", err)
		}
		if running {
			if err := m.Reloader.ReloadConfiguration(ctx); err != nil {
				return diff, fmt.Errorf("while reloading Postgres configuration after HBA edit: %w", err)
			}
		}
	}

	return diff, nil
}
