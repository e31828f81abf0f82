// Package state implements the keeper's State Store: a
// crash-safe file holding the KeeperState record, written with temp+rename
// and prefixed by a magic number and schema version so reads can reject an
// unknown layout outright rather than partially parse it.
package state

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

// magic identifies a pg-keeper state file so a read never mistakes an
// unrelated file, or a file from an incompatible schema version, for valid
// keeper state.
const magic = "PGKEEPERSTATE"

// Store persists domain.KeeperState at a fixed path.
type Store struct {
	path string
}

// NewStore returns a Store rooted at the given path, computed once from
// configuration at startup.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the configured state file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a state file is already present, used by the
// init-keeper fast path to distinguish a fresh node from
// one resuming after a restart.
func (s *Store) Exists() (bool, error) {
	return fileutils.FileExists(s.path)
}

// Read loads and validates the state file. A schema version mismatch, a
// missing magic header, or an unparsable body is a hard error; an
// unknown-schema file is rejected outright, never partially parsed.
func (s *Store) Read() (*domain.KeeperState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("while reading state file %q: %w", s.path, err)
	}
	raw := string(data)

	lines := strings.SplitN(raw, "\n", 2)
	if len(lines) != 2 || !strings.HasPrefix(lines[0], magic) {
		return nil, fmt.Errorf("state file %q: missing or corrupt magic header", s.path)
	}

	var header struct {
		Magic         string
		SchemaVersion int
	}
	if _, err := fmt.Sscanf(lines[0], magic+" schema=%d", &header.SchemaVersion); err != nil {
		return nil, fmt.Errorf("state file %q: unparsable header %q: %w", s.path, lines[0], err)
	}
	if header.SchemaVersion != domain.CurrentSchemaVersion {
		return nil, fmt.Errorf("state file %q: unknown schema version %d (expected %d)",
			s.path, header.SchemaVersion, domain.CurrentSchemaVersion)
	}

	var ks domain.KeeperState
	if err := yaml.Unmarshal([]byte(lines[1]), &ks); err != nil {
		return nil, fmt.Errorf("state file %q: while decoding body: %w", s.path, err)
	}
	if ks.SchemaVersion != domain.CurrentSchemaVersion {
		return nil, fmt.Errorf("state file %q: body schema version %d does not match header %d",
			s.path, ks.SchemaVersion, header.SchemaVersion)
	}
	return &ks, nil
}

// Write persists ks atomically (temp file + fsync + rename). Once
// SystemIdentifier is non-zero in the file on disk, a write carrying a
// different non-zero SystemIdentifier is refused rather than silently
// overwriting it.
func (s *Store) Write(ks *domain.KeeperState) error {
	if existing, err := s.Read(); err == nil {
		if existing.SystemIdentifier != 0 && ks.SystemIdentifier != 0 &&
			existing.SystemIdentifier != ks.SystemIdentifier {
			return fmt.Errorf(
				"%w: state file has system identifier %d, refusing to overwrite with %d",
				ErrIdentityDrift, existing.SystemIdentifier, ks.SystemIdentifier)
		}
	}

	ks.SchemaVersion = domain.CurrentSchemaVersion
	ks.StateCounter++

	body, err := yaml.Marshal(ks)
	if err != nil {
		return fmt.Errorf("while encoding state: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s schema=%d\n", magic, domain.CurrentSchemaVersion)
	buf.Write(body)

	if _, err := fileutils.WriteFileAtomic(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("while writing state file %q: %w", s.path, err)
	}
	return nil
}

// Remove deletes the state file, used by Drop.
func (s *Store) Remove() error {
	return fileutils.RemoveFile(s.path)
}

// ErrIdentityDrift is returned when a write would silently change a
// previously-observed, non-zero system identifier.
var ErrIdentityDrift = fmt.Errorf("system identifier drift")
