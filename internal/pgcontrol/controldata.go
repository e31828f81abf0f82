package pgcontrol

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cloudnative-pg/pg-keeper/internal/domain"
)

// ExecControlData reads the Postgres identity triple by invoking
// `pg_controldata` against PGDATA and parsing its key/value output. This
// is the fallback path used when Postgres is not accepting connections.
// Shelling out keeps the binary control-file format out of our hands.
type ExecControlData struct {
	// BinaryPath overrides the "pg_controldata" lookup, primarily for
	// tests.
	BinaryPath string
}

func (e ExecControlData) binary() string {
	if e.BinaryPath != "" {
		return e.BinaryPath
	}
	return "pg_controldata"
}

// ReadControlData implements ControlDataReader.
func (e ExecControlData) ReadControlData(pgData string) (domain.ControlData, error) {
	cmd := exec.Command(e.binary(), pgData) //nolint:gosec
	out, err := cmd.Output()
	if err != nil {
		return domain.ControlData{}, fmt.Errorf("while running pg_controldata: %w", err)
	}
	return ParseControlData(out)
}

// ParseControlData parses the textual output of `pg_controldata` into a
// ControlData triple. It is split out from ReadControlData so it can be
// unit tested against a captured sample without invoking a real binary.
func ParseControlData(output []byte) (domain.ControlData, error) {
	var cd domain.ControlData
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		switch key {
		case "pg_control version number":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				cd.PgControlVersion = uint32(v)
			}
		case "Catalog version number":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				cd.CatalogVersionNo = uint32(v)
			}
		case "Database system identifier":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				cd.SystemIdentifier = v
			}
		}
	}
	if cd.SystemIdentifier == 0 {
		return cd, fmt.Errorf("could not find a system identifier in pg_controldata output")
	}
	return cd, nil
}

// FilePidfile reads the listening port of a running Postgres out of
// postmaster.pid, the same file `pg_ctl status` itself consults.
type FilePidfile struct{}

// ReadPort implements PidfileReader. The second return value is false when
// no pidfile is present (Postgres not running), which is not itself an
// error.
func (FilePidfile) ReadPort(pgData string) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(pgData, "postmaster.pid"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("while reading postmaster.pid: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	// line 4 (0-indexed 3) of postmaster.pid is the port number.
	const portLineIndex = 3
	if len(lines) <= portLineIndex {
		return 0, false, fmt.Errorf("postmaster.pid has fewer than %d lines", portLineIndex+1)
	}

	port, err := strconv.Atoi(strings.TrimSpace(lines[portLineIndex]))
	if err != nil {
		return 0, false, fmt.Errorf("while parsing port from postmaster.pid: %w", err)
	}
	return port, true, nil
}
