package keeper

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cloudnative-pg/pg-keeper/pkg/fileutils"
)

// PidFile enforces exclusive ownership of the data directory: exactly one
// keeper per pgdata. The loop re-checks ownership on every iteration and
// exits fast if another process has taken over the file.
type PidFile struct {
	path string
	pid  int
}

// NewPidFile prepares a pidfile for the current process at path.
func NewPidFile(path string) *PidFile {
	return &PidFile{path: path, pid: os.Getpid()}
}

// Acquire writes the pidfile, refusing when another live process already
// holds it. A stale pidfile (no such process) is taken over.
func (p *PidFile) Acquire() error {
	if otherPid, err := readPid(p.path); err == nil && otherPid != p.pid {
		if processAlive(otherPid) {
			return fmt.Errorf("pidfile %q is held by running process %d", p.path, otherPid)
		}
	}
	if _, err := fileutils.WriteStringToFile(p.path, strconv.Itoa(p.pid)+"\n"); err != nil {
		return fmt.Errorf("while writing pidfile %q: %w", p.path, err)
	}
	return nil
}

// OwnedByUs reports whether the pidfile on disk still names this
// process.
func (p *PidFile) OwnedByUs() bool {
	pid, err := readPid(p.path)
	return err == nil && pid == p.pid
}

// Release removes the pidfile, only when it is still ours.
func (p *PidFile) Release() error {
	if !p.OwnedByUs() {
		return nil
	}
	return fileutils.RemoveFile(p.path)
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %q holds non-numeric content: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
