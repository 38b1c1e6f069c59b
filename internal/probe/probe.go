// Package probe locates the OS process running a server install.
package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/arkops/arkmgr/internal/profile"
)

// Probe finds server processes by matching their on-disk binary path against
// the path expected for an install directory.
type Probe struct {
	binaryName string
}

// New creates a probe for the well-known server executable.
func New() *Probe {
	return &Probe{binaryName: profile.ServerBinaryName()}
}

// BinaryInstalled reports whether the server binary exists under installDir.
func (p *Probe) BinaryInstalled(installDir string) bool {
	_, err := os.Stat(filepath.Join(installDir, profile.ServerBinaryRelPath()))
	return err == nil
}

// FindProcess returns the process running the server binary from installDir,
// or nil if none is running. No match is never an error.
func (p *Probe) FindProcess(installDir string) (*process.Process, error) {
	expected := filepath.Join(installDir, profile.ServerBinaryRelPath())

	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil || !strings.EqualFold(name, p.binaryName) {
			continue
		}
		exe, err := proc.Exe()
		if err != nil {
			continue // process may have exited or be inaccessible
		}
		if SamePath(exe, expected) {
			return proc, nil
		}
	}
	return nil, nil
}

// FindProcessStrict is the status watcher's variant: in addition to the
// binary path, the command line must reference the install directory, the
// expected query port and, when set, the exact bind IP. This disambiguates
// multiple instances of the same binary.
func (p *Probe) FindProcessStrict(installDir string, queryPort int, bindIP string) (*process.Process, error) {
	proc, err := p.FindProcess(installDir)
	if err != nil || proc == nil {
		return nil, err
	}

	cmdline, err := proc.Cmdline()
	if err != nil {
		return nil, nil
	}
	if !MatchesCommandLine(cmdline, installDir, queryPort, bindIP) {
		return nil, nil
	}
	return proc, nil
}

// FindPID is FindProcessStrict reduced to a pid, for callers that only
// classify and never signal the process.
func (p *Probe) FindPID(installDir string, queryPort int, bindIP string) (int32, bool, error) {
	proc, err := p.FindProcessStrict(installDir, queryPort, bindIP)
	if err != nil || proc == nil {
		return 0, false, err
	}
	return proc.Pid, true, nil
}

// MatchesCommandLine applies the strict command-line checks.
func MatchesCommandLine(cmdline, installDir string, queryPort int, bindIP string) bool {
	folded := cmdline
	dir := filepath.Clean(installDir)
	if runtime.GOOS == "windows" {
		folded = strings.ToLower(cmdline)
		dir = strings.ToLower(dir)
	}
	if !strings.Contains(folded, dir) {
		return false
	}
	if queryPort > 0 && !strings.Contains(folded, "QueryPort="+strconv.Itoa(queryPort)) {
		return false
	}
	if bindIP != "" && !strings.Contains(folded, "MultiHome="+bindIP) {
		return false
	}
	return true
}

// SamePath compares two file paths for equality after cleaning, ignoring
// case on platforms with case-insensitive filesystems.
func SamePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
