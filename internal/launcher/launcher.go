// Package launcher starts the server binary for a profile.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/arkops/arkmgr/internal/profile"
)

// QueryArgs builds the map query string the server binary expects as
// its first argument.
func QueryArgs(snap profile.Snapshot) string {
	var b strings.Builder
	b.WriteString(snap.MapName)
	b.WriteString("?listen")
	if snap.ServerIP != "" {
		b.WriteString("?MultiHome=" + snap.ServerIP)
	}
	if snap.GamePort > 0 {
		b.WriteString("?Port=" + strconv.Itoa(snap.GamePort))
	}
	if snap.QueryPort > 0 {
		b.WriteString("?QueryPort=" + strconv.Itoa(snap.QueryPort))
	}
	if snap.RCONEnabled {
		b.WriteString("?RCONEnabled=True")
		if snap.RCONPort > 0 {
			b.WriteString("?RCONPort=" + strconv.Itoa(snap.RCONPort))
		}
	}
	if snap.AdminPassword != "" {
		b.WriteString("?ServerAdminPassword=" + snap.AdminPassword)
	}
	return b.String()
}

// Flags builds the dash-style flags that follow the query string.
func Flags(snap profile.Snapshot) []string {
	flags := []string{"-server", "-log"}
	if snap.TotalConversionModID != "" {
		flags = append(flags, "-TotalConversionMod="+snap.TotalConversionModID)
	}
	if snap.SOTF {
		flags = append(flags, "-sotf")
	}
	return flags
}

// Start launches the server binary detached from this process. The
// caller does not hold a handle: the status watcher finds the process
// again by path.
func Start(snap profile.Snapshot) (int, error) {
	bin := snap.ServerBinaryPath()
	if _, err := os.Stat(bin); err != nil {
		return 0, fmt.Errorf("server binary not found: %w", err)
	}

	args := append([]string{QueryArgs(snap)}, Flags(snap)...)
	cmd := exec.Command(bin, args...)
	cmd.Dir = filepath.Dir(bin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start server: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release process handle: %w", err)
	}
	return pid, nil
}
