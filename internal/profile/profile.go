// Package profile defines the immutable operational view of a server profile.
package profile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Snapshot is a point-in-time copy of a profile's operational fields. It is
// taken by value at the start of a lifecycle operation so that concurrent
// profile edits cannot corrupt an in-flight operation.
type Snapshot struct {
	ProfileName string
	InstallDir  string

	ServerIP  string
	GamePort  int
	QueryPort int

	RCONEnabled   bool
	RCONPort      int
	AdminPassword string

	BranchName     string
	BranchPassword string

	MapName              string
	MapModID             string
	TotalConversionModID string
	ServerModIDs         []string

	// SOTF servers have no persistent world save.
	SOTF          bool
	ProceduralMap bool

	AutoRestartIfShutdown bool
	AutoBackupEnabled     bool
	MOTD                  string
}

// Branch identifies a distinct server build shared by zero or more profiles.
// Profiles on the same branch share one download cache.
type Branch struct {
	Name     string
	Password string
}

// Branch returns the profile's branch descriptor.
func (s Snapshot) Branch() Branch {
	return Branch{Name: s.BranchName, Password: s.BranchPassword}
}

// ServerBinaryName is the well-known executable name of the dedicated server.
func ServerBinaryName() string {
	if runtime.GOOS == "windows" {
		return "ShooterGameServer.exe"
	}
	return "ShooterGameServer"
}

// ServerBinaryRelPath is the binary location relative to the install dir.
func ServerBinaryRelPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join("ShooterGame", "Binaries", "Win64", "ShooterGameServer.exe")
	}
	return filepath.Join("ShooterGame", "Binaries", "Linux", "ShooterGameServer")
}

// ServerBinaryPath returns the absolute expected binary path for the profile.
func (s Snapshot) ServerBinaryPath() string {
	return filepath.Join(s.InstallDir, ServerBinaryRelPath())
}

// SavedDir returns the root of the server's persistent state.
func (s Snapshot) SavedDir() string {
	return filepath.Join(s.InstallDir, "ShooterGame", "Saved")
}

// SaveGamesDir returns the world save directory.
func (s Snapshot) SaveGamesDir() string {
	return filepath.Join(s.SavedDir(), "SavedArks")
}

// ConfigDir returns the directory holding the two game config files.
func (s Snapshot) ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(s.SavedDir(), "Config", "WindowsServer")
	}
	return filepath.Join(s.SavedDir(), "Config", "LinuxServer")
}

// WorldSaveName returns the world-save filename for the profile's map.
func (s Snapshot) WorldSaveName() string {
	if s.ProceduralMap {
		return s.MapName + "_P.ark"
	}
	return s.MapName + ".ark"
}

// ModInstallDir returns where a mod's content is installed for this profile.
func (s Snapshot) ModInstallDir(modID string) string {
	return filepath.Join(s.InstallDir, "ShooterGame", "Content", "Mods", modID)
}

var modIDPattern = regexp.MustCompile(`^[0-9]+$`)

// AllModIDs returns the de-duplicated, validated union of the map mod, the
// total-conversion mod and the active mod list, in configured order.
func (s Snapshot) AllModIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || !modIDPattern.MatchString(id) {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(s.MapModID)
	add(s.TotalConversionModID)
	for _, id := range s.ServerModIDs {
		add(id)
	}
	return ids
}

// Validate checks the fields every lifecycle operation depends on.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.ProfileName) == "" {
		return fmt.Errorf("profile name is empty")
	}
	if strings.TrimSpace(s.InstallDir) == "" {
		return fmt.Errorf("profile %s: install directory is empty", s.ProfileName)
	}
	if !filepath.IsAbs(s.InstallDir) {
		return fmt.Errorf("profile %s: install directory is not absolute: %s", s.ProfileName, s.InstallDir)
	}
	if s.QueryPort <= 0 || s.QueryPort > 65535 {
		return fmt.Errorf("profile %s: invalid query port %d", s.ProfileName, s.QueryPort)
	}
	if s.RCONEnabled && (s.RCONPort <= 0 || s.RCONPort > 65535) {
		return fmt.Errorf("profile %s: invalid rcon port %d", s.ProfileName, s.RCONPort)
	}
	return nil
}
