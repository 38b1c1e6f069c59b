package update

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// VersionFileName is the sidecar holding a location's opaque version
// timestamp. One lives in each cache directory and each install directory.
const VersionFileName = ".arkmgr-version"

// ReadVersion returns the version recorded for dir. ok is false when no
// version has ever been recorded (or the sidecar is unreadable).
func ReadVersion(dir string) (time.Time, bool) {
	data, err := os.ReadFile(filepath.Join(dir, VersionFileName))
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WriteVersion records the version timestamp for dir.
func WriteVersion(dir string, version time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}
	path := filepath.Join(dir, VersionFileName)
	if err := os.WriteFile(path, []byte(version.Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write version sidecar: %w", err)
	}
	return nil
}

// LatestModTime returns the newest modification time of any regular file
// under dir, excluding the version sidecar itself. Zero when the tree is
// empty or missing.
func LatestModTime(dir string) time.Time {
	var latest time.Time
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() == VersionFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}
