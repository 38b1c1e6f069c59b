// Package lease provides cross-process mutual exclusion scoped to a
// directory. A lease is a lock file created with O_EXCL and held for the
// duration of a lifecycle operation; the file records the holder's PID so a
// stale lock left by a crashed process can be broken.
package lease

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrBusy is returned when the lease could not be acquired within the wait
// budget because another operation holds it.
var ErrBusy = errors.New("lease: directory is locked by another operation")

const (
	// DefaultWait bounds how long Acquire blocks before giving up.
	DefaultWait = 5 * time.Minute

	pollInterval = 500 * time.Millisecond

	// heartbeatInterval refreshes the lock file's mtime while held.
	heartbeatInterval = 30 * time.Second

	// staleAfter breaks a lock whose holder is gone and whose file has not
	// been refreshed for this long.
	staleAfter = 2 * time.Minute
)

type lockInfo struct {
	PID        int       `json:"pid"`
	Dir        string    `json:"dir"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lease is a held directory lock. Release it on every exit path.
type Lease struct {
	path     string
	dir      string
	stopBeat chan struct{}
	released bool
}

// Manager creates leases under a common lock directory.
type Manager struct {
	lockDir string
	wait    time.Duration
}

// NewManager creates a lease manager. An empty lockDir falls back to the
// system temp directory; a zero wait uses DefaultWait.
func NewManager(lockDir string, wait time.Duration) *Manager {
	if strings.TrimSpace(lockDir) == "" {
		lockDir = filepath.Join(os.TempDir(), "arkmgr-locks")
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Manager{lockDir: lockDir, wait: wait}
}

// Key derives the stable lock name for a directory path. The path is cleaned
// and case-folded so equivalent spellings map to the same lock.
func Key(dir string) string {
	clean := filepath.Clean(dir)
	if runtime.GOOS == "windows" {
		clean = strings.ToLower(clean)
	}
	sum := sha1.Sum([]byte(clean))
	return hex.EncodeToString(sum[:])
}

// Acquire obtains the lease for dir, waiting up to the manager's bound.
// Returns ErrBusy when another live holder keeps the lock past the deadline.
func (m *Manager) Acquire(ctx context.Context, dir string) (*Lease, error) {
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lockPath := filepath.Join(m.lockDir, Key(dir)+".lock")
	deadline := time.Now().Add(m.wait)

	for {
		ok, err := tryCreate(lockPath, dir)
		if err != nil {
			return nil, err
		}
		if ok {
			l := &Lease{path: lockPath, dir: dir, stopBeat: make(chan struct{})}
			go l.heartbeat()
			return l, nil
		}

		if broken := breakIfStale(lockPath); broken {
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func tryCreate(lockPath, dir string) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	info := lockInfo{PID: os.Getpid(), Dir: dir, AcquiredAt: time.Now()}
	if err := json.NewEncoder(f).Encode(&info); err != nil {
		os.Remove(lockPath)
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	return true, nil
}

// breakIfStale removes a lock whose holder process no longer exists, or whose
// file has not been touched within the staleness window. Returns true if the
// lock was removed.
func breakIfStale(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		// Racing with a release; let the caller retry.
		return false
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable lock files are only broken via the mtime window.
		info.PID = 0
	}

	if info.PID > 0 && info.PID != os.Getpid() {
		alive, err := process.PidExists(int32(info.PID))
		if err == nil && !alive {
			log.Printf("[Lease] Breaking lock %s held by dead process %d", filepath.Base(lockPath), info.PID)
			return os.Remove(lockPath) == nil
		}
		if err == nil && alive {
			return false
		}
	}

	st, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	if time.Since(st.ModTime()) > staleAfter {
		log.Printf("[Lease] Breaking stale lock %s (last touched %s)", filepath.Base(lockPath), st.ModTime().Format(time.RFC3339))
		return os.Remove(lockPath) == nil
	}
	return false
}

func (l *Lease) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopBeat:
			return
		case <-ticker.C:
			now := time.Now()
			if err := os.Chtimes(l.path, now, now); err != nil {
				log.Printf("[Lease] Failed to refresh lock %s: %v", filepath.Base(l.path), err)
			}
		}
	}
}

// Dir returns the directory the lease protects.
func (l *Lease) Dir() string {
	return l.dir
}

// Release removes the lock file. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	close(l.stopBeat)
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Printf("[Lease] Failed to remove lock file %s: %v", l.path, err)
	}
}
