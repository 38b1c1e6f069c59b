// Package update drives the two-level update pipeline: refreshing the shared
// per-branch cache from the download tool, then promoting cache contents into
// profile install directories and mod directories by version comparison.
package update

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/arkops/arkmgr/internal/config"
	"github.com/arkops/arkmgr/internal/lease"
	"github.com/arkops/arkmgr/internal/modmeta"
	"github.com/arkops/arkmgr/internal/profile"
	"github.com/arkops/arkmgr/internal/steamcmd"
)

const (
	cacheAttempts    = 10
	modFetchAttempts = 3
	attemptBackoff   = 5 * time.Second

	// DefaultWorkshopAppID is the game app whose workshop hosts the mods.
	DefaultWorkshopAppID = "346110"
)

// ErrCacheUpdateFailed is surfaced after the download tool exhausted all
// attempts without producing a valid cache.
var ErrCacheUpdateFailed = errors.New("update: cache refresh failed after all attempts")

// ErrToolNotFound is returned when the download tool binary is missing.
var ErrToolNotFound = errors.New("update: download tool not found")

// ToolRunner abstracts the download tool invocation for tests.
type ToolRunner interface {
	Available() bool
	Run(ctx context.Context, args []string, workDir string, onLine func(string)) (*steamcmd.Result, error)
}

// OpLogger receives operation-log lines.
type OpLogger interface {
	Printf(format string, args ...interface{})
}

// Outcome is the result of one update attempt for the server files or a
// single mod.
type Outcome struct {
	Success            bool
	NewVersionDetected bool
	FailureReason      string
}

// ModOutcome pairs a mod id with its outcome.
type ModOutcome struct {
	ModID string
	Outcome
}

// ProfileResult aggregates a profile refresh. The overall operation succeeds
// only when the server update succeeded and every mod succeeded.
type ProfileResult struct {
	Server Outcome
	Mods   []ModOutcome
}

// OK reports overall success.
func (r *ProfileResult) OK() bool {
	if !r.Server.Success {
		return false
	}
	for _, m := range r.Mods {
		if !m.Success {
			return false
		}
	}
	return true
}

// Pipeline coordinates cache and profile refreshes.
type Pipeline struct {
	cfg       config.UpdateConfig
	cacheRoot string
	runner    ToolRunner
	meta      modmeta.Client
	leases    *lease.Manager
	oplog     OpLogger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires a pipeline. oplog may be nil.
func NewPipeline(cfg config.UpdateConfig, cacheRoot string, runner ToolRunner, meta modmeta.Client, leases *lease.Manager, oplog OpLogger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		cacheRoot: cacheRoot,
		runner:    runner,
		meta:      meta,
		leases:    leases,
		oplog:     oplog,
		sleep:     sleepCtx,
	}
}

// BranchCacheDir returns the shared server-files cache for a branch.
func (p *Pipeline) BranchCacheDir(branch profile.Branch) string {
	name := strings.TrimSpace(branch.Name)
	if name == "" {
		name = "default"
	}
	return filepath.Join(p.cacheRoot, "branches", name)
}

// ModCacheDir returns the shared content cache for one mod.
func (p *Pipeline) ModCacheDir(modID string) string {
	return filepath.Join(p.cacheRoot, "mods", modID)
}

func (p *Pipeline) workshopRoot() string {
	return filepath.Join(p.cacheRoot, "workshop")
}

// RefreshCache refreshes the shared cache for a branch. It acquires the
// cache-directory lease for the whole refresh, invokes the tool up to ten
// times with a fixed backoff, and on success records the new version
// timestamp in the cache's sidecar. No partial state is promoted on failure.
func (p *Pipeline) RefreshCache(ctx context.Context, branch profile.Branch) (Outcome, error) {
	if !p.runner.Available() {
		return Outcome{FailureReason: "download tool not found"}, ErrToolNotFound
	}

	cacheDir := p.BranchCacheDir(branch)
	cacheLease, err := p.leases.Acquire(ctx, cacheDir)
	if err != nil {
		return Outcome{FailureReason: "cache busy"}, err
	}
	defer cacheLease.Release()

	start := time.Now()
	p.logf("cache refresh started for branch %q in %s", branch.Name, cacheDir)

	for attempt := 1; attempt <= cacheAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{FailureReason: "cancelled"}, ctx.Err()
		}

		args := steamcmd.InstallArgs(cacheDir, branch.Name, branch.Password, p.cfg.ValidateFiles)
		result, err := p.runner.Run(ctx, args, cacheDir, func(line string) {
			p.logf("tool: %s", line)
		})
		if err != nil {
			p.logf("cache refresh attempt %d/%d: tool error: %v", attempt, cacheAttempts, err)
		} else if ok := p.cacheRefreshSucceeded(result, cacheDir, start); ok {
			version := time.Now()
			if err := WriteVersion(cacheDir, version); err != nil {
				return Outcome{FailureReason: err.Error()}, err
			}
			p.logf("cache refresh succeeded on attempt %d (version %s)", attempt, version.Format(time.RFC3339))
			return Outcome{Success: true, NewVersionDetected: result.SawDownload}, nil
		} else {
			p.logf("cache refresh attempt %d/%d failed (exit=%d, marker=%v)", attempt, cacheAttempts, result.ExitCode, result.SuccessMarker)
		}

		if attempt < cacheAttempts {
			if err := p.sleep(ctx, attemptBackoff); err != nil {
				return Outcome{FailureReason: "cancelled"}, err
			}
		}
	}

	p.logf("cache refresh exhausted %d attempts", cacheAttempts)
	return Outcome{FailureReason: "cache update failed"}, ErrCacheUpdateFailed
}

// cacheRefreshSucceeded applies the double success criterion: the tool's own
// textual marker with a zero exit, optionally confirmed by a file under the
// cache tree modified at or after the operation start. When the two signals
// disagree the mismatch is logged and the tool's signal wins.
func (p *Pipeline) cacheRefreshSucceeded(result *steamcmd.Result, cacheDir string, start time.Time) bool {
	if result.ExitCode != 0 || !result.SuccessMarker {
		return false
	}
	if p.cfg.CheckFileTimestamps {
		latest := LatestModTime(cacheDir)
		if latest.Before(start) {
			p.logf("version signal mismatch: tool reported success but no file under %s changed since %s", cacheDir, start.Format(time.RFC3339))
		}
	}
	return true
}

// RefreshProfile promotes cache contents into the profile's install directory
// and refreshes every referenced mod. The caller holds the install-directory
// lease. Server files are always processed before any mod, because mod
// compatibility depends on the installed game version.
func (p *Pipeline) RefreshProfile(ctx context.Context, snap profile.Snapshot) (*ProfileResult, error) {
	result := &ProfileResult{}

	result.Server = p.refreshServerFiles(ctx, snap)
	if !result.Server.Success {
		// Without current server files no mod compatibility is knowable.
		return result, nil
	}

	mods := snap.AllModIDs()
	if len(mods) == 0 {
		return result, nil
	}

	details, err := p.fetchModMetadata(ctx, mods)
	if err != nil {
		p.logf("mod metadata batch failed: %v", err)
		if !p.cfg.ForceModUpdateOnMetaFailure {
			for _, id := range mods {
				result.Mods = append(result.Mods, ModOutcome{ModID: id, Outcome: Outcome{FailureReason: "mod metadata unavailable"}})
			}
			return result, nil
		}
		details = map[string]modmeta.Details{}
	}

	for _, id := range mods {
		outcome := p.refreshMod(ctx, snap, id, details)
		result.Mods = append(result.Mods, ModOutcome{ModID: id, Outcome: outcome})
		// One mod's failure is recorded but does not abort the rest.
	}
	return result, nil
}

func (p *Pipeline) refreshServerFiles(ctx context.Context, snap profile.Snapshot) Outcome {
	cacheDir := p.BranchCacheDir(snap.Branch())

	cacheVersion, cacheOK := ReadVersion(cacheDir)
	if !cacheOK {
		return Outcome{FailureReason: "no cache version recorded; run a branch update first"}
	}

	installVersion, installOK := ReadVersion(snap.InstallDir)
	if installOK && !installVersion.Before(cacheVersion) {
		p.logf("server files current (install %s >= cache %s), skipping copy",
			installVersion.Format(time.RFC3339), cacheVersion.Format(time.RFC3339))
		return Outcome{Success: true}
	}

	stats, err := MergeTree(ctx, cacheDir, snap.InstallDir, p.cfg.SmartCopy)
	if err != nil {
		return Outcome{FailureReason: fmt.Sprintf("server files copy failed: %v", err)}
	}
	if err := WriteVersion(snap.InstallDir, cacheVersion); err != nil {
		return Outcome{FailureReason: err.Error()}
	}

	p.logf("server files updated: %d copied, %d skipped", stats.Copied, stats.Skipped)
	return Outcome{Success: true, NewVersionDetected: stats.Copied > 0}
}

func (p *Pipeline) refreshMod(ctx context.Context, snap profile.Snapshot, modID string, details map[string]modmeta.Details) Outcome {
	modCache := p.ModCacheDir(modID)
	cacheVersion, cacheOK := ReadVersion(modCache)

	var remoteVersion time.Time
	appID := DefaultWorkshopAppID
	if d, ok := details[modID]; ok {
		remoteVersion = d.LastUpdated
		if d.ConsumerAppID != "" && d.ConsumerAppID != "0" {
			appID = d.ConsumerAppID
		}
		p.logf("mod %s (%s): remote version %s", modID, d.Title, remoteVersion.Format(time.RFC3339))
	} else {
		p.logf("mod %s: no metadata available, forcing refresh", modID)
	}

	needDownload := !cacheOK || remoteVersion.IsZero() || cacheVersion.Before(remoteVersion)
	if needDownload {
		if outcome := p.downloadMod(ctx, appID, modID, modCache); !outcome.Success {
			return outcome
		}
		cacheVersion, _ = ReadVersion(modCache)
	}

	installDir := snap.ModInstallDir(modID)
	installVersion, installOK := ReadVersion(installDir)
	if installOK && !installVersion.Before(cacheVersion) {
		p.logf("mod %s current, skipping copy", modID)
		return Outcome{Success: true}
	}

	stats, err := MergeTree(ctx, modCache, installDir, p.cfg.SmartCopy)
	if err != nil {
		return Outcome{FailureReason: fmt.Sprintf("mod copy failed: %v", err)}
	}
	if err := WriteVersion(installDir, cacheVersion); err != nil {
		return Outcome{FailureReason: err.Error()}
	}

	p.logf("mod %s updated: %d copied, %d skipped", modID, stats.Copied, stats.Skipped)
	return Outcome{Success: true, NewVersionDetected: stats.Copied > 0}
}

// downloadMod pulls one mod's content into its cache directory via the tool's
// workshop download, then records the cache version.
func (p *Pipeline) downloadMod(ctx context.Context, appID, modID, modCache string) Outcome {
	if !p.runner.Available() {
		return Outcome{FailureReason: "download tool not found"}
	}

	workshopDir := p.workshopRoot()
	start := time.Now()

	for attempt := 1; attempt <= modFetchAttempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{FailureReason: "cancelled"}
		}

		args := steamcmd.ModDownloadArgs(workshopDir, appID, modID)
		result, err := p.runner.Run(ctx, args, workshopDir, nil)
		if err == nil && result.ExitCode == 0 {
			contentDir := filepath.Join(workshopDir, "steamapps", "workshop", "content", appID, modID)
			if _, mergeErr := MergeTree(ctx, contentDir, modCache, p.cfg.SmartCopy); mergeErr != nil {
				return Outcome{FailureReason: fmt.Sprintf("mod stage copy failed: %v", mergeErr)}
			}
			if err := WriteVersion(modCache, time.Now()); err != nil {
				return Outcome{FailureReason: err.Error()}
			}
			p.logf("mod %s downloaded in %s", modID, time.Since(start).Round(time.Second))
			return Outcome{Success: true, NewVersionDetected: true}
		}

		if err != nil {
			p.logf("mod %s download attempt %d/%d: %v", modID, attempt, modFetchAttempts, err)
		} else {
			p.logf("mod %s download attempt %d/%d failed (exit=%d)", modID, attempt, modFetchAttempts, result.ExitCode)
		}
		if attempt < modFetchAttempts {
			if err := p.sleep(ctx, attemptBackoff); err != nil {
				return Outcome{FailureReason: "cancelled"}
			}
		}
	}
	return Outcome{FailureReason: "mod download failed"}
}

func (p *Pipeline) fetchModMetadata(ctx context.Context, mods []string) (map[string]modmeta.Details, error) {
	var lastErr error
	for attempt := 1; attempt <= modFetchAttempts; attempt++ {
		details, err := p.meta.FetchBatch(ctx, mods)
		if err == nil {
			return details, nil
		}
		lastErr = err
		if attempt < modFetchAttempts {
			if err := p.sleep(ctx, attemptBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.oplog != nil {
		p.oplog.Printf(format, args...)
		return
	}
	log.Printf("[Update] "+format, args...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
