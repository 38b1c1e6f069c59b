// Package orchestrator exposes the lifecycle entry points consumed by
// the CLI and the schedule runner. Every entry point returns a numeric
// exit code, never panics, and releases its directory lease on all
// paths.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/arkops/arkmgr/internal/backup"
	"github.com/arkops/arkmgr/internal/config"
	"github.com/arkops/arkmgr/internal/database"
	"github.com/arkops/arkmgr/internal/launcher"
	"github.com/arkops/arkmgr/internal/lease"
	"github.com/arkops/arkmgr/internal/logging"
	"github.com/arkops/arkmgr/internal/modmeta"
	"github.com/arkops/arkmgr/internal/notify"
	"github.com/arkops/arkmgr/internal/probe"
	"github.com/arkops/arkmgr/internal/profile"
	"github.com/arkops/arkmgr/internal/query"
	"github.com/arkops/arkmgr/internal/rcon"
	"github.com/arkops/arkmgr/internal/shutdown"
	"github.com/arkops/arkmgr/internal/steamcmd"
	"github.com/arkops/arkmgr/internal/update"
	"github.com/arkops/arkmgr/internal/watcher"
)

// Orchestrator wires the lifecycle components for one process.
type Orchestrator struct {
	cfg      *config.Config
	cfgPath  string
	leases   *lease.Manager
	db       *database.DB // may be nil
	notifier notify.Notifier
	probe    *probe.Probe
	query    *query.Client
	steam    *steamcmd.Runner
	meta     modmeta.Client
	watch    *watcher.Watcher // may be nil
}

// New creates an orchestrator. db and watch may be nil; a nil notifier
// is replaced by a no-op one.
func New(cfg *config.Config, cfgPath string, db *database.DB, notifier notify.Notifier, watch *watcher.Watcher) *Orchestrator {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		cfg:      cfg,
		cfgPath:  cfgPath,
		leases:   lease.NewManager(cfg.Storage.LockDir, 5*time.Minute),
		db:       db,
		notifier: notifier,
		probe:    probe.New(),
		query:    query.NewClient(),
		steam:    steamcmd.NewRunner(cfg.Storage.SteamCmdPath),
		meta:     modmeta.NewHTTPClient(""),
		watch:    watch,
	}
}

// PerformProfileBackup archives the profile's configuration and world
// files, then prunes archives past retention.
func (o *Orchestrator) PerformProfileBackup(ctx context.Context, snap profile.Snapshot) (code int) {
	defer o.recovered(&code, "backup", snap.ProfileName)

	if err := snap.Validate(); err != nil {
		log.Printf("[Orchestrator] Invalid profile %q: %v", snap.ProfileName, err)
		return ExitBadProfile
	}

	oplog := o.newOpLog(snap.ProfileName)
	defer oplog.Close()
	finish := o.recordOp("backup", snap.ProfileName)
	defer func() { finish(code) }()

	oplog.Printf("backup started for profile %s", snap.ProfileName)

	installLease, err := o.leases.Acquire(ctx, snap.InstallDir)
	if err != nil {
		return o.leaseFailure(ctx, oplog, err)
	}
	defer installLease.Release()

	dest, err := backup.NewDestination(o.cfg.Backup.Destination)
	if err != nil {
		oplog.Printf("backup destination unavailable: %v", err)
		dest = nil
	}
	archiver := backup.NewArchiver(o.cfg.Storage.BackupDir, o.db, dest, oplog)

	if err := archiver.BackupProfile(snap, o.cfgPath); err != nil {
		oplog.Printf("backup failed: %v", err)
		o.alert(ctx, fmt.Sprintf("backup failed for profile %s: %v", snap.ProfileName, err))
		return ExitUnknownError
	}

	retention := o.cfg.Backup.RetentionDays
	if retention <= 0 {
		retention = 7
	}
	archiver.Prune(snap.ProfileName, retention)

	oplog.Printf("backup completed")
	return ExitOK
}

// PerformProfileUpdate refreshes the branch cache and then promotes it
// into the profile's install directory, mods included.
func (o *Orchestrator) PerformProfileUpdate(ctx context.Context, branch profile.Branch, snap profile.Snapshot) (code int) {
	defer o.recovered(&code, "update", snap.ProfileName)

	if err := snap.Validate(); err != nil {
		log.Printf("[Orchestrator] Invalid profile %q: %v", snap.ProfileName, err)
		return ExitBadProfile
	}
	if code := o.checkDirs(); code != ExitOK {
		return code
	}

	oplog := o.newOpLog(snap.ProfileName)
	defer oplog.Close()
	finish := o.recordOp("update", snap.ProfileName)
	defer func() { finish(code) }()

	pipeline := o.newPipeline(oplog)

	if code := o.refreshCache(ctx, oplog, pipeline, branch); code != ExitOK {
		return code
	}

	installLease, err := o.leases.Acquire(ctx, snap.InstallDir)
	if err != nil {
		return o.leaseFailure(ctx, oplog, err)
	}
	defer installLease.Release()

	return o.refreshProfileLocked(ctx, oplog, pipeline, snap)
}

// PerformServerBranchUpdate refreshes a branch's cache once and then
// updates every profile on that branch, optionally in parallel.
func (o *Orchestrator) PerformServerBranchUpdate(ctx context.Context, branchName string) (code int) {
	defer o.recovered(&code, "branch-update", branchName)

	profiles := o.cfg.ProfilesOnBranch(branchName)
	if len(profiles) == 0 {
		log.Printf("[Orchestrator] No profiles on branch %q", branchName)
		return ExitBadProfile
	}
	if code := o.checkDirs(); code != ExitOK {
		return code
	}

	oplog := o.newOpLog("branch_" + branchName)
	defer oplog.Close()
	finish := o.recordOp("branch-update", branchName)
	defer func() { finish(code) }()

	branch := profiles[0].Snapshot().Branch()
	pipeline := o.newPipeline(oplog)

	if code := o.refreshCache(ctx, oplog, pipeline, branch); code != ExitOK {
		return code
	}

	codes := make([]int, len(profiles))
	if o.cfg.Update.ParallelProfiles {
		var wg sync.WaitGroup
		for i := range profiles {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				codes[i] = o.updateOneProfile(ctx, oplog, pipeline, profiles[i].Snapshot())
			}(i)
		}
		wg.Wait()
	} else {
		for i := range profiles {
			codes[i] = o.updateOneProfile(ctx, oplog, pipeline, profiles[i].Snapshot())
		}
	}

	for _, c := range codes {
		if c != ExitOK {
			return c
		}
	}
	return ExitOK
}

func (o *Orchestrator) updateOneProfile(ctx context.Context, oplog *logging.OpLog, pipeline *update.Pipeline, snap profile.Snapshot) int {
	installLease, err := o.leases.Acquire(ctx, snap.InstallDir)
	if err != nil {
		return o.leaseFailure(ctx, oplog, err)
	}
	defer installLease.Release()
	return o.refreshProfileLocked(ctx, oplog, pipeline, snap)
}

// PerformProfileShutdown runs the timed shutdown sequence. With update
// set, the profile is updated between stop and restart; with restart
// set, the server is started again afterwards.
func (o *Orchestrator) PerformProfileShutdown(ctx context.Context, snap profile.Snapshot, restart, doUpdate bool) (code int) {
	defer o.recovered(&code, "shutdown", snap.ProfileName)

	if err := snap.Validate(); err != nil {
		log.Printf("[Orchestrator] Invalid profile %q: %v", snap.ProfileName, err)
		return ExitBadProfile
	}
	// The countdown needs a dialable query endpoint.
	if snap.ServerIP != "" && net.ParseIP(snap.ServerIP) == nil {
		log.Printf("[Orchestrator] Profile %q has an unparseable server IP %q", snap.ProfileName, snap.ServerIP)
		return ExitBadEndpoint
	}

	oplog := o.newOpLog(snap.ProfileName)
	defer oplog.Close()
	finish := o.recordOp("shutdown", snap.ProfileName)
	defer func() { finish(code) }()

	installLease, err := o.leases.Acquire(ctx, snap.InstallDir)
	if err != nil {
		return o.leaseFailure(ctx, oplog, err)
	}
	defer installLease.Release()

	proc, err := o.probe.FindProcess(snap.InstallDir)
	if err != nil {
		oplog.Printf("process lookup failed: %v", err)
		return ExitUnknownError
	}
	wasRunning := proc != nil

	var console rcon.Console
	if snap.RCONEnabled && snap.RCONPort > 0 {
		host := snap.ServerIP
		if host == "" {
			host = "127.0.0.1"
		}
		client := rcon.New(host, snap.RCONPort, snap.AdminPassword, oplog)
		defer client.Close()
		console = client
	}

	res := shutdown.ResultNotRunning
	if wasRunning {
		opts := shutdown.Options{
			GraceMinutes:    o.cfg.Shutdown.GraceMinutes,
			RconExitEnabled: o.cfg.Shutdown.EnableRconExit && snap.RCONEnabled,
			SaveWait:        time.Duration(o.cfg.Shutdown.SaveWaitSeconds) * time.Second,
			ExitWait:        60 * time.Second,
			BroadcastSettle: 2 * time.Second,
		}
		strategies := shutdown.Ladder(proc, console, opts.RconExitEnabled)
		seq := shutdown.NewSequencer(snap, console, o.playersFor(snap), processHandle{proc}, strategies, opts, oplog)

		res, err = seq.Run(ctx)
		if err != nil {
			oplog.Printf("shutdown sequence error: %v", err)
		}
	} else {
		oplog.Printf("server not running")
	}

	switch res {
	case shutdown.ResultCancelled:
		return ExitCancelled
	case shutdown.ResultTimedOut:
		o.alert(ctx, fmt.Sprintf("shutdown timed out for profile %s", snap.ProfileName))
		return ExitShutdownTimeout
	case shutdown.ResultNotRunning:
		if !restart {
			return ExitServerNotRunning
		}
	}

	if doUpdate {
		pipeline := o.newPipeline(oplog)
		if c := o.refreshCache(ctx, oplog, pipeline, snap.Branch()); c != ExitOK {
			return c
		}
		if c := o.refreshProfileLocked(ctx, oplog, pipeline, snap); c != ExitOK {
			return c
		}
	}

	if restart {
		if !wasRunning && !snap.AutoRestartIfShutdown {
			oplog.Printf("server was not running and auto-restart is disabled, start skipped")
			return ExitOK
		}
		pid, err := launcher.Start(snap)
		if err != nil {
			oplog.Printf("restart failed: %v", err)
			o.alert(ctx, fmt.Sprintf("restart failed for profile %s: %v", snap.ProfileName, err))
			return ExitRestartFailed
		}
		oplog.Printf("server started (pid %d)", pid)
		if err := o.notifier.SendSuccess(ctx, fmt.Sprintf("server %s started (pid %d)", snap.ProfileName, pid)); err != nil {
			log.Printf("[Orchestrator] Startup notification failed: %v", err)
		}
	}

	return ExitOK
}

// RegisterForUpdates subscribes a callback to status updates for one
// endpoint. The returned handle unsubscribes it.
func (o *Orchestrator) RegisterForUpdates(reg watcher.Registration) (*watcher.Handle, error) {
	if o.watch == nil {
		return nil, errors.New("status watcher not running")
	}
	return o.watch.Register(reg), nil
}

// --- shared steps ---

func (o *Orchestrator) newPipeline(oplog *logging.OpLog) *update.Pipeline {
	return update.NewPipeline(o.cfg.Update, o.cfg.Storage.CacheDir, o.steam, o.meta, o.leases, oplog)
}

func (o *Orchestrator) refreshCache(ctx context.Context, oplog *logging.OpLog, pipeline *update.Pipeline, branch profile.Branch) int {
	_, err := pipeline.RefreshCache(ctx, branch)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, update.ErrToolNotFound):
		return ExitToolNotFound
	case errors.Is(err, lease.ErrBusy):
		oplog.Printf("cache is busy with another operation")
		return ExitAlreadyRunning
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitCancelled
	case errors.Is(err, update.ErrCacheUpdateFailed):
		o.alert(ctx, fmt.Sprintf("cache update failed for branch %q", branch.Name))
		return ExitCacheUpdateFailed
	default:
		oplog.Printf("cache refresh error: %v", err)
		return ExitUnknownError
	}
}

// refreshProfileLocked promotes the cache into the install directory.
// The caller holds the install-directory lease.
func (o *Orchestrator) refreshProfileLocked(ctx context.Context, oplog *logging.OpLog, pipeline *update.Pipeline, snap profile.Snapshot) int {
	result, err := pipeline.RefreshProfile(ctx, snap)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ExitCancelled
		}
		oplog.Printf("profile refresh error: %v", err)
		return ExitUnknownError
	}
	if result.OK() {
		return ExitOK
	}
	if !result.Server.Success {
		o.alert(ctx, fmt.Sprintf("server files update failed for profile %s: %s", snap.ProfileName, result.Server.FailureReason))
		return ExitServerUpdateFailed
	}
	for _, mod := range result.Mods {
		if !mod.Success && mod.FailureReason == "mod metadata unavailable" {
			return ExitModMetadataFailed
		}
	}
	o.alert(ctx, fmt.Sprintf("mod update failed for profile %s", snap.ProfileName))
	return ExitModUpdateFailed
}

func (o *Orchestrator) checkDirs() int {
	if err := o.cfg.EnsureDirs(); err != nil {
		log.Printf("[Orchestrator] %v", err)
		return ExitInvalidDataDir
	}
	if o.cfg.Storage.CacheDir == "" {
		return ExitInvalidCacheDir
	}
	return ExitOK
}

func (o *Orchestrator) leaseFailure(ctx context.Context, oplog *logging.OpLog, err error) int {
	if errors.Is(err, lease.ErrBusy) {
		oplog.Printf("another operation holds the directory lease")
		return ExitAlreadyRunning
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitCancelled
	}
	oplog.Printf("lease acquisition failed: %v", err)
	return ExitUnknownError
}

func (o *Orchestrator) newOpLog(name string) *logging.OpLog {
	oplog, err := logging.NewOpLog(o.cfg.Storage.OpsLogDir, name, time.Now())
	if err != nil {
		log.Printf("[Orchestrator] Failed to open operation log: %v", err)
		return nil // OpLog methods are nil-safe
	}
	return oplog
}

// recordOp opens an operation-run row and returns its finisher. With no
// database both are no-ops.
func (o *Orchestrator) recordOp(operation, target string) func(code int) {
	if o.db == nil {
		return func(int) {}
	}
	id := uuid.New().String()
	run := &database.OperationRun{
		ID:        id,
		Profile:   target,
		Kind:      operation,
		StartedAt: time.Now(),
	}
	if err := o.db.InsertOperation(run); err != nil {
		log.Printf("[Orchestrator] Failed to record operation: %v", err)
		return func(int) {}
	}
	return func(code int) {
		if err := o.db.FinishOperation(id, code, ExitCodeName(code)); err != nil {
			log.Printf("[Orchestrator] Failed to finish operation record: %v", err)
		}
	}
}

// recovered converts a panic in an entry point into the unknown-error
// exit code. Lifecycle operations must never crash the process.
func (o *Orchestrator) recovered(code *int, operation, target string) {
	if r := recover(); r != nil {
		log.Printf("[Orchestrator] Panic in %s for %s: %v", operation, target, r)
		o.alert(context.Background(), fmt.Sprintf("unexpected failure in %s for %s: %v", operation, target, r))
		*code = ExitUnknownError
	}
}

func (o *Orchestrator) alert(ctx context.Context, message string) {
	if err := o.notifier.SendError(ctx, message); err != nil {
		log.Printf("[Orchestrator] Alert delivery failed: %v", err)
	}
}

// playersFor adapts the local query client to the sequencer's
// player-count interface.
func (o *Orchestrator) playersFor(snap profile.Snapshot) shutdown.PlayerCounter {
	ip := snap.ServerIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return queryPlayers{
		client: o.query,
		addr:   net.JoinHostPort(ip, strconv.Itoa(snap.QueryPort)),
	}
}

type queryPlayers struct {
	client *query.Client
	addr   string
}

func (q queryPlayers) Players(ctx context.Context) ([]query.Player, error) {
	return q.client.Players(ctx, q.addr)
}

// processHandle adapts a gopsutil process to the sequencer.
type processHandle struct {
	proc *process.Process
}

func (h processHandle) Running() bool {
	if h.proc == nil {
		return false
	}
	running, err := h.proc.IsRunning()
	return err == nil && running
}
