package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arkops/arkmgr/internal/config"
	"github.com/arkops/arkmgr/internal/database"
	"github.com/arkops/arkmgr/internal/lease"
	"github.com/arkops/arkmgr/internal/modmeta"
	"github.com/arkops/arkmgr/internal/probe"
	"github.com/arkops/arkmgr/internal/profile"
	"github.com/arkops/arkmgr/internal/query"
	"github.com/arkops/arkmgr/internal/steamcmd"
	"github.com/arkops/arkmgr/internal/update"
)

// fakeNotifier records delivered alerts.
type fakeNotifier struct {
	mu       sync.Mutex
	errors   []string
	statuses []string
}

func (n *fakeNotifier) SendSuccess(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, message)
	return nil
}

func (n *fakeNotifier) SendError(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
	return nil
}

func (n *fakeNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(base, "data")
	cfg.Storage.CacheDir = filepath.Join(base, "cache")
	cfg.Storage.BackupDir = filepath.Join(base, "backups")
	cfg.Storage.OpsLogDir = filepath.Join(base, "oplogs")
	cfg.Storage.LockDir = filepath.Join(base, "locks")
	cfg.Storage.SteamCmdPath = filepath.Join(base, "no-such-tool")
	cfg.Database.Path = filepath.Join(base, "arkmgr.db")
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, notifier *fakeNotifier) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		cfg:      cfg,
		cfgPath:  filepath.Join(t.TempDir(), "arkmgr.yaml"),
		leases:   lease.NewManager(cfg.Storage.LockDir, 500*time.Millisecond),
		notifier: notifier,
		probe:    probe.New(),
		query:    query.NewClient(),
		steam:    steamcmd.NewRunner(cfg.Storage.SteamCmdPath),
		meta:     modmeta.NewHTTPClient(""),
	}
}

func testSnapshot(t *testing.T) profile.Snapshot {
	t.Helper()
	return profile.Snapshot{
		ProfileName: "island",
		InstallDir:  t.TempDir(),
		MapName:     "TheIsland",
		QueryPort:   27015,
	}
}

func TestBackupRejectsInvalidProfile(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), &fakeNotifier{})

	snap := testSnapshot(t)
	snap.InstallDir = "relative/install/dir"

	if code := o.PerformProfileBackup(context.Background(), snap); code != ExitBadProfile {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitBadProfile)
	}
}

func TestBackupSucceedsWithoutSourceFiles(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), &fakeNotifier{})

	if code := o.PerformProfileBackup(context.Background(), testSnapshot(t)); code != ExitOK {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitOK)
	}
}

func TestBackupHeldLeaseMeansAlreadyRunning(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, &fakeNotifier{})
	snap := testSnapshot(t)

	held, err := o.leases.Acquire(context.Background(), snap.InstallDir)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	if code := o.PerformProfileBackup(context.Background(), snap); code != ExitAlreadyRunning {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitAlreadyRunning)
	}
}

func TestBackupCancelledWhileWaitingForLease(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, &fakeNotifier{})
	o.leases = lease.NewManager(cfg.Storage.LockDir, time.Minute)
	snap := testSnapshot(t)

	held, err := o.leases.Acquire(context.Background(), snap.InstallDir)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if code := o.PerformProfileBackup(ctx, snap); code != ExitCancelled {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitCancelled)
	}
}

func TestUpdateToolMissing(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), &fakeNotifier{})
	snap := testSnapshot(t)

	code := o.PerformProfileUpdate(context.Background(), snap.Branch(), snap)
	if code != ExitToolNotFound {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitToolNotFound)
	}
}

func TestBranchUpdateWithoutProfiles(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), &fakeNotifier{})

	if code := o.PerformServerBranchUpdate(context.Background(), "no-such-branch"); code != ExitBadProfile {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitBadProfile)
	}
}

func TestPanicBecomesUnknownError(t *testing.T) {
	notifier := &fakeNotifier{}
	// A nil config makes the entry point dereference nil after
	// validation; the recovery path must turn that into an exit code.
	o := newTestOrchestrator(t, testConfig(t), notifier)
	o.cfg = nil

	if code := o.PerformProfileBackup(context.Background(), testSnapshot(t)); code != ExitUnknownError {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitUnknownError)
	}
	if notifier.errorCount() == 0 {
		t.Error("a recovered panic must alert the operator")
	}
}

func TestShutdownRejectsUnparseableServerIP(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), &fakeNotifier{})
	snap := testSnapshot(t)
	snap.ServerIP = "island.invalid"

	if code := o.PerformProfileShutdown(context.Background(), snap, false, false); code != ExitBadEndpoint {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitBadEndpoint)
	}
}

func TestShutdownServerNotRunning(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), &fakeNotifier{})

	code := o.PerformProfileShutdown(context.Background(), testSnapshot(t), false, false)
	if code != ExitServerNotRunning {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitServerNotRunning)
	}
}

// --- profile refresh failure codes ---

// unavailableRunner reports the download tool as missing.
type unavailableRunner struct{}

func (unavailableRunner) Available() bool { return false }
func (unavailableRunner) Run(ctx context.Context, args []string, workDir string, onLine func(string)) (*steamcmd.Result, error) {
	return &steamcmd.Result{ExitCode: 1}, nil
}

// failingMeta errors on every batch and cancels the given context so
// the retry loop ends after the first attempt.
type failingMeta struct {
	cancel context.CancelFunc
}

func (m *failingMeta) FetchBatch(ctx context.Context, modIDs []string) (map[string]modmeta.Details, error) {
	if m.cancel != nil {
		m.cancel()
	}
	return nil, context.DeadlineExceeded
}

// staticMeta answers every mod with a fixed last-updated time.
type staticMeta struct {
	lastUpdated time.Time
}

func (m staticMeta) FetchBatch(ctx context.Context, modIDs []string) (map[string]modmeta.Details, error) {
	out := make(map[string]modmeta.Details, len(modIDs))
	for _, id := range modIDs {
		out[id] = modmeta.Details{ModID: id, LastUpdated: m.lastUpdated}
	}
	return out, nil
}

// currentInstall records matching cache and install versions so the
// server-files step succeeds without invoking the download tool.
func currentInstall(t *testing.T, p *update.Pipeline, snap profile.Snapshot) {
	t.Helper()
	now := time.Now()
	if err := update.WriteVersion(p.BranchCacheDir(snap.Branch()), now); err != nil {
		t.Fatal(err)
	}
	if err := update.WriteVersion(snap.InstallDir, now); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshProfileModMetadataUnavailable(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, &fakeNotifier{})

	snap := testSnapshot(t)
	snap.ServerModIDs = []string{"731604991"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline := update.NewPipeline(cfg.Update, cfg.Storage.CacheDir, unavailableRunner{}, &failingMeta{cancel: cancel}, o.leases, nil)
	currentInstall(t, pipeline, snap)

	if code := o.refreshProfileLocked(ctx, nil, pipeline, snap); code != ExitModMetadataFailed {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitModMetadataFailed)
	}
}

func TestRefreshProfileModUpdateFailure(t *testing.T) {
	cfg := testConfig(t)
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(t, cfg, notifier)

	snap := testSnapshot(t)
	snap.ServerModIDs = []string{"731604991"}

	pipeline := update.NewPipeline(cfg.Update, cfg.Storage.CacheDir, unavailableRunner{}, staticMeta{lastUpdated: time.Now()}, o.leases, nil)
	currentInstall(t, pipeline, snap)

	code := o.refreshProfileLocked(context.Background(), nil, pipeline, snap)
	if code != ExitModUpdateFailed {
		t.Errorf("code = %d (%s), want %d", code, ExitCodeName(code), ExitModUpdateFailed)
	}
	if notifier.errorCount() == 0 {
		t.Error("mod update failure must alert the operator")
	}
}

func TestRecordOpPersistsRun(t *testing.T) {
	cfg := testConfig(t)
	db, err := database.New(cfg.Database.Path, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	o := newTestOrchestrator(t, cfg, &fakeNotifier{})
	o.db = db

	finish := o.recordOp("backup", "island")
	finish(ExitAlreadyRunning)

	var kind, prof, detail string
	var exitCode int
	row := db.QueryRow(`SELECT kind, profile, exit_code, detail FROM operation_runs`)
	if err := row.Scan(&kind, &prof, &exitCode, &detail); err != nil {
		t.Fatal(err)
	}
	if kind != "backup" || prof != "island" {
		t.Errorf("recorded run = %s/%s", kind, prof)
	}
	if exitCode != ExitAlreadyRunning || !strings.Contains(detail, "already") {
		t.Errorf("finalized run = %d %q", exitCode, detail)
	}
}
