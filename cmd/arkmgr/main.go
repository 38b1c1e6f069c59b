// Package main is the CLI entry point for arkmgr.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkops/arkmgr/internal/backup"
	"github.com/arkops/arkmgr/internal/config"
	"github.com/arkops/arkmgr/internal/database"
	"github.com/arkops/arkmgr/internal/logging"
	"github.com/arkops/arkmgr/internal/notify"
	"github.com/arkops/arkmgr/internal/orchestrator"
	"github.com/arkops/arkmgr/internal/probe"
	"github.com/arkops/arkmgr/internal/profile"
	"github.com/arkops/arkmgr/internal/query"
	"github.com/arkops/arkmgr/internal/watcher"
	"github.com/arkops/arkmgr/internal/web"
)

var (
	// Version info (set via ldflags)
	Version = "0.1.0"
	Commit  = "dev"
)

var (
	cfgPath     string
	profileName string
	branchName  string
	withRestart bool
	withUpdate  bool
	withDB      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "arkmgr",
	Short:   "Dedicated server lifecycle manager",
	Long:    "arkmgr updates, stops, backs up and watches dedicated game servers defined as profiles.",
	Version: Version + " (" + Commit + ")",
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update one profile's server files and mods",
	RunE:  runUpdate,
}

var branchUpdateCmd = &cobra.Command{
	Use:   "branch-update",
	Short: "Refresh a branch cache and update every profile on it",
	RunE:  runBranchUpdate,
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop a profile's server after a timed player warning",
	RunE:  runShutdown,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive a profile's configuration and world files",
	RunE:  runBackup,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status watcher, backup scheduler and status API",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last status recorded for a profile",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "arkmgr.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&withDB, "db", true, "Record operations and status in the local database")

	updateCmd.Flags().StringVarP(&profileName, "profile", "p", "", "Profile name (required)")
	updateCmd.MarkFlagRequired("profile")

	branchUpdateCmd.Flags().StringVarP(&branchName, "branch", "b", "", "Branch name (empty for the default branch)")

	shutdownCmd.Flags().StringVarP(&profileName, "profile", "p", "", "Profile name (required)")
	shutdownCmd.MarkFlagRequired("profile")
	shutdownCmd.Flags().BoolVar(&withRestart, "restart", false, "Start the server again after the stop")
	shutdownCmd.Flags().BoolVar(&withUpdate, "update", false, "Update the profile while it is down")

	backupCmd.Flags().StringVarP(&profileName, "profile", "p", "", "Profile name (required)")
	backupCmd.MarkFlagRequired("profile")

	statusCmd.Flags().StringVarP(&profileName, "profile", "p", "", "Profile name (required)")
	statusCmd.MarkFlagRequired("profile")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(branchUpdateCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// setup loads config, logging and (optionally) the database, and wires
// an orchestrator. The returned cleanup closes what was opened.
func setup() (*orchestrator.Orchestrator, *config.Config, *database.DB, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, nil, nil, err
	}

	if err := logging.Init(cfg.Logging); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	var db *database.DB
	if withDB {
		db, err = database.New(cfg.Database.Path, cfg.Database.MaxConnections)
		if err != nil {
			logging.Close()
			return nil, nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			logging.Close()
			return nil, nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	cleanup := func() {
		if db != nil {
			db.Close()
		}
		logging.Close()
	}

	notifier := notify.NewWebhookNotifier(cfg.Alerts.WebhookURL)
	orch := orchestrator.New(cfg, cfgPath, db, notifier, nil)
	return orch, cfg, db, cleanup, nil
}

func snapshotFor(cfg *config.Config, name string) (profile.Snapshot, bool) {
	p := cfg.FindProfile(name)
	if p == nil {
		log.Printf("Unknown profile %q", name)
		return profile.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// signalContext cancels on SIGINT/SIGTERM so the warning countdown can
// be aborted from the terminal.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	orch, cfg, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	snap, ok := snapshotFor(cfg, profileName)
	if !ok {
		os.Exit(orchestrator.ExitBadProfile)
	}

	ctx, cancel := signalContext()
	defer cancel()

	code := orch.PerformProfileUpdate(ctx, snap.Branch(), snap)
	cleanup()
	os.Exit(code)
	return nil
}

func runBranchUpdate(cmd *cobra.Command, args []string) error {
	orch, _, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	code := orch.PerformServerBranchUpdate(ctx, branchName)
	cleanup()
	os.Exit(code)
	return nil
}

func runShutdown(cmd *cobra.Command, args []string) error {
	orch, cfg, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	snap, ok := snapshotFor(cfg, profileName)
	if !ok {
		os.Exit(orchestrator.ExitBadProfile)
	}

	ctx, cancel := signalContext()
	defer cancel()

	code := orch.PerformProfileShutdown(ctx, snap, withRestart, withUpdate)
	cleanup()
	os.Exit(code)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	orch, cfg, _, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	snap, ok := snapshotFor(cfg, profileName)
	if !ok {
		os.Exit(orchestrator.ExitBadProfile)
	}

	ctx, cancel := signalContext()
	defer cancel()

	code := orch.PerformProfileBackup(ctx, snap)
	cleanup()
	os.Exit(code)
	return nil
}

// runStatus reports the last status a serve loop recorded for the
// profile. It does not query the server itself.
func runStatus(cmd *cobra.Command, args []string) error {
	_, cfg, db, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.FindProfile(profileName) == nil {
		log.Printf("Unknown profile %q", profileName)
		cleanup()
		os.Exit(orchestrator.ExitBadProfile)
	}
	if db == nil {
		return fmt.Errorf("status requires the database (remove --db=false)")
	}

	status, observedAt, err := db.LastServerStatus(profileName)
	if err != nil {
		return fmt.Errorf("no recorded status for profile %s (is a serve loop running?): %w", profileName, err)
	}
	fmt.Printf("%s\t%s\t(as of %s)\n", profileName, status, observedAt.Format(time.RFC3339))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	orch, cfg, db, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	watch := watcher.New(probe.New(), query.NewClient(), query.NewMasterClient(""), db,
		time.Duration(cfg.Watcher.IntervalMillis)*time.Millisecond)
	watch.Start(ctx)

	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(cfg, db, web.NewHub())
	}

	// One registration per profile; updates flow to the database and,
	// when the API is enabled, to websocket subscribers.
	for _, p := range cfg.Profiles {
		reg := watcher.Registration{
			ProfileName: p.Name,
			InstallDir:  p.InstallDir,
			BindIP:      p.ServerIP,
			QueryPort:   p.QueryPort,
			PublicIP:    p.ServerIP,
			PublicPort:  p.QueryPort,
		}
		if srv != nil {
			reg.Callback = srv.StatusCallback
		}
		handle := watch.Register(reg)
		defer handle.Close()
	}

	scheduler := newBackupScheduler(cfg, orch)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("invalid backup schedule: %w", err)
	}

	if srv != nil {
		return srv.Start(ctx)
	}
	<-ctx.Done()
	return nil
}

func newBackupScheduler(cfg *config.Config, orch *orchestrator.Orchestrator) *backup.ScheduleRunner {
	profiles := func() []profile.Snapshot {
		out := make([]profile.Snapshot, 0, len(cfg.Profiles))
		for i := range cfg.Profiles {
			out = append(out, cfg.Profiles[i].Snapshot())
		}
		return out
	}
	run := func(ctx context.Context, snap profile.Snapshot) error {
		if code := orch.PerformProfileBackup(ctx, snap); code != orchestrator.ExitOK {
			return fmt.Errorf("backup exited with code %d (%s)", code, orchestrator.ExitCodeName(code))
		}
		return nil
	}
	return backup.NewScheduleRunner(cfg.Backup.AutoSchedule, cfg.Backup.RetentionDays, profiles, run, nil)
}
