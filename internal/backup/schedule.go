package backup

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arkops/arkmgr/internal/profile"
)

// BackupFunc performs one backup run for a profile.
type BackupFunc func(ctx context.Context, snap profile.Snapshot) error

// ScheduleRunner executes automatic backups on a cron schedule. It
// polls for dueness rather than relying on a long-lived timer so that
// host suspend/resume cannot silently skip a run.
type ScheduleRunner struct {
	schedule      string
	retentionDays int
	profiles      func() []profile.Snapshot
	run           BackupFunc
	archiver      *Archiver
	interval      time.Duration

	mu      sync.Mutex
	nextRun time.Time
}

func NewScheduleRunner(schedule string, retentionDays int, profiles func() []profile.Snapshot, run BackupFunc, archiver *Archiver) *ScheduleRunner {
	return &ScheduleRunner{
		schedule:      schedule,
		retentionDays: retentionDays,
		profiles:      profiles,
		run:           run,
		archiver:      archiver,
		interval:      30 * time.Second,
	}
}

// Start begins the polling loop. It returns immediately; the loop
// stops when ctx is cancelled. An empty schedule disables the runner.
func (sr *ScheduleRunner) Start(ctx context.Context) error {
	if sr.schedule == "" {
		return nil
	}

	next, err := computeNextRun(sr.schedule, time.Now())
	if err != nil {
		return err
	}
	sr.mu.Lock()
	sr.nextRun = next
	sr.mu.Unlock()

	ticker := time.NewTicker(sr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("[BackupSchedule] Stopping schedule runner")
				return
			case <-ticker.C:
				sr.runIfDue(ctx)
			}
		}
	}()
	return nil
}

// NextRun reports when the next automatic backup is due.
func (sr *ScheduleRunner) NextRun() time.Time {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.nextRun
}

func (sr *ScheduleRunner) runIfDue(ctx context.Context) {
	now := time.Now()

	sr.mu.Lock()
	due := !sr.nextRun.IsZero() && !now.Before(sr.nextRun)
	if due {
		next, err := computeNextRun(sr.schedule, now)
		if err != nil {
			log.Printf("[BackupSchedule] Invalid schedule %q: %v", sr.schedule, err)
			sr.mu.Unlock()
			return
		}
		sr.nextRun = next
	}
	sr.mu.Unlock()

	if !due {
		return
	}

	for _, snap := range sr.profiles() {
		if !snap.AutoBackupEnabled {
			continue
		}
		if err := sr.run(ctx, snap); err != nil {
			log.Printf("[BackupSchedule] Backup failed for profile %s: %v", snap.ProfileName, err)
			continue
		}
		if sr.retentionDays > 0 && sr.archiver != nil {
			sr.archiver.Prune(snap.ProfileName, sr.retentionDays)
		}
	}
}

func computeNextRun(schedule string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	parsed, err := parser.Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(from), nil
}
