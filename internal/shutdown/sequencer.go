// Package shutdown implements the timed graceful-shutdown state machine:
// warn connected players over a countdown, save the world, then escalate
// through increasingly forceful stop strategies until the process exits.
package shutdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/arkops/arkmgr/internal/profile"
	"github.com/arkops/arkmgr/internal/query"
	"github.com/arkops/arkmgr/internal/rcon"
)

// Result is the terminal state of one shutdown invocation.
type Result int

const (
	// ResultStopped: a stop strategy resulted in process exit.
	ResultStopped Result = iota
	// ResultCancelled: the countdown or save phase was cancelled.
	ResultCancelled
	// ResultTimedOut: every strategy was exhausted without exit. Fatal.
	ResultTimedOut
	// ResultNotRunning: there was no process to stop.
	ResultNotRunning
)

func (r Result) String() string {
	switch r {
	case ResultStopped:
		return "stopped"
	case ResultCancelled:
		return "cancelled"
	case ResultTimedOut:
		return "timed-out"
	case ResultNotRunning:
		return "not-running"
	default:
		return "unknown"
	}
}

// PlayerCounter fetches the connected-player list, best effort.
type PlayerCounter interface {
	Players(ctx context.Context) ([]query.Player, error)
}

// ProcessHandle is the minimal view of the server process the sequencer
// needs: whether it is still there.
type ProcessHandle interface {
	Running() bool
}

// OpLogger receives operation-log lines.
type OpLogger interface {
	Printf(format string, args ...interface{})
}

// Options tune one shutdown invocation.
type Options struct {
	GraceMinutes    int
	RconExitEnabled bool
	SaveWait        time.Duration // settle delay after the save command
	ExitWait        time.Duration // per-strategy wait for process exit
	BroadcastSettle time.Duration // part of the minute budget a broadcast consumes
}

// DefaultOptions mirror the configured defaults.
func DefaultOptions() Options {
	return Options{
		GraceMinutes:    10,
		RconExitEnabled: true,
		SaveWait:        15 * time.Second,
		ExitWait:        60 * time.Second,
		BroadcastSettle: 2 * time.Second,
	}
}

// Sequencer runs the countdown state machine for one profile.
type Sequencer struct {
	snap       profile.Snapshot
	console    rcon.Console
	players    PlayerCounter
	proc       ProcessHandle
	strategies []StopStrategy
	opts       Options
	oplog      OpLogger

	// sleep is injectable so tests do not wait out real minutes.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSequencer wires a sequencer. console may be nil when RCON is disabled;
// broadcasts then become no-ops.
func NewSequencer(snap profile.Snapshot, console rcon.Console, players PlayerCounter, proc ProcessHandle, strategies []StopStrategy, opts Options, oplog OpLogger) *Sequencer {
	if opts.ExitWait <= 0 {
		opts.ExitWait = 60 * time.Second
	}
	return &Sequencer{
		snap:       snap,
		console:    console,
		players:    players,
		proc:       proc,
		strategies: strategies,
		opts:       opts,
		oplog:      oplog,
		sleep:      sleepCtx,
	}
}

// Run drives Idle → Warning → WorldSave → Stopping to a terminal result.
// Cancellation is honoured at the top of every countdown tick and once more
// before the save; once Stopping begins it runs to completion or timeout.
func (s *Sequencer) Run(ctx context.Context) (Result, error) {
	if s.proc == nil || !s.proc.Running() {
		s.logf("server not running, nothing to stop")
		return ResultNotRunning, nil
	}

	if res, done := s.warningPhase(ctx); done {
		return res, nil
	}

	if ctx.Err() != nil {
		s.broadcast("Server shutdown has been cancelled.")
		return ResultCancelled, nil
	}

	s.worldSavePhase(ctx)

	// A late cancellation here still ends the operation in Cancelled.
	if ctx.Err() != nil {
		s.logf("cancelled after world save")
		return ResultCancelled, nil
	}

	return s.stoppingPhase(ctx)
}

// warningPhase runs the per-minute countdown. Returns done=true when the
// whole operation should end (cancellation).
func (s *Sequencer) warningPhase(ctx context.Context) (Result, bool) {
	for minute := s.opts.GraceMinutes; minute >= 1; minute-- {
		if ctx.Err() != nil {
			s.logf("countdown cancelled at %d minute(s) remaining", minute)
			s.broadcast("Server shutdown has been cancelled.")
			return ResultCancelled, true
		}

		players := s.currentPlayers(ctx)
		if players == 0 {
			s.logf("no players online at %d minute(s) remaining, skipping countdown", minute)
			return 0, false
		}

		wait := time.Duration(60) * time.Second
		if ShouldBroadcastAt(minute, s.opts.GraceMinutes) {
			s.broadcast(countdownMessage(minute))
			wait -= s.opts.BroadcastSettle
		}

		if err := s.sleep(ctx, wait); err != nil {
			s.logf("countdown cancelled while waiting")
			s.broadcast("Server shutdown has been cancelled.")
			return ResultCancelled, true
		}
	}
	return 0, false
}

// currentPlayers queries the connected-player count, best effort. A query
// failure just skips the check for this tick; it never aborts the countdown.
func (s *Sequencer) currentPlayers(ctx context.Context) int {
	if s.players == nil {
		return -1
	}
	list, err := s.players.Players(ctx)
	if err != nil {
		s.logf("player query failed, continuing countdown: %v", err)
		return -1
	}
	s.logf("players online: %d", len(list))
	return len(list)
}

func (s *Sequencer) worldSavePhase(ctx context.Context) {
	if s.snap.SOTF {
		s.logf("profile type forbids world saves, skipping save")
		return
	}

	s.broadcast("Saving the world before shutdown...")
	// The save is critical: sent once, logged on failure, never retried
	// aggressively.
	if s.console != nil && !s.console.SendCommand("SaveWorld", false) {
		s.logf("world save command not confirmed")
	}
	if s.opts.SaveWait > 0 {
		s.sleep(ctx, s.opts.SaveWait)
	}
}

func (s *Sequencer) stoppingPhase(ctx context.Context) (Result, error) {
	for _, strategy := range s.strategies {
		s.logf("stop strategy %q", strategy.Name())
		if err := strategy.Attempt(context.WithoutCancel(ctx)); err != nil {
			s.logf("stop strategy %q failed to initiate: %v", strategy.Name(), err)
		}

		if s.waitForExit() {
			s.logf("process exited after strategy %q", strategy.Name())
			s.restoreSaveIfMissing()
			return ResultStopped, nil
		}
		s.logf("process still running %s after strategy %q", s.opts.ExitWait, strategy.Name())
	}

	s.logf("all stop strategies exhausted, process still running")
	return ResultTimedOut, fmt.Errorf("server process did not exit")
}

// waitForExit polls the process for up to the per-strategy exit budget.
func (s *Sequencer) waitForExit() bool {
	deadline := time.Now().Add(s.opts.ExitWait)
	for time.Now().Before(deadline) {
		if !s.proc.Running() {
			return true
		}
		s.sleep(context.Background(), 2*time.Second)
	}
	return !s.proc.Running()
}

// restoreSaveIfMissing recovers the world save from the server's temporary
// file when the save itself is gone after exit (crash during save).
func (s *Sequencer) restoreSaveIfMissing() {
	if s.snap.SOTF {
		return
	}
	saveDir := s.snap.SaveGamesDir()
	savePath := filepath.Join(saveDir, s.snap.WorldSaveName())
	if _, err := os.Stat(savePath); err == nil {
		return
	}

	tmpPath := savePath + ".tmp"
	if _, err := os.Stat(tmpPath); err != nil {
		return
	}
	if err := os.Rename(tmpPath, savePath); err != nil {
		s.logf("failed to restore world save from %s: %v", filepath.Base(tmpPath), err)
		return
	}
	s.logf("restored world save from temporary file")
}

func (s *Sequencer) broadcast(message string) {
	if s.console == nil {
		return
	}
	// Broadcasts are best effort and allowed to retry.
	s.console.SendCommand("Broadcast "+message, true)
}

// ShouldBroadcastAt implements the warning cadence: a message on the first
// tick, every 5 minutes while more than 5 remain, and every minute during
// the last 5.
func ShouldBroadcastAt(minute, total int) bool {
	if minute < 1 {
		return false
	}
	if minute == total || minute <= 5 {
		return true
	}
	return minute%5 == 0
}

// BroadcastMinutes lists the minutes that produce a broadcast for a countdown
// of n minutes, in countdown order.
func BroadcastMinutes(n int) []int {
	var out []int
	for minute := n; minute >= 1; minute-- {
		if ShouldBroadcastAt(minute, n) {
			out = append(out, minute)
		}
	}
	return out
}

func countdownMessage(minute int) string {
	if minute == 1 {
		return "The server is shutting down in 1 minute! Find a safe spot and log out."
	}
	return fmt.Sprintf("The server is shutting down in %d minutes.", minute)
}

func (s *Sequencer) logf(format string, args ...interface{}) {
	if s.oplog != nil {
		s.oplog.Printf(format, args...)
		return
	}
	log.Printf("[Shutdown] "+format, args...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
