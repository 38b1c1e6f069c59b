package shutdown

import (
	"context"
	"fmt"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/arkops/arkmgr/internal/rcon"
)

// StopStrategy is one rung of the escalation ladder. Attempt initiates the
// stop; the sequencer then waits for the process to exit before trying the
// next rung. Platforms without a windowed-process concept simply do not
// register a close-main-window strategy, which is why the ladder is a list.
type StopStrategy interface {
	Name() string
	Attempt(ctx context.Context) error
}

// NewRconExit asks the server to shut itself down over the remote console.
// Only registered when RCON is enabled and configuration allows it.
func NewRconExit(console rcon.Console) StopStrategy {
	return rconExitStrategy{console: console}
}

type rconExitStrategy struct {
	console rcon.Console
}

func (rconExitStrategy) Name() string { return "rcon-exit" }

func (s rconExitStrategy) Attempt(ctx context.Context) error {
	if s.console == nil {
		return fmt.Errorf("no rcon session available")
	}
	if !s.console.SendCommand("DoExit", false) {
		return fmt.Errorf("exit command not confirmed")
	}
	return nil
}

// NewInterrupt delivers an OS-level stop signal to the server process.
func NewInterrupt(proc *process.Process) StopStrategy {
	return interruptStrategy{proc: proc}
}

type interruptStrategy struct {
	proc *process.Process
}

func (interruptStrategy) Name() string { return "interrupt" }

func (s interruptStrategy) Attempt(ctx context.Context) error {
	if err := s.proc.SendSignalWithContext(ctx, syscall.SIGINT); err != nil {
		// Fall back to SIGTERM when SIGINT cannot be delivered.
		if termErr := s.proc.TerminateWithContext(ctx); termErr != nil {
			return fmt.Errorf("interrupt failed: %v (terminate: %v)", err, termErr)
		}
	}
	return nil
}

// NewKill terminates the process forcefully. Last rung.
func NewKill(proc *process.Process) StopStrategy {
	return killStrategy{proc: proc}
}

type killStrategy struct {
	proc *process.Process
}

func (killStrategy) Name() string { return "kill" }

func (s killStrategy) Attempt(ctx context.Context) error {
	return s.proc.KillWithContext(ctx)
}

// Ladder builds the ordered escalation ladder for this platform.
func Ladder(proc *process.Process, console rcon.Console, rconExitEnabled bool) []StopStrategy {
	var out []StopStrategy
	if rconExitEnabled {
		out = append(out, NewRconExit(console))
	}
	out = append(out, NewInterrupt(proc), NewKill(proc))
	return out
}
