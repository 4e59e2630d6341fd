// Package supervisor owns the single supervised child process and serializes
// every lifecycle operation against it.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Dicklesworthstone/command-server/internal/config"
	"github.com/Dicklesworthstone/command-server/internal/executor"
	"github.com/Dicklesworthstone/command-server/internal/logging"
)

// Status is the answer to a status query.
type Status struct {
	Running bool   `json:"running"`
	Output  string `json:"output"`
}

// Supervisor runs the configured commands against at most one child.
//
// All operations, including status, take the same lock for their whole
// duration, so they are totally ordered and a status never observes a
// half-finished start or stop.
type Supervisor struct {
	cmds   config.Commands
	exec   executor.Executor
	logger *slog.Logger

	mu    sync.Mutex
	child executor.Child
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Supervisor with no child running.
func New(cmds config.Commands, exec executor.Executor, opts ...Option) *Supervisor {
	s := &Supervisor{
		cmds:   cmds,
		exec:   exec,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a child handle is currently held.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child != nil
}

// Status runs the status command and reports its stdout together with
// whether a child is held.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.child != nil

	res, err := s.exec.Exec(ctx, s.cmds.Status)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to run status command", "command", s.cmds.Status, "error", err)
		return Status{}, &ExecutionError{Op: OpStatus, Command: s.cmds.Status, Err: err}
	}
	if !res.Success {
		s.logger.ErrorContext(ctx, "status command failed",
			"command", s.cmds.Status,
			"status", res.Status(),
			"stderr", res.TrimmedStderr())
		return Status{}, &CommandFailedError{Op: OpStatus, Command: s.cmds.Status, Result: res}
	}
	if !utf8.Valid(res.Stdout) {
		s.logger.ErrorContext(ctx, "status command output is not valid UTF-8", "command", s.cmds.Status)
		return Status{}, &ExecutionError{Op: OpDecode, Command: s.cmds.Status, Err: errInvalidUTF8}
	}

	return Status{Running: running, Output: string(res.Stdout)}, nil
}

// Run spawns the run command unless a child is already held.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil {
		s.logger.WarnContext(ctx, "cannot start command, already running", "pid", s.child.PID())
		return ErrAlreadyRunning
	}

	child, err := s.exec.Spawn(s.cmds.Run)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to run command", "command", s.cmds.Run, "error", err)
		return &ExecutionError{Op: OpRun, Command: s.cmds.Run, Err: err}
	}

	s.child = child
	s.logger.InfoContext(ctx, "started command", "command", s.cmds.Run, "pid", child.PID(), "child_id", child.ID())
	go s.watch(child)
	return nil
}

// watch logs a child that exits without being stopped. The handle is kept so
// that the running state only changes through Stop.
func (s *Supervisor) watch(child executor.Child) {
	<-child.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != child {
		return
	}

	res, err := child.Wait()
	if err != nil {
		s.logger.Warn("command exited on its own", "pid", child.PID(), "child_id", child.ID(), "error", err)
		return
	}
	s.logger.Warn("command exited on its own", "pid", child.PID(), "child_id", child.ID(), "status", res.Status())
}

// Stop runs the before-stop hook, kills and reaps the child, clears the
// handle and then runs the after-stop hook.
//
// A failing before-stop hook aborts the stop and leaves the child running.
// A failing after-stop hook is reported but the child stays stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child == nil {
		s.logger.WarnContext(ctx, "cannot stop command, not running")
		return ErrNotRunning
	}

	if err := s.hook(ctx, OpBeforeStop, s.cmds.BeforeStop); err != nil {
		return err
	}

	child := s.child
	if err := child.Terminate(); err != nil {
		s.logger.ErrorContext(ctx, "failed to kill command", "pid", child.PID(), "error", err)
		return &ExecutionError{Op: OpTerminate, Command: s.cmds.Run, Err: err}
	}
	res, err := child.Wait()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to wait for command", "pid", child.PID(), "error", err)
		return &ExecutionError{Op: OpWait, Command: s.cmds.Run, Err: err}
	}

	s.child = nil
	s.logger.InfoContext(ctx, "stopped command", "pid", child.PID(), "child_id", child.ID(), "status", res.Status())

	return s.hook(ctx, OpAfterStop, s.cmds.AfterStop)
}

// hook runs an optional stop hook. Output is not expected and is logged as a
// warning when present.
func (s *Supervisor) hook(ctx context.Context, op, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}

	res, err := s.exec.Exec(ctx, command)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to run "+op+" command", "command", command, "error", err)
		return &ExecutionError{Op: op, Command: command, Err: err}
	}
	if !res.Success {
		s.logger.ErrorContext(ctx, op+" command failed",
			"command", command,
			"status", res.Status(),
			"stderr", res.TrimmedStderr())
		return &CommandFailedError{Op: op, Command: command, Result: res}
	}

	if len(res.Stderr) > 0 {
		s.logger.WarnContext(ctx, op+" command produced stderr", "command", command, "stderr", string(res.Stderr))
	}
	if len(res.Stdout) > 0 {
		s.logger.WarnContext(ctx, op+" command produced stdout", "command", command, "stdout", string(res.Stdout))
	}
	return nil
}
