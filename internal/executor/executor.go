// Package executor runs operator-supplied shell strings, either to completion
// (status checks, hooks) or as the single long-lived supervised child.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Executor is the process-execution capability the supervisor depends on.
type Executor interface {
	// Exec runs command to completion and captures its output. A non-nil
	// error means the command could not be launched or its outcome could not
	// be collected; a command that ran and exited non-zero is reported through
	// Result.Success instead.
	Exec(ctx context.Context, command string) (*Result, error)

	// Spawn starts command as a long-lived child and returns immediately.
	Spawn(command string) (Child, error)
}

// Child is a handle to a spawned process.
type Child interface {
	ID() string
	PID() int
	Started() time.Time

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// Terminate asks the process (and its process group) to exit. It is not an
	// error to terminate a child that already exited.
	Terminate() error

	// Wait blocks until the process has exited and returns how it exited.
	Wait() (*Result, error)
}

// Result is the outcome of a finished process.
type Result struct {
	Success bool
	// ExitCode is -1 when the process was terminated by a signal.
	ExitCode int
	// Signal names the terminating signal, if any.
	Signal string
	Stdout []byte
	Stderr []byte
}

// Status renders the exit status the way a shell user would read it.
func (r *Result) Status() string {
	if r == nil {
		return "unknown status"
	}
	if r.Signal != "" {
		return "signal: " + r.Signal
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

// TrimmedStderr returns stderr without surrounding whitespace.
func (r *Result) TrimmedStderr() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Stderr))
}

const (
	defaultShell     = "sh"
	defaultShellFlag = "-c"
)

// Shell executes commands through a POSIX shell, "sh -c" by default.
type Shell struct {
	program string
	args    []string

	childStdout io.Writer
	childStderr io.Writer
}

// ShellOption configures a Shell.
type ShellOption func(*Shell)

// WithShell overrides the shell program and the arguments placed before the
// command string.
func WithShell(program string, args ...string) ShellOption {
	return func(s *Shell) {
		if strings.TrimSpace(program) == "" {
			return
		}
		s.program = program
		s.args = append([]string(nil), args...)
	}
}

// WithChildOutput sets where the spawned child's stdout and stderr go. Nil
// writers discard the corresponding stream.
func WithChildOutput(stdout, stderr io.Writer) ShellOption {
	return func(s *Shell) {
		s.childStdout = stdout
		s.childStderr = stderr
	}
}

// NewShell creates a shell executor. The spawned child inherits the
// supervisor's stdout and stderr unless WithChildOutput says otherwise.
func NewShell(opts ...ShellOption) *Shell {
	s := &Shell{
		program:     defaultShell,
		args:        []string{defaultShellFlag},
		childStdout: os.Stdout,
		childStderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Program returns the shell program and its leading arguments.
func (s *Shell) Program() (string, []string) {
	return s.program, append([]string(nil), s.args...)
}

func (s *Shell) argv(command string) []string {
	return append(append([]string(nil), s.args...), command)
}

// Exec implements Executor.
func (s *Shell) Exec(ctx context.Context, command string) (*Result, error) {
	cmd := exec.CommandContext(ctx, s.program, s.argv(command)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", s.program, err)
		}
	}

	result := resultFromState(cmd.ProcessState)
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	return result, nil
}

// Spawn implements Executor.
func (s *Shell) Spawn(command string) (Child, error) {
	cmd := exec.Command(s.program, s.argv(command)...)
	cmd.Stdout = s.childStdout
	cmd.Stderr = s.childStderr
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.program, err)
	}

	p := newProcess(uuid.NewString(), cmd)
	go p.waitLoop()
	return p, nil
}

// resultFromState converts a finished process state into a Result.
func resultFromState(state *os.ProcessState) *Result {
	if state == nil {
		return &Result{ExitCode: -1}
	}
	result := &Result{
		Success:  state.Success(),
		ExitCode: state.ExitCode(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		result.Signal = ws.Signal().String()
	}
	return result
}
