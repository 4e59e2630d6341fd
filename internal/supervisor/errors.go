package supervisor

import (
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/command-server/internal/executor"
)

// ErrConflict is matched by every error caused by calling an operation in
// the wrong state.
var ErrConflict = errors.New("conflict")

var (
	ErrAlreadyRunning = fmt.Errorf("command already running: %w", ErrConflict)
	ErrNotRunning     = fmt.Errorf("command not running: %w", ErrConflict)
)

var errInvalidUTF8 = errors.New("output is not valid UTF-8")

// Operation names used in ExecutionError and CommandFailedError.
const (
	OpStatus     = "status"
	OpRun        = "run"
	OpBeforeStop = "before-stop"
	OpAfterStop  = "after-stop"
	OpTerminate  = "terminate"
	OpWait       = "wait"
	OpDecode     = "decode"
)

// ExecutionError reports a command that could not be launched or whose
// outcome could not be collected.
type ExecutionError struct {
	Op      string
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s command %q: %v", e.Op, e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CommandFailedError reports a command that ran but exited unsuccessfully.
type CommandFailedError struct {
	Op      string
	Command string
	Result  *executor.Result
}

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("%s command %q failed with %s", e.Op, e.Command, e.Result.Status())
	if stderr := e.Result.TrimmedStderr(); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
