package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/command-server/internal/config"
	"github.com/Dicklesworthstone/command-server/internal/executor"
)

var testCommands = config.Commands{
	Run:        "sleep 100",
	Status:     "echo idle",
	BeforeStop: "before",
	AfterStop:  "after",
}

func setupSupervisor(t *testing.T, cmds config.Commands) (*Supervisor, *fakeExecutor) {
	t.Helper()
	fx := newFakeExecutor()
	fx.results[cmds.Status] = &executor.Result{Success: true, Stdout: []byte("idle\n")}
	return New(cmds, fx), fx
}

func TestStatusReportsRunningAndOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := setupSupervisor(t, testCommands)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Running: false, Output: "idle\n"}, st)

	require.NoError(t, s.Run(ctx))

	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Running: true, Output: "idle\n"}, st)
}

func TestStatusCommandFailure(t *testing.T) {
	t.Parallel()
	s, fx := setupSupervisor(t, testCommands)
	fx.results[testCommands.Status] = &executor.Result{ExitCode: 2, Stderr: []byte("boom\n")}

	_, err := s.Status(context.Background())
	var failed *CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, OpStatus, failed.Op)
	assert.Contains(t, err.Error(), "exit status 2: boom")
}

func TestStatusLaunchFailure(t *testing.T) {
	t.Parallel()
	s, fx := setupSupervisor(t, testCommands)
	launchErr := errors.New("no shell")
	fx.errs[testCommands.Status] = launchErr

	_, err := s.Status(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, OpStatus, execErr.Op)
	assert.ErrorIs(t, err, launchErr)
}

func TestStatusRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()
	s, fx := setupSupervisor(t, testCommands)
	fx.results[testCommands.Status] = &executor.Result{Success: true, Stdout: []byte{0xff, 0xfe}}

	_, err := s.Status(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, OpDecode, execErr.Op)
}

func TestRunTwiceConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)

	require.NoError(t, s.Run(ctx))
	err := s.Run(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, fx.Spawned())
	assert.True(t, s.Running())
}

func TestRunSpawnFailureLeavesNothingRunning(t *testing.T) {
	t.Parallel()
	s, fx := setupSupervisor(t, testCommands)
	fx.spawnErr = errors.New("fork failed")

	err := s.Run(context.Background())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, OpRun, execErr.Op)
	assert.False(t, s.Running())
}

func TestConcurrentRunsExactlyOneWins(t *testing.T) {
	t.Parallel()
	s, fx := setupSupervisor(t, testCommands)

	const n = 16
	var ok, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			err := s.Run(context.Background())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, conflicts.Load())
	assert.Equal(t, 1, fx.Spawned())
}

func TestStopWhenNotRunningRunsNoHooks(t *testing.T) {
	t.Parallel()
	s, fx := setupSupervisor(t, testCommands)

	err := s.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, fx.Calls())
}

func TestStopRunsHooksAroundKill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)

	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, []string{
		"spawn:sleep 100",
		"exec:before",
		"terminate",
		"exec:after",
	}, fx.Calls())
	assert.False(t, s.Running())

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestStopWithoutHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, config.Commands{Run: "sleep 100", Status: "echo idle"})

	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, []string{"spawn:sleep 100", "terminate"}, fx.Calls())
	assert.False(t, s.Running())
}

func TestStopBeforeHookFailureKeepsChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)
	fx.results["before"] = &executor.Result{ExitCode: 1}

	require.NoError(t, s.Run(ctx))
	err := s.Stop(ctx)

	var failed *CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, OpBeforeStop, failed.Op)
	assert.True(t, s.Running())
	assert.NotContains(t, fx.Calls(), "terminate")
	assert.NotContains(t, fx.Calls(), "exec:after")
}

func TestStopBeforeHookLaunchFailureKeepsChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)
	fx.errs["before"] = errors.New("no shell")

	require.NoError(t, s.Run(ctx))
	err := s.Stop(ctx)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, OpBeforeStop, execErr.Op)
	assert.True(t, s.Running())
}

func TestStopAfterHookFailureStillStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)
	fx.results["after"] = &executor.Result{ExitCode: 1, Stderr: []byte("cleanup failed")}

	require.NoError(t, s.Run(ctx))
	err := s.Stop(ctx)

	var failed *CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, OpAfterStop, failed.Op)
	assert.False(t, s.Running())

	// The stop was not rolled back, so a second stop conflicts.
	require.ErrorIs(t, s.Stop(ctx), ErrNotRunning)
}

func TestStopTerminateFailureKeepsChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)

	require.NoError(t, s.Run(ctx))
	fx.children[0].termErr = errors.New("permission denied")

	err := s.Stop(ctx)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, OpTerminate, execErr.Op)
	assert.True(t, s.Running())
	assert.NotContains(t, fx.Calls(), "exec:after")
}

func TestStopWaitFailureKeepsChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)

	require.NoError(t, s.Run(ctx))
	fx.children[0].waitErr = errors.New("wait failed")

	err := s.Stop(ctx)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, OpWait, execErr.Op)
	assert.True(t, s.Running())
}

func TestRunAfterStopStartsNewChild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)

	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 2, fx.Spawned())
	assert.True(t, s.Running())
}

func TestChildExitingOnItsOwnKeepsHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)

	require.NoError(t, s.Run(ctx))
	fx.children[0].exit()

	// The watcher takes the lock after the child exits; the handle survives.
	time.Sleep(10 * time.Millisecond)
	assert.True(t, s.Running())

	require.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
}

func TestStatusWaitsForInFlightStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, fx := setupSupervisor(t, testCommands)
	gate := make(chan struct{})
	fx.gates["before"] = gate

	require.NoError(t, s.Run(ctx))

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(ctx) }()

	require.Eventually(t, func() bool {
		for _, c := range fx.Calls() {
			if c == "exec:before" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	statusCh := make(chan Status, 1)
	go func() {
		st, err := s.Status(ctx)
		if err == nil {
			statusCh <- st
		}
		close(statusCh)
	}()

	select {
	case <-statusCh:
		t.Fatal("status completed while stop held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-stopped)

	st, ok := <-statusCh
	require.True(t, ok)
	assert.False(t, st.Running)
}
