package executor

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// process is the Child implementation backed by an exec.Cmd.
type process struct {
	id      string
	cmd     *exec.Cmd
	started time.Time

	// done is closed once waitLoop has reaped the process.
	done chan struct{}

	mu      sync.RWMutex
	result  *Result
	waitErr error

	waitOnce sync.Once
}

func newProcess(id string, cmd *exec.Cmd) *process {
	return &process{
		id:      id,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (p *process) ID() string            { return p.id }
func (p *process) Started() time.Time    { return p.started }
func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// waitLoop reaps the process as soon as it exits.
func (p *process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		var exitErr *exec.ExitError
		if err != nil && errors.As(err, &exitErr) {
			err = nil
		}

		p.mu.Lock()
		p.result = resultFromState(p.cmd.ProcessState)
		p.waitErr = err
		p.mu.Unlock()

		close(p.done)
	})
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) Terminate() error {
	if p.exited() {
		return nil
	}
	return killProcess(p.cmd.Process)
}

func (p *process) Wait() (*Result, error) {
	<-p.done

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.result, p.waitErr
}
