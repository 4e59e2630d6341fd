package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/Dicklesworthstone/command-server/internal/executor"
)

// fakeExecutor records calls and answers with canned results.
type fakeExecutor struct {
	mu       sync.Mutex
	results  map[string]*executor.Result
	errs     map[string]error
	gates    map[string]chan struct{}
	spawnErr error
	calls    []string
	children []*fakeChild
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: make(map[string]*executor.Result),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
	}
}

func (f *fakeExecutor) Exec(ctx context.Context, command string) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "exec:"+command)
	gate := f.gates[command]
	res, err := f.results[command], f.errs[command]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &executor.Result{Success: true}
	}
	return res, nil
}

func (f *fakeExecutor) Spawn(command string) (executor.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "spawn:"+command)
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	c := &fakeChild{id: "child", pid: 1000 + len(f.children), done: make(chan struct{}), exec: f}
	f.children = append(f.children, c)
	return c, nil
}

func (f *fakeExecutor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExecutor) Spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}

type fakeChild struct {
	id   string
	pid  int
	exec *fakeExecutor

	termErr error
	waitErr error

	once sync.Once
	done chan struct{}
}

func (c *fakeChild) ID() string            { return c.id }
func (c *fakeChild) PID() int              { return c.pid }
func (c *fakeChild) Started() time.Time    { return time.Time{} }
func (c *fakeChild) Done() <-chan struct{} { return c.done }

func (c *fakeChild) Terminate() error {
	c.exec.record("terminate")
	if c.termErr != nil {
		return c.termErr
	}
	c.exit()
	return nil
}

func (c *fakeChild) exit() {
	c.once.Do(func() { close(c.done) })
}

func (c *fakeChild) Wait() (*executor.Result, error) {
	<-c.done
	if c.waitErr != nil {
		return nil, c.waitErr
	}
	return &executor.Result{ExitCode: -1, Signal: "killed"}, nil
}
