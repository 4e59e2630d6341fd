// Package shutdown turns termination signals into a two-step shutdown: the
// first signal starts a graceful drain, a second one forces the process out.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Dicklesworthstone/command-server/internal/logging"
)

// Phase is the coordinator state.
type Phase int

const (
	// Serving is the initial phase.
	Serving Phase = iota
	// Draining means the serving context is cancelled and in-flight work is
	// finishing.
	Draining
	// Terminated means graceful shutdown completed or exit was forced.
	Terminated
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config configures a Coordinator.
type Config struct {
	Logger *slog.Logger
	// Exit is called with the exit code when a second signal forces exit.
	// Defaults to os.Exit.
	Exit func(code int)
}

// Coordinator tracks the shutdown phase and owns the serving context.
type Coordinator struct {
	logger *slog.Logger
	exit   func(int)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	phase Phase
	done  chan struct{}

	signalChan chan os.Signal
	stopOnce   sync.Once
	stopped    chan struct{}
}

// New creates a coordinator in the Serving phase.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		logger:     cfg.Logger,
		exit:       cfg.Exit,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 2),
		stopped:    make(chan struct{}),
	}
}

// Context is cancelled when draining starts.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done is closed on entering Terminated.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Notify handles one termination signal.
func (c *Coordinator) Notify(sig os.Signal) {
	c.mu.Lock()
	switch c.phase {
	case Serving:
		c.phase = Draining
		c.mu.Unlock()
		c.logger.Info("received signal, shutting down gracefully; send again to force exit", "signal", sig.String())
		c.cancel()
	case Draining:
		c.phase = Terminated
		close(c.done)
		c.mu.Unlock()
		code := ExitCodeFor(sig)
		c.logger.Warn("received second signal, forcing exit", "signal", sig.String(), "exit_code", code)
		c.exit(code)
	default:
		c.mu.Unlock()
	}
}

// Complete marks graceful shutdown as finished. Later signals are ignored.
func (c *Coordinator) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Terminated {
		return
	}
	c.phase = Terminated
	close(c.done)
	c.cancel()
}

// HandleSignals feeds the given signals, SIGINT and SIGTERM by default, into
// Notify until Stop is called.
func (c *Coordinator) HandleSignals(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	signal.Notify(c.signalChan, sigs...)

	go func() {
		for {
			select {
			case sig := <-c.signalChan:
				c.Notify(sig)
			case <-c.stopped:
				return
			}
		}
	}()
}

// Stop unregisters signal delivery.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		signal.Stop(c.signalChan)
		close(c.stopped)
	})
}

// ExitCodeFor returns the conventional exit code for dying from sig: 128 plus
// the signal number, or 1 when the number is unknown.
func ExitCodeFor(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok && s > 0 {
		return 128 + int(s)
	}
	return 1
}
