package testcluster

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"
)

// Registry tracks every live supervised process so that they can all be
// stopped when the orchestrating program ends, however it ends.
//
// Processes register themselves right after spawning and deregister when
// stopped or closed. Shutdown stops whatever is still registered and then
// runs the cleanup hooks added with OnShutdown, newest first.
type Registry struct {
	mu       sync.Mutex
	live     []*Process
	cleanups []func()
	logger   *slog.Logger
}

// DefaultRegistry is used by every Metacluster that does not configure its own.
var DefaultRegistry = NewRegistry(nil)

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "registry")}
}

func (r *Registry) register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = append(r.live, p)
}

func (r *Registry) deregister(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.live {
		if q == p {
			r.live = append(r.live[:i], r.live[i+1:]...)
			return
		}
	}
}

// Live returns the currently registered processes.
func (r *Registry) Live() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, len(r.live))
	copy(out, r.live)
	return out
}

// OnShutdown adds a cleanup hook run by Shutdown after all processes stopped.
func (r *Registry) OnShutdown(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, fn)
}

// Shutdown gracefully stops every live process and runs the cleanup hooks.
// Stop failures are logged and returned together; hooks always run.
func (r *Registry) Shutdown() error {
	var errs error
	for _, p := range r.Live() {
		if err := p.CheckAndStop(context.Background()); err != nil {
			r.logger.Error("got error while shutting down server at exit", "pid", p.PID(), "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	r.mu.Lock()
	cleanups := r.cleanups
	r.cleanups = nil
	r.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return errs
}

// CleanupOnSignal runs Shutdown and exits when SIGINT or SIGTERM arrives.
// Call the returned function to stop listening.
func (r *Registry) CleanupOnSignal() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			r.logger.Warn("signal received, stopping all servers", "signal", sig.String())
			_ = r.Shutdown()
			os.Exit(130)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}

// Shutdown stops everything registered with DefaultRegistry. Defer it from
// main or TestMain.
func Shutdown() error {
	return DefaultRegistry.Shutdown()
}
