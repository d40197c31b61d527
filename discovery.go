package testcluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ozanturksever/go-testcluster/logscan"
)

// discover reads the log until the three ports and the server UUID are
// known, the startup timeout expires, the process exits or ctx is
// cancelled by Close. It is the only writer of the discovered fields.
func (p *Process) discover(ctx context.Context) {
	defer close(p.discoveryDone)

	ctx, cancel := context.WithTimeout(ctx, p.startupTimeout)
	defer cancel()

	err := p.readLog(ctx)
	if err == nil {
		p.setState(StateReady)
		p.metrics.observeStartup(p.kind, time.Since(p.startedAt))
		name, _ := p.name.peek()
		id, _ := p.serverUUID.peek()
		p.logger.Info("process ready", "name", name, "uuid", id)
		p.publish(EventProcessReady, p.Cluster(), nil)
		return
	}

	p.discoveryErr = err
	if !errors.Is(err, ErrNotRunning) {
		p.logger.Error("startup discovery failed", "error", err)
		p.publish(EventProcessFailed, p.Cluster(), err)
	}
}

func (p *Process) readLog(ctx context.Context) error {
	// ctxErr turns the end of ctx into the error callers see.
	ctxErr := func(op string) error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: op, After: p.startupTimeout}
		}
		return fmt.Errorf("closed during startup: %w", ErrNotRunning)
	}

	if err := logscan.WaitForFile(ctx, p.logPath, logscan.DefaultFileWaitInterval); err != nil {
		if ctx.Err() != nil {
			return ctxErr("the log file to appear at " + p.logPath)
		}
		return fmt.Errorf("wait for log file: %w", err)
	}

	cfg := logscan.TailConfig{
		OnIdle: func() error {
			select {
			case <-p.exited:
				return &ExitError{Op: "during startup", Code: p.exitCode}
			default:
				return nil
			}
		},
		Logger: p.logger,
	}

	err := logscan.Tail(ctx, p.logPath, cfg, func(raw string) (bool, error) {
		line, err := logscan.Parse(raw)
		if err != nil {
			p.logger.Warn("got unexpected log line", "line", raw, "error", err)
			return false, nil
		}
		switch line.Kind {
		case logscan.LinePort:
			switch line.PortKind {
			case logscan.PortIntracluster:
				p.clusterPort.set(line.Port)
			case logscan.PortClientDriver:
				p.driverPort.set(line.Port)
			case logscan.PortHTTP:
				p.httpPort.set(line.Port)
			}
		case logscan.LineReady:
			p.name.set(line.Name)
			p.serverUUID.set(line.UUID)
		}
		return p.discovered(), nil
	})
	if err != nil && ctx.Err() != nil {
		return ctxErr("ports and server UUID in " + p.logPath)
	}
	return err
}

// discovered reports whether the three ports and the UUID are all known.
func (p *Process) discovered() bool {
	_, c := p.clusterPort.peek()
	_, d := p.driverPort.peek()
	_, h := p.httpPort.peek()
	_, u := p.serverUUID.peek()
	return c && d && h && u
}

// await waits at most the startup timeout for f. Once discovery ended
// without producing f its error is returned at once.
func await[T any](ctx context.Context, p *Process, f *promise[T], what string) (T, error) {
	if v, ok := f.peek(); ok {
		return v, nil
	}

	ctx, cancel := context.WithTimeoutCause(ctx, p.startupTimeout,
		&TimeoutError{Op: what, After: p.startupTimeout})
	defer cancel()

	select {
	case <-p.discoveryDone:
		if v, ok := f.peek(); ok {
			return v, nil
		}
		var zero T
		if p.discoveryErr != nil {
			return zero, fmt.Errorf("%s: %w", what, p.discoveryErr)
		}
		return zero, &TimeoutError{Op: what, After: p.startupTimeout}
	default:
	}

	v, err := f.wait(ctx)
	if err != nil {
		select {
		case <-p.discoveryDone:
			if p.discoveryErr != nil {
				return v, fmt.Errorf("%s: %w", what, p.discoveryErr)
			}
		default:
		}
		return v, context.Cause(ctx)
	}
	return v, nil
}

// ClusterPort returns the intracluster port, waiting for discovery.
func (p *Process) ClusterPort(ctx context.Context) (int, error) {
	return await(ctx, p, p.clusterPort, "cluster port")
}

// DriverPort returns the client driver port, waiting for discovery.
func (p *Process) DriverPort(ctx context.Context) (int, error) {
	return await(ctx, p, p.driverPort, "driver port")
}

// HTTPPort returns the administrative HTTP port, waiting for discovery.
func (p *Process) HTTPPort(ctx context.Context) (int, error) {
	return await(ctx, p, p.httpPort, "http port")
}

// Name returns the server name from the ready line, waiting for discovery.
func (p *Process) Name(ctx context.Context) (string, error) {
	return await(ctx, p, p.name, "name")
}

// UUID returns the server UUID from the ready line, waiting for discovery.
func (p *Process) UUID(ctx context.Context) (uuid.UUID, error) {
	return await(ctx, p, p.serverUUID, "uuid")
}

// knownClusterPort returns the cluster port without waiting: the discovered
// one, else the one fixed on the command line.
func (p *Process) knownClusterPort() (int, bool) {
	if port, ok := p.clusterPort.peek(); ok {
		return port, true
	}
	if p.plannedClusterPort != 0 {
		return p.plannedClusterPort, true
	}
	return 0, false
}

// partitionClusterPort is the cluster port used in partition commands.
func (p *Process) partitionClusterPort(ctx context.Context) (int, error) {
	if port, ok := p.knownClusterPort(); ok {
		return port, nil
	}
	return p.ClusterPort(ctx)
}

// WaitUntilStartedUp waits until the three ports and the UUID are known
// and the process is still alive. It fails once timeout elapses, or as
// soon as the process exits or discovery fails. A non-positive timeout
// means the startup timeout.
func (p *Process) WaitUntilStartedUp(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.startupTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout,
		&TimeoutError{Op: fmt.Sprintf("startup of %s %d", p.kind, p.pid), After: timeout})
	defer cancel()

	select {
	case <-p.discoveryDone:
		if p.discoveryErr != nil {
			return p.discoveryErr
		}
		return p.Check()
	case <-p.exited:
		if p.discovered() {
			return p.Check()
		}
		return &ExitError{Op: "during startup", Code: p.exitCode}
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
