package testcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

const (
	createConsoleStart = "========== Start Create Console ===========\n"
	createConsoleEnd   = "=========== End Create Console ============\n\n"

	// CreateLogFileName is what the create step's log is renamed to, so the
	// server's own log starts empty.
	CreateLogFileName = "create_log_file"
)

// Kind tells a server from a proxy.
type Kind int

const (
	KindServer Kind = iota
	KindProxy
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of a Process. Stopped is terminal.
type State int32

const (
	StateSpawning State = iota
	StateDiscovering
	StateReady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Process supervises one running server or proxy. It cannot be restarted:
// stop it and create a new one, with UseFiles for the same data.
type Process struct {
	kind     Kind
	mc       *Metacluster
	files    *Files
	logPath  string
	args     []string
	registry *Registry
	metrics  *Metrics
	events   Publisher
	logger   *slog.Logger

	startupTimeout time.Duration
	stopGrace      time.Duration
	killGrace      time.Duration

	// localClusterPort is the --client-port the process dials out from.
	localClusterPort int
	// plannedClusterPort is the --cluster-port fixed before spawning, 0 if
	// the server picks it.
	plannedClusterPort int

	console   *sink
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	// Discovered fields, written once by the discovery goroutine.
	clusterPort *promise[int]
	driverPort  *promise[int]
	httpPort    *promise[int]
	name        *promise[string]
	serverUUID  *promise[uuid.UUID]

	discoveryDone   chan struct{}
	discoveryErr    error // valid after discoveryDone is closed
	cancelDiscovery context.CancelFunc

	exited   chan struct{}
	exitCode int       // valid after exited is closed
	exitedAt time.Time // valid after exited is closed

	mu        sync.Mutex
	cluster   *Cluster
	state     State
	closed    bool
	endReason string
}

// NewProcess starts a server in c. A nil c means a new Cluster: in the
// Metacluster of UseFiles when given, else in a new Metacluster. Without
// UseFiles a fresh data directory is created first.
func NewProcess(ctx context.Context, c *Cluster, opts ...ProcessOption) (*Process, error) {
	o := &processOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var release func() error
	if c == nil {
		var err error
		switch {
		case o.files == nil:
			c, err = NewCluster(ctx, nil, ClusterOutputFolder(o.outputFolder))
		case o.outputFolder != "":
			err = fmt.Errorf("%w: an output folder can not be provided alongside files", ErrInvalidOption)
		default:
			c, err = NewCluster(ctx, o.files.Metacluster())
		}
		if err != nil {
			return nil, err
		}
		release = c.abort
		if o.files == nil {
			mc := c.Metacluster()
			release = func() error { return multierr.Append(c.abort(), mc.Close()) }
		}
	}

	p, err := startServer(ctx, c, o)
	if err != nil && release != nil {
		err = multierr.Append(err, release())
	}
	return p, err
}

func startServer(ctx context.Context, c *Cluster, o *processOptions) (*Process, error) {
	p, err := newProcess(KindServer, c, o)
	if err != nil {
		return nil, err
	}

	out, files, err := p.prepareFiles(ctx, o)
	if err != nil {
		return nil, err
	}
	p.files = files
	p.logPath = files.LogPath()
	p.logger = p.logger.With("server", files.ServerName())

	extra := append([]string(nil), o.extraOptions...)
	if !hasFlag(extra, "--cache-size") {
		extra = append(extra, "--cache-size", strconv.Itoa(p.mc.Config().CacheSizeMB))
	}
	options := append([]string{"serve", "--directory", files.DBPath()}, extra...)

	if err := p.spawn(ctx, c, o, options, out); err != nil {
		return nil, err
	}
	if o.waitUntilReady {
		if err := p.waitOrClose(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// NewProxyProcess starts a proxy in c that logs to logPath.
func NewProxyProcess(ctx context.Context, c *Cluster, logPath string, opts ...ProcessOption) (*Process, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: a proxy needs a cluster", ErrInvalidOption)
	}
	if logPath == "" {
		return nil, fmt.Errorf("%w: a proxy needs a log file path", ErrInvalidOption)
	}

	o := &processOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.files != nil {
		return nil, fmt.Errorf("%w: a proxy has no data directory", ErrInvalidOption)
	}

	p, err := newProcess(KindProxy, c, o)
	if err != nil {
		return nil, err
	}
	p.logPath = logPath

	out, err := o.console.open("", ConsoleStdout)
	if err != nil {
		return nil, err
	}

	options := append([]string{"proxy", "--log-file", logPath}, o.extraOptions...)
	if err := p.spawn(ctx, c, o, options, out); err != nil {
		return nil, err
	}
	if o.waitUntilReady {
		if err := p.waitOrClose(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func newProcess(kind Kind, c *Cluster, o *processOptions) (*Process, error) {
	mc := c.Metacluster()
	if mc == nil {
		return nil, ErrClusterStopped
	}
	cfg := mc.Config()

	exe := o.executable
	if exe == "" {
		exe = cfg.Executable
	}
	exe, err := resolveExecutable(exe)
	if err != nil {
		return nil, err
	}

	prefix := cfg.CommandPrefix
	if o.prefixSet {
		prefix = o.commandPrefix
	}

	p := &Process{
		kind:           kind,
		mc:             mc,
		args:           append(append([]string{}, prefix...), exe),
		registry:       cfg.Registry,
		metrics:        cfg.Metrics,
		events:         cfg.Events,
		logger:         cfg.Logger.With("component", kind.String(), "cluster", c.ID()),
		startupTimeout: cfg.StartupTimeout,
		stopGrace:      cfg.StopGracePeriod,
		killGrace:      cfg.KillGracePeriod,
		clusterPort:    newPromise[int](),
		driverPort:     newPromise[int](),
		httpPort:       newPromise[int](),
		name:           newPromise[string](),
		serverUUID:     newPromise[uuid.UUID](),
		discoveryDone:  make(chan struct{}),
		exited:         make(chan struct{}),
		state:          StateSpawning,
	}
	if o.startupTimeout > 0 {
		p.startupTimeout = o.startupTimeout
	}
	if o.stopGrace > 0 {
		p.stopGrace = o.stopGrace
	}
	return p, nil
}

// prepareFiles opens the console and returns the data directory to serve,
// creating one when UseFiles was not given.
func (p *Process) prepareFiles(ctx context.Context, o *processOptions) (*sink, *Files, error) {
	if o.files != nil {
		out, err := o.console.open(o.files.DBPath(), ConsoleStdout)
		if err != nil {
			return nil, nil, err
		}
		return out, o.files, nil
	}

	// The data directory does not exist yet, so a data-dir console starts
	// as a temporary file and is moved in once create has run.
	moveConsole := o.console.kind == consoleDataDir
	out, err := o.console.open("", ConsoleStdout)
	if err != nil {
		return nil, nil, err
	}

	fail := func(err error) (*sink, *Files, error) {
		out.close()
		return nil, nil, err
	}

	fmt.Fprint(out, createConsoleStart)
	files, err := NewFiles(ctx, p.mc,
		FilesConsole(ConsoleTo(out)),
		FilesExecutable(p.args[len(p.args)-1]),
		FilesCommandPrefix(p.args[:len(p.args)-1]...),
	)
	if err != nil {
		return fail(err)
	}

	if moveConsole && out.name() != "" {
		fmt.Fprint(out, createConsoleEnd)
		dst := filepath.Join(files.DBPath(), consoleFileName)
		if err := os.Rename(out.name(), dst); err != nil {
			p.logger.Warn("failed to move console file into data directory", "from", out.name(), "to", dst, "error", err)
		} else {
			out.keep()
		}
	}

	err = os.Rename(files.LogPath(), filepath.Join(files.DBPath(), CreateLogFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(fmt.Errorf("rename create log: %w", err))
	}
	return out, files, nil
}

// spawn completes the command line, blocks the process from every other
// cluster and starts it. On failure the blocks are reverted and the console
// closed.
func (p *Process) spawn(ctx context.Context, c *Cluster, o *processOptions, options []string, out *sink) (err error) {
	p.console = out
	others := p.mc.otherClusters(c)
	blocked := false

	defer func() {
		if err == nil {
			return
		}
		if blocked {
			for _, other := range others {
				if uerr := other.unblockProcess(context.Background(), p); uerr != nil {
					p.logger.Error("failed to unblock process after failed spawn", "cluster", other.ID(), "error", uerr)
				}
			}
		}
		out.close()
	}()

	options, err = p.applyDefaults(options, others)
	if err != nil {
		return err
	}

	args := append(append([]string{}, p.args...), options...)
	for _, peer := range c.Processes() {
		port, err := peer.ClusterPort(ctx)
		if err != nil {
			return fmt.Errorf("cluster port of peer %d: %w", peer.PID(), err)
		}
		args = append(args, "--join", net.JoinHostPort("localhost", strconv.Itoa(port)))
	}
	p.args = args

	// Partitions against other clusters exist before the process can send
	// any traffic.
	blocked = true
	for _, other := range others {
		if err := other.blockProcess(ctx, p); err != nil {
			return fmt.Errorf("block process from cluster %d: %w", other.ID(), err)
		}
	}

	if err := os.Remove(p.logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale log file: %w", err)
	}

	fmt.Fprintf(out, "Launching:\n%s\n", strings.Join(args, " "))

	cfg := p.mc.Config()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(append(os.Environ(), cfg.Env...), o.env...)
	cmd.Stdout = out.w
	cmd.Stderr = out.w
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.kind, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.registry.register(p)
	p.metrics.processStarted(p.kind)
	p.logger = p.logger.With("pid", p.pid)

	go p.waitExit()

	p.setCluster(c)
	c.add(p)
	p.logger.Info("process spawned", "log", p.logPath)
	p.publish(EventProcessSpawned, c, nil)

	dctx, cancel := context.WithCancel(context.Background())
	p.cancelDiscovery = cancel
	p.setState(StateDiscovering)
	go p.discover(dctx)
	return nil
}

// applyDefaults appends the port and bind flags the caller did not give.
func (p *Process) applyDefaults(options []string, others []*Cluster) ([]string, error) {
	if !hasFlag(options, "--bind") {
		options = append(options, "--bind", "all")
	}

	// Blocking against populated clusters needs the cluster port before
	// the server has chosen one.
	needClusterPort := lo.SomeBy(others, func(c *Cluster) bool { return c.Len() > 0 })
	port, ok, err := portFlag(options, "--cluster-port")
	switch {
	case err != nil:
		return nil, err
	case ok && port == 0 && needClusterPort:
		return nil, fmt.Errorf("%w: --cluster-port 0 leaves nothing to block from other clusters", ErrInvalidOption)
	case ok:
		p.plannedClusterPort = port
	case needClusterPort:
		if port, err = getFreePort(); err != nil {
			return nil, err
		}
		p.plannedClusterPort = port
		options = append(options, "--cluster-port", strconv.Itoa(port))
	default:
		options = append(options, "--cluster-port", "0")
	}

	if !hasFlag(options, "--driver-port") {
		options = append(options, "--driver-port", "0")
	}
	if !hasFlag(options, "--http-port") {
		options = append(options, "--http-port", "0")
	}

	port, ok, err = portFlag(options, "--client-port")
	switch {
	case err != nil:
		return nil, err
	case ok:
		p.localClusterPort = port
	default:
		if port, err = getFreePort(); err != nil {
			return nil, err
		}
		p.localClusterPort = port
		options = append(options, "--client-port", strconv.Itoa(port))
	}
	return options, nil
}

func (p *Process) waitExit() {
	_ = p.cmd.Wait()
	p.exitCode = exitCode(p.cmd.ProcessState)
	p.exitedAt = time.Now()
	close(p.exited)
	p.logger.Debug("process exited", "code", p.exitCode)
}

func (p *Process) waitOrClose(ctx context.Context) error {
	if err := p.WaitUntilStartedUp(ctx, p.startupTimeout); err != nil {
		return multierr.Append(err, p.Close())
	}
	return nil
}

// Check returns an error if the process has exited or was closed.
func (p *Process) Check() error {
	if p.isClosed() {
		return fmt.Errorf("process %d: %w", p.pid, ErrNotRunning)
	}
	select {
	case <-p.exited:
		return &ExitError{Code: p.exitCode}
	default:
		return nil
	}
}

// CheckAndStop verifies the process is alive, interrupts it and waits for
// a zero exit status. The process is closed whatever happens. Calling it on
// a closed process does nothing.
func (p *Process) CheckAndStop(ctx context.Context) (err error) {
	if p.isClosed() {
		return nil
	}

	defer func() {
		if err != nil {
			p.setEndReason("failed")
		} else {
			p.setEndReason("stopped")
		}
		p.registry.deregister(p)
		err = multierr.Append(err, p.Close())
	}()

	if err := p.Check(); err != nil {
		return err
	}

	p.setState(StateStopping)
	if err := signalGroup(p.pid, syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupt process group %d: %w", p.pid, err)
	}

	timer := time.NewTimer(p.stopGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		return &TimeoutError{Op: "process to stop after SIGINT", After: p.stopGrace}
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.exitCode != 0 {
		return &ExitError{Op: "after SIGINT", Code: p.exitCode}
	}
	p.logger.Info("process stopped")
	return nil
}

// Kill terminates the whole process group at once. The process must still
// be alive.
func (p *Process) Kill() error {
	if err := p.Check(); err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	p.setEndReason("killed")
	if err := p.terminate(0); err != nil {
		return err
	}
	return p.Close()
}

// Close terminates the process if it is still running, leaves its cluster
// and reverts its partitions against the other clusters. It is safe to call
// any number of times.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = StateStopping
	reason := p.endReason
	cluster := p.cluster
	p.mu.Unlock()

	if reason == "" {
		reason = "closed"
	}

	var errs error
	errs = multierr.Append(errs, p.terminate(p.killGrace))

	p.cancelDiscovery()
	<-p.discoveryDone

	p.registry.deregister(p)
	p.metrics.processEnded(p.kind, reason)
	errs = multierr.Append(errs, p.console.close())

	// cluster is nil while a failed move is closing the process.
	if cluster != nil {
		if _, ok := p.knownClusterPort(); ok {
			for _, other := range p.mc.otherClusters(cluster) {
				if err := other.unblockProcess(context.Background(), p); err != nil {
					p.logger.Error("failed to unblock process", "cluster", other.ID(), "error", err)
					errs = multierr.Append(errs, err)
				}
			}
		}
		cluster.remove(p)
		p.mu.Lock()
		p.cluster = nil
		p.mu.Unlock()
	}

	p.setState(StateStopped)
	p.logger.Debug("process closed", "reason", reason)
	p.publish(EventProcessStopped, cluster, errs)
	return errs
}

// terminate signals the process group unless the leader already exited.
// With a grace period the group gets SIGTERM first and SIGKILL once the
// period ran out.
func (p *Process) terminate(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if grace > 0 {
		if err := signalGroup(p.pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("terminate process group %d: %w", p.pid, err)
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.exited:
			return nil
		case <-timer.C:
		}
	}

	if err := signalGroup(p.pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill process group %d: %w", p.pid, err)
	}
	<-p.exited
	return nil
}

func (p *Process) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state == StateStopped:
		return
	case p.state == StateStopping && s != StateStopped:
		return
	}
	p.state = s
}

func (p *Process) setEndReason(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endReason == "" {
		p.endReason = reason
	}
}

func (p *Process) setCluster(c *Cluster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cluster = c
}

func (p *Process) publish(t EventType, c *Cluster, err error) {
	ev := Event{
		Type: t,
		Time: time.Now(),
		Kind: p.kind.String(),
		PID:  p.pid,
	}
	if c != nil {
		ev.ClusterID = c.ID()
	}
	if name, ok := p.name.peek(); ok {
		ev.Name = name
	}
	if id, ok := p.serverUUID.peek(); ok {
		ev.UUID = id.String()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := p.events.Publish(context.Background(), ev); perr != nil {
		p.logger.Debug("failed to publish event", "type", t, "error", perr)
	}
}

// Kind reports whether p is a server or a proxy.
func (p *Process) Kind() Kind { return p.kind }

// Files returns the data directory, nil for proxies.
func (p *Process) Files() *Files { return p.files }

// Cluster returns the owning cluster, nil once closed or while moving.
func (p *Process) Cluster() *Cluster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cluster
}

// LogPath returns the log file discovery reads.
func (p *Process) LogPath() string { return p.logPath }

// Args returns the full command line the process was started with.
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// PID returns the OS process id, which is also the process group id.
func (p *Process) PID() int { return p.pid }

// LocalClusterPort returns the port the process makes outgoing
// connections from.
func (p *Process) LocalClusterPort() int { return p.localClusterPort }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
