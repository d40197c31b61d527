package testcluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Cluster is a set of processes meant to reach each other. Nothing enforces
// that they actually form one database cluster.
type Cluster struct {
	id     int64
	logger *slog.Logger

	mu      sync.Mutex
	mc      *Metacluster
	members []*Process
}

// NewCluster creates a cluster in mc, or in a new Metacluster when mc is
// nil, and starts the initial servers.
func NewCluster(ctx context.Context, mc *Metacluster, opts ...ClusterOption) (*Cluster, error) {
	o := defaultClusterOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.initialServers < 0 {
		return nil, fmt.Errorf("%w: initial servers must be 0 or more, got %d", ErrInvalidOption, o.initialServers)
	}

	owned := false
	switch {
	case mc != nil && o.outputFolder != "":
		return nil, fmt.Errorf("%w: supplying a metacluster and an output folder does not work", ErrInvalidOption)
	case mc == nil:
		var err error
		if mc, err = NewMetacluster(Config{OutputFolder: o.outputFolder}); err != nil {
			return nil, err
		}
		owned = true
	}

	c, err := mc.addCluster()
	if err == nil {
		err = c.start(ctx, o)
	}
	if err != nil && owned {
		err = multierr.Append(err, mc.Close())
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// start spawns the initial servers and waits for them. On failure the
// cluster is aborted.
func (c *Cluster) start(ctx context.Context, o *clusterOptions) error {
	serverOpts := append([]ProcessOption{WithConsole(ConsoleDataDir)}, o.serverOpts...)
	for i := 0; i < o.initialServers; i++ {
		if _, err := NewProcess(ctx, c, serverOpts...); err != nil {
			return multierr.Append(fmt.Errorf("start server %d: %w", i, err), c.abort())
		}
	}

	if o.waitUntilReady && o.initialServers > 0 {
		if err := c.WaitUntilReady(ctx, o.readyTimeout); err != nil {
			return multierr.Append(err, c.abort())
		}
	}
	return nil
}

// ID identifies the cluster within its Metacluster.
func (c *Cluster) ID() int64 { return c.id }

// Metacluster returns the owner, nil once the cluster was stopped.
func (c *Cluster) Metacluster() *Metacluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mc
}

// Processes returns the members in a stable order.
func (c *Cluster) Processes() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Process(nil), c.members...)
}

// Len returns the number of members.
func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// At returns the i-th member in the order of Processes.
func (c *Cluster) At(i int) (*Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.members) {
		return nil, fmt.Errorf("%w: this cluster only has %d servers, so index %d is invalid", ErrIndexOutOfRange, len(c.members), i)
	}
	return c.members[i], nil
}

// Contains reports whether p is a member.
func (c *Cluster) Contains(p *Process) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Contains(c.members, p)
}

func (c *Cluster) add(p *Process) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !lo.Contains(c.members, p) {
		c.members = append(c.members, p)
	}
}

func (c *Cluster) remove(p *Process) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = lo.Without(c.members, p)
}

func (c *Cluster) first() *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.members) == 0 {
		return nil
	}
	return c.members[0]
}

// Check returns the first error of any member's Check.
func (c *Cluster) Check() error {
	if c.Metacluster() == nil {
		return fmt.Errorf("cluster %d: %w", c.id, ErrClusterStopped)
	}
	for _, p := range c.Processes() {
		if err := p.Check(); err != nil {
			return fmt.Errorf("process %d: %w", p.PID(), err)
		}
	}
	return nil
}

// WaitUntilReady waits for every member concurrently; timeout bounds the
// whole wait, not each member.
func (c *Cluster) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout,
		&TimeoutError{Op: fmt.Sprintf("cluster %d to become ready", c.id), After: timeout})
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.Processes() {
		g.Go(func() error {
			return p.WaitUntilStartedUp(gctx, timeout)
		})
	}
	return g.Wait()
}

// CheckAndStop stops the members one at a time. After the first failure
// the rest are closed without a graceful stop. The cluster always ends up
// empty and detached from its Metacluster.
func (c *Cluster) CheckAndStop(ctx context.Context) error {
	var errs error
	for p := c.first(); p != nil; p = c.first() {
		err := p.CheckAndStop(ctx)
		c.remove(p)
		if err != nil {
			errs = fmt.Errorf("stop process %d: %w", p.PID(), err)
			break
		}
	}
	errs = multierr.Append(errs, c.abort())
	return errs
}

// abort closes every member and detaches the cluster.
func (c *Cluster) abort() error {
	var errs error
	for p := c.first(); p != nil; p = c.first() {
		errs = multierr.Append(errs, p.Close())
		c.remove(p)
	}

	c.mu.Lock()
	mc := c.mc
	c.mc = nil
	c.mu.Unlock()

	if mc != nil {
		mc.removeCluster(c)
		ev := Event{Type: EventClusterStopped, Time: time.Now(), ClusterID: c.id}
		if errs != nil {
			ev.Error = errs.Error()
		}
		if err := mc.cfg.Events.Publish(context.Background(), ev); err != nil {
			c.logger.Debug("failed to publish event", "type", ev.Type, "error", err)
		}
		c.logger.Info("cluster stopped")
	}
	return errs
}

// DriverAddr returns host:port of the driver port of a random member.
func (c *Cluster) DriverAddr(ctx context.Context) (string, error) {
	members := c.Processes()
	if len(members) == 0 {
		return "", fmt.Errorf("%w: cluster %d has no servers", ErrIndexOutOfRange, c.id)
	}
	port, err := lo.Sample(members).DriverPort(ctx)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("localhost", strconv.Itoa(port)), nil
}

func (c *Cluster) blockProcess(ctx context.Context, p *Process) error {
	return c.partition(ctx, p, true)
}

func (c *Cluster) unblockProcess(ctx context.Context, p *Process) error {
	return c.partition(ctx, p, false)
}

// partition cuts or restores both directions between p and every member,
// for the advertised cluster ports and the local client ports alike.
func (c *Cluster) partition(ctx context.Context, p *Process, block bool) error {
	members := c.Processes()
	if lo.Contains(members, p) {
		return fmt.Errorf("%w: process %d is a member of cluster %d", ErrInvalidOption, p.PID(), c.id)
	}
	if len(members) == 0 {
		return nil
	}

	mc := p.mc
	op, send := "unblock", mc.cfg.Partitioner.Unblock
	if block {
		op, send = "block", mc.cfg.Partitioner.Block
	}

	pc, err := p.partitionClusterPort(ctx)
	if err != nil {
		return err
	}
	pl := p.LocalClusterPort()

	for _, o := range members {
		oc, err := o.partitionClusterPort(ctx)
		if err != nil {
			return err
		}
		ol := o.LocalClusterPort()

		for _, path := range [][2]int{{pc, ol}, {ol, pc}, {pl, oc}, {oc, pl}} {
			err := send(ctx, path[0], path[1])
			mc.cfg.Metrics.observePartition(op, err)
			if err != nil {
				return fmt.Errorf("%s %d %d: %w", op, path[0], path[1], err)
			}
		}
	}
	c.logger.Debug("partition updated", "op", op, "process", p.PID(), "peers", len(members))
	return nil
}
