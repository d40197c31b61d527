package testcluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// Metacluster owns a group of clusters, the directory their data lives in
// and the partitions that keep the clusters apart.
type Metacluster struct {
	cfg  Config
	path string

	nextID      atomic.Int64
	nextCluster atomic.Int64

	mu       sync.Mutex
	clusters []*Cluster
	closed   bool
}

// NewMetacluster creates a Metacluster. Without an OutputFolder the data
// lives in a temporary directory that the Registry removes at Shutdown.
func NewMetacluster(cfg Config) (*Metacluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	mc := &Metacluster{cfg: cfg}
	logger := cfg.Logger.With("component", "metacluster")

	if cfg.OutputFolder == "" {
		dir, err := os.MkdirTemp("", "testcluster-")
		if err != nil {
			return nil, fmt.Errorf("create metacluster folder: %w", err)
		}
		mc.path = dir
		cfg.Registry.OnShutdown(func() {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("unable to cleanup metacluster folder", "path", dir, "error", err)
			}
		})
	} else {
		if err := os.MkdirAll(cfg.OutputFolder, 0o755); err != nil {
			return nil, fmt.Errorf("bad value for output folder %q: %w", cfg.OutputFolder, err)
		}
		fi, err := os.Stat(cfg.OutputFolder)
		if err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: bad value for output folder %q", ErrInvalidOption, cfg.OutputFolder)
		}
		resolved, err := filepath.EvalSymlinks(cfg.OutputFolder)
		if err != nil {
			return nil, fmt.Errorf("resolve output folder: %w", err)
		}
		if resolved, err = filepath.Abs(resolved); err != nil {
			return nil, fmt.Errorf("resolve output folder: %w", err)
		}
		mc.path = resolved
	}

	mc.cfg.OutputFolder = mc.path
	logger.Debug("metacluster created", "path", mc.path)
	return mc, nil
}

// Config returns the configuration with defaults applied.
func (mc *Metacluster) Config() Config { return mc.cfg }

// Path returns the root of all data directories.
func (mc *Metacluster) Path() string { return mc.path }

func (mc *Metacluster) Closed() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.closed
}

// Clusters returns the member clusters.
func (mc *Metacluster) Clusters() []*Cluster {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]*Cluster(nil), mc.clusters...)
}

// NewUniqueID returns 0, 1, 2, ... across all callers.
func (mc *Metacluster) NewUniqueID() int64 {
	return mc.nextID.Add(1) - 1
}

func (mc *Metacluster) addCluster() (*Cluster, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.closed {
		return nil, ErrMetaclusterClosed
	}
	id := mc.nextCluster.Add(1) - 1
	c := &Cluster{
		id:     id,
		mc:     mc,
		logger: mc.cfg.Logger.With("component", "cluster", "cluster", id),
	}
	mc.clusters = append(mc.clusters, c)
	return c, nil
}

func (mc *Metacluster) removeCluster(c *Cluster) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.clusters = lo.Without(mc.clusters, c)
}

func (mc *Metacluster) otherClusters(c *Cluster) []*Cluster {
	return lo.Without(mc.Clusters(), c)
}

func (mc *Metacluster) owns(c *Cluster) bool {
	return c != nil && c.Metacluster() == mc
}

// Close stops every cluster and deletes the data root. A second call
// returns ErrMetaclusterClosed.
func (mc *Metacluster) Close() error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return ErrMetaclusterClosed
	}
	mc.closed = true
	mc.mu.Unlock()

	var errs error
	for {
		clusters := mc.Clusters()
		if len(clusters) == 0 {
			break
		}
		errs = multierr.Append(errs, clusters[0].CheckAndStop(context.Background()))
	}

	if err := os.RemoveAll(mc.path); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("remove metacluster folder: %w", err))
	}
	return errs
}

// MoveProcesses moves procs from source to dest. The processes are blocked
// from the members left in source, then unblocked against the members of
// dest. To split a cluster move some of its processes to an empty cluster;
// to join two, move all processes of one into the other. The servers are not
// told to connect to each other.
//
// If any partition command fails every process in procs is closed, not
// returned to source, and the error is returned.
func (mc *Metacluster) MoveProcesses(ctx context.Context, source, dest *Cluster, procs []*Process) (err error) {
	if !mc.owns(source) {
		return fmt.Errorf("%w: source cluster is not part of this metacluster", ErrNotMember)
	}
	if !mc.owns(dest) {
		return fmt.Errorf("%w: destination cluster is not part of this metacluster", ErrNotMember)
	}
	for _, p := range procs {
		if p.Cluster() != source {
			return fmt.Errorf("%w: process %d is not in cluster %d", ErrNotMember, p.PID(), source.ID())
		}
	}

	defer func() { mc.cfg.Metrics.observeMove(err) }()

	for _, p := range procs {
		p.setCluster(nil)
		source.remove(p)
	}

	moveErr := func() error {
		for _, p := range procs {
			if err := source.blockProcess(ctx, p); err != nil {
				return err
			}
		}
		for _, p := range procs {
			if err := dest.unblockProcess(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}()
	if moveErr != nil {
		// Intentionally destructive: the processes are closed, not handed
		// back to source.
		errs := fmt.Errorf("move processes: %w", moveErr)
		for _, p := range procs {
			errs = multierr.Append(errs, p.Close())
		}
		return errs
	}

	for _, p := range procs {
		p.setCluster(dest)
		dest.add(p)
	}

	ev := Event{Type: EventProcessesMoved, Time: time.Now(), ClusterID: source.ID(), Target: dest.ID()}
	if err := mc.cfg.Events.Publish(ctx, ev); err != nil {
		mc.cfg.Logger.Debug("failed to publish event", "type", ev.Type, "error", err)
	}
	return nil
}
