package testcluster

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/ozanturksever/go-testcluster/resunder"
)

const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultReadyTimeout    = 30 * time.Second
	DefaultStopGracePeriod = 300 * time.Second
	DefaultKillGracePeriod = 5 * time.Second
	DefaultCacheSizeMB     = 512

	// ExecutableEnv names the environment variable consulted when no
	// executable is configured.
	ExecutableEnv         = "RETHINKDB"
	DefaultExecutableName = "rethinkdb"
)

// Config configures a Metacluster and everything created inside it.
type Config struct {
	// OutputFolder is the root for all data directories. Empty means a
	// fresh temporary directory that is removed at Shutdown.
	OutputFolder string

	// Executable is the server binary. Empty means $RETHINKDB, then
	// "rethinkdb" on $PATH.
	Executable string

	// CommandPrefix is prepended to every server invocation, for wrappers
	// such as valgrind or taskset.
	CommandPrefix []string

	// Env is appended to the inherited environment of every child.
	Env []string

	// Timing configuration
	StartupTimeout  time.Duration
	StopGracePeriod time.Duration
	KillGracePeriod time.Duration

	// CacheSizeMB is passed as --cache-size to servers that do not set it.
	CacheSizeMB int

	Partitioner Partitioner
	Registry    *Registry
	Events      Publisher
	Metrics     *Metrics
	Logger      *slog.Logger
}

func (c *Config) Validate() error {
	if c.StartupTimeout < 0 {
		return fmt.Errorf("StartupTimeout must not be negative")
	}
	if c.StopGracePeriod < 0 {
		return fmt.Errorf("StopGracePeriod must not be negative")
	}
	if c.KillGracePeriod < 0 {
		return fmt.Errorf("KillGracePeriod must not be negative")
	}
	if c.CacheSizeMB < 0 {
		return fmt.Errorf("CacheSizeMB must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = DefaultStopGracePeriod
	}
	if c.KillGracePeriod == 0 {
		c.KillGracePeriod = DefaultKillGracePeriod
	}
	if c.CacheSizeMB == 0 {
		c.CacheSizeMB = DefaultCacheSizeMB
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Partitioner == nil {
		c.Partitioner = resunder.New(resunder.Config{Logger: c.Logger})
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry
	}
	if c.Events == nil {
		c.Events = NopPublisher{}
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetrics
	}
}

// resolveExecutable returns a runnable server binary path or an error
// wrapping ErrExecutableNotFound.
func resolveExecutable(path string) (string, error) {
	if path == "" {
		path = os.Getenv(ExecutableEnv)
	}
	if path == "" {
		found, err := exec.LookPath(DefaultExecutableName)
		if err != nil {
			return "", fmt.Errorf("%w: %s not found in PATH", ErrExecutableNotFound, DefaultExecutableName)
		}
		return found, nil
	}

	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %q", ErrExecutableNotFound, path)
	}
	return path, nil
}
