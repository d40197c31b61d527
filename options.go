package testcluster

import "time"

// ClusterOption configures a Cluster.
type ClusterOption func(*clusterOptions)

type clusterOptions struct {
	initialServers int
	serverOpts     []ProcessOption
	waitUntilReady bool
	readyTimeout   time.Duration
	outputFolder   string
}

func defaultClusterOptions() *clusterOptions {
	return &clusterOptions{
		waitUntilReady: true,
		readyTimeout:   DefaultReadyTimeout,
	}
}

// InitialServers spawns n servers when the cluster is created.
func InitialServers(n int) ClusterOption {
	return func(o *clusterOptions) {
		o.initialServers = n
	}
}

// ServerOptions applies opts to every initial server.
func ServerOptions(opts ...ProcessOption) ClusterOption {
	return func(o *clusterOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// SkipWaitUntilReady returns as soon as the initial servers are spawned.
func SkipWaitUntilReady() ClusterOption {
	return func(o *clusterOptions) {
		o.waitUntilReady = false
	}
}

// ReadyTimeout bounds the wait for the initial servers.
func ReadyTimeout(d time.Duration) ClusterOption {
	return func(o *clusterOptions) {
		o.readyTimeout = d
	}
}

// ClusterOutputFolder is the data root of the Metacluster created when
// NewCluster gets none.
func ClusterOutputFolder(path string) ClusterOption {
	return func(o *clusterOptions) {
		o.outputFolder = path
	}
}

// FilesOption configures a Files.
type FilesOption func(*filesOptions)

type filesOptions struct {
	serverName    string
	serverTags    []string
	dbPath        string
	console       Console
	executable    string
	commandPrefix []string
}

// ServerName overrides the default "node_<id>" server name.
func ServerName(name string) FilesOption {
	return func(o *filesOptions) {
		o.serverName = name
	}
}

// ServerTags are passed as --server-tag to the create command.
func ServerTags(tags ...string) FilesOption {
	return func(o *filesOptions) {
		o.serverTags = append(o.serverTags, tags...)
	}
}

// DBPath places the data directory at path, which must not exist yet.
func DBPath(path string) FilesOption {
	return func(o *filesOptions) {
		o.dbPath = path
	}
}

// FilesConsole receives the output of the create command. Defaults to
// ConsoleDiscard.
func FilesConsole(c Console) FilesOption {
	return func(o *filesOptions) {
		o.console = c
	}
}

// FilesExecutable overrides the server binary for the create command.
func FilesExecutable(path string) FilesOption {
	return func(o *filesOptions) {
		o.executable = path
	}
}

// FilesCommandPrefix overrides the command prefix for the create command.
func FilesCommandPrefix(prefix ...string) FilesOption {
	return func(o *filesOptions) {
		o.commandPrefix = append([]string{}, prefix...)
	}
}

// ProcessOption configures a Process.
type ProcessOption func(*processOptions)

type processOptions struct {
	files          *Files
	outputFolder   string
	console        Console
	executable     string
	commandPrefix  []string
	prefixSet      bool
	extraOptions   []string
	env            []string
	waitUntilReady bool
	startupTimeout time.Duration
	stopGrace      time.Duration
}

// UseFiles runs the server on an existing data directory.
func UseFiles(f *Files) ProcessOption {
	return func(o *processOptions) {
		o.files = f
	}
}

// ProcessOutputFolder is the data root of the Metacluster created when
// NewProcess gets no cluster and no Files.
func ProcessOutputFolder(path string) ProcessOption {
	return func(o *processOptions) {
		o.outputFolder = path
	}
}

// WithConsole sets where the child's stdout and stderr go. Defaults to
// ConsoleStdout.
func WithConsole(c Console) ProcessOption {
	return func(o *processOptions) {
		o.console = c
	}
}

// WithExecutable overrides the configured server binary.
func WithExecutable(path string) ProcessOption {
	return func(o *processOptions) {
		o.executable = path
	}
}

// WithCommandPrefix overrides the configured command prefix.
func WithCommandPrefix(prefix ...string) ProcessOption {
	return func(o *processOptions) {
		o.commandPrefix = prefix
		o.prefixSet = true
	}
}

// WithExtraOptions appends raw arguments to the serve or proxy command.
func WithExtraOptions(args ...string) ProcessOption {
	return func(o *processOptions) {
		o.extraOptions = append(o.extraOptions, args...)
	}
}

// WithEnv adds KEY=value entries to the child's environment.
func WithEnv(env ...string) ProcessOption {
	return func(o *processOptions) {
		o.env = append(o.env, env...)
	}
}

// WaitUntilReady makes the constructor wait until the process started up.
func WaitUntilReady() ProcessOption {
	return func(o *processOptions) {
		o.waitUntilReady = true
	}
}

// WithStartupTimeout bounds discovery and the readiness accessors.
func WithStartupTimeout(d time.Duration) ProcessOption {
	return func(o *processOptions) {
		o.startupTimeout = d
	}
}

// WithStopGracePeriod bounds how long CheckAndStop waits after SIGINT.
func WithStopGracePeriod(d time.Duration) ProcessOption {
	return func(o *processOptions) {
		o.stopGrace = d
	}
}
