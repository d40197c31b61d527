package testcluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LogFileName is the log file a server writes inside its data directory.
const LogFileName = "log_file"

// Files is an initialized data directory for one server. It outlives the
// Process that runs on it, so a stopped server can be restarted on the
// same data with UseFiles.
type Files struct {
	mc         *Metacluster
	id         int64
	dbPath     string
	serverName string
	serverTags []string
	executable string
	logger     *slog.Logger
}

// NewFiles creates a data directory by running the server's create
// subcommand. A nil mc creates a new Metacluster with default configuration.
func NewFiles(ctx context.Context, mc *Metacluster, opts ...FilesOption) (*Files, error) {
	if mc == nil {
		var err error
		if mc, err = NewMetacluster(Config{}); err != nil {
			return nil, err
		}
	}
	if mc.Closed() {
		return nil, ErrMetaclusterClosed
	}

	o := &filesOptions{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := mc.Config()
	f := &Files{
		mc:         mc,
		id:         mc.NewUniqueID(),
		serverName: o.serverName,
		serverTags: o.serverTags,
		dbPath:     o.dbPath,
	}
	if f.serverName == "" {
		f.serverName = fmt.Sprintf("node_%d", f.id)
	}
	if f.dbPath == "" {
		f.dbPath = filepath.Join(mc.Path(), fmt.Sprintf("db-%d", f.id))
	} else if _, err := os.Stat(f.dbPath); err == nil {
		return nil, fmt.Errorf("%w: data directory %q already exists", ErrInvalidOption, f.dbPath)
	}
	f.logger = cfg.Logger.With("component", "files", "server", f.serverName)

	exe := o.executable
	if exe == "" {
		exe = cfg.Executable
	}
	exe, err := resolveExecutable(exe)
	if err != nil {
		return nil, err
	}
	f.executable = exe

	prefix := o.commandPrefix
	if prefix == nil {
		prefix = cfg.CommandPrefix
	}

	if o.console.isDefault() {
		f.logger.Info("redirecting create console output to /dev/null")
	}
	out, err := o.console.open("", ConsoleDiscard)
	if err != nil {
		return nil, err
	}
	defer out.close()

	args := append(append([]string{}, prefix...), exe, "create",
		"--directory", f.dbPath,
		"--server-name", f.serverName)
	for _, tag := range f.serverTags {
		args = append(args, "--server-tag", tag)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdout = out.w
	cmd.Stderr = out.w

	f.logger.Debug("creating data directory", "path", f.dbPath, "args", args)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("create data directory: command %q failed: %w", strings.Join(args, " "), err)
	}

	return f, nil
}

// Metacluster returns the metacluster the directory was created in.
func (f *Files) Metacluster() *Metacluster { return f.mc }

// ID returns the unique id the default name and path derive from.
func (f *Files) ID() int64 { return f.id }

// DBPath returns the data directory.
func (f *Files) DBPath() string { return f.dbPath }

// ServerName returns the name given to the create command.
func (f *Files) ServerName() string { return f.serverName }

// ServerTags returns the tags given to the create command.
func (f *Files) ServerTags() []string { return append([]string(nil), f.serverTags...) }

// Executable returns the binary that created the directory.
func (f *Files) Executable() string { return f.executable }

// LogPath returns the path of the server log inside the data directory.
func (f *Files) LogPath() string { return filepath.Join(f.dbPath, LogFileName) }
