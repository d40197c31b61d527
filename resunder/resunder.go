// Package resunder is a client for the resunder partition-emulation daemon.
//
// resunder listens on a fixed local TCP port and accepts one command per
// connection:
//
//	block <sourcePort> <destPort>\n
//	unblock <sourcePort> <destPort>\n
//
// After a block, traffic from sourcePort to destPort is dropped until the
// matching unblock. The daemon sends no acknowledgement; the client writes the
// command and closes the connection.
package resunder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is where resunder listens.
	DefaultAddr = "localhost:46594"

	DefaultDialTimeout = 5 * time.Second

	// ProcessMarker is the substring looked for in host command lines to
	// decide whether the daemon is running.
	ProcessMarker = "resunder"
)

// ErrNotRunning is returned when no resunder process is found on the host.
var ErrNotRunning = errors.New("resunder is not running, please start it from test/common/resunder.py (as root)")

// Verb is a resunder command verb.
type Verb string

const (
	VerbBlock   Verb = "block"
	VerbUnblock Verb = "unblock"
)

// Command is one directional block or unblock request.
type Command struct {
	Verb   Verb
	Source int
	Dest   int
}

func (c Command) String() string {
	return FormatCommand(c.Verb, c.Source, c.Dest)
}

// FormatCommand renders a command line including its trailing newline.
func FormatCommand(verb Verb, source, dest int) string {
	return fmt.Sprintf("%s %d %d\n", verb, source, dest)
}

// ParseCommand parses one command line, with or without its newline.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Command{}, fmt.Errorf("invalid command %q: want 3 fields, got %d", line, len(fields))
	}
	verb := Verb(fields[0])
	if verb != VerbBlock && verb != VerbUnblock {
		return Command{}, fmt.Errorf("invalid command %q: unknown verb %q", line, fields[0])
	}
	src, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, fmt.Errorf("invalid command %q: source port: %w", line, err)
	}
	dst, err := strconv.Atoi(fields[2])
	if err != nil {
		return Command{}, fmt.Errorf("invalid command %q: dest port: %w", line, err)
	}
	return Command{Verb: verb, Source: src, Dest: dst}, nil
}

type Config struct {
	// Addr of the daemon. Defaults to DefaultAddr.
	Addr        string
	DialTimeout time.Duration

	// Lister enumerates host command lines. Defaults to PsutilLister.
	Lister ProcessLister

	// SkipProcessCheck disables the host process check, for daemons that
	// run in another network namespace or on another host.
	SkipProcessCheck bool

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Lister == nil {
		c.Lister = PsutilLister{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller sends block/unblock commands to resunder. It holds no
// partition state; the daemon does.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer
}

func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "resunder", "addr", cfg.Addr),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Addr returns the daemon address this controller talks to.
func (c *Controller) Addr() string {
	return c.cfg.Addr
}

// CheckRunning returns ErrNotRunning if no resunder process is visible.
func (c *Controller) CheckRunning(ctx context.Context) error {
	if c.cfg.SkipProcessCheck {
		return nil
	}
	cmds, err := c.cfg.Lister.Commands(ctx)
	if err != nil {
		return fmt.Errorf("list host processes: %w", err)
	}
	for _, cmd := range cmds {
		if strings.Contains(cmd, ProcessMarker) {
			return nil
		}
	}
	c.logger.Error("resunder process not found")
	return ErrNotRunning
}

// Block drops traffic from source to dest.
func (c *Controller) Block(ctx context.Context, source, dest int) error {
	return c.Send(ctx, Command{Verb: VerbBlock, Source: source, Dest: dest})
}

// Unblock restores traffic from source to dest.
func (c *Controller) Unblock(ctx context.Context, source, dest int) error {
	return c.Send(ctx, Command{Verb: VerbUnblock, Source: source, Dest: dest})
}

// Send checks the daemon is running and delivers a single command.
func (c *Controller) Send(ctx context.Context, cmd Command) error {
	if err := c.CheckRunning(ctx); err != nil {
		return err
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("connect to resunder: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write([]byte(cmd.String())); err != nil {
		return fmt.Errorf("send %s %d %d: %w", cmd.Verb, cmd.Source, cmd.Dest, err)
	}

	c.logger.Debug("sent command", "verb", cmd.Verb, "source", cmd.Source, "dest", cmd.Dest)
	return nil
}
