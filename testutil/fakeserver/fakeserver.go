// Package fakeserver is a stand-in for the database server binary. A test
// binary whose TestMain calls Main when EnvEnable is set can be used as the
// server executable:
//
//	func TestMain(m *testing.M) {
//	    if fakeserver.Enabled() {
//	        os.Exit(fakeserver.Main(os.Args[1:]))
//	    }
//	    os.Exit(m.Run())
//	}
//
// The fake understands the create, serve and proxy subcommands, opens real
// loopback listeners and writes the same log lines as the real server.
package fakeserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ozanturksever/go-testcluster/logscan"
)

// Environment knobs read by the fake.
const (
	// EnvEnable turns the test binary into the fake server.
	EnvEnable = "TESTCLUSTER_FAKE_SERVER"
	// EnvNoReady suppresses the "Server ready" line.
	EnvNoReady = "TESTCLUSTER_FAKE_NO_READY"
	// EnvStopCode is the exit code used after SIGINT.
	EnvStopCode = "TESTCLUSTER_FAKE_STOP_CODE"
	// EnvIgnoreInterrupt makes the fake ignore SIGINT.
	EnvIgnoreInterrupt = "TESTCLUSTER_FAKE_IGNORE_SIGINT"
	// EnvCreateFail makes create exit with status 1.
	EnvCreateFail = "TESTCLUSTER_FAKE_CREATE_FAIL"
	// EnvStartDelay delays the log lines, as a Go duration.
	EnvStartDelay = "TESTCLUSTER_FAKE_START_DELAY"
)

// MetadataFile is written by create and holds the server name.
const MetadataFile = "metadata"

// Enabled reports whether this process should act as the fake server.
func Enabled() bool {
	return os.Getenv(EnvEnable) == "1"
}

// Executable returns the path of the running binary.
func Executable() (string, error) {
	return os.Executable()
}

// Env returns the environment that turns the binary into the fake, plus
// any KEY=value knobs.
func Env(knobs ...string) []string {
	return append([]string{EnvEnable + "=1"}, knobs...)
}

type portFlags struct {
	bind        string
	clusterPort int
	driverPort  int
	httpPort    int
	clientPort  int
	joins       []string
	cacheSize   int
}

func (f *portFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bind, "bind", "127.0.0.1", "address to bind")
	cmd.Flags().IntVar(&f.clusterPort, "cluster-port", 0, "intracluster port")
	cmd.Flags().IntVar(&f.driverPort, "driver-port", 0, "client driver port")
	cmd.Flags().IntVar(&f.httpPort, "http-port", 0, "administrative HTTP port")
	cmd.Flags().IntVar(&f.clientPort, "client-port", 0, "outgoing intracluster port")
	cmd.Flags().StringArrayVar(&f.joins, "join", nil, "peer to join")
	cmd.Flags().IntVar(&f.cacheSize, "cache-size", 0, "cache size in MB")
}

// Main runs the fake with the given arguments and returns the exit code.
func Main(args []string) int {
	root := &cobra.Command{
		Use:           "fakeserver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	whitelist := cobra.FParseErrWhitelist{UnknownFlags: true}

	var (
		dir, serverName string
		tags            []string
	)
	create := &cobra.Command{
		Use:                "create",
		FParseErrWhitelist: whitelist,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(dir, serverName, tags)
		},
	}
	create.Flags().StringVar(&dir, "directory", "", "data directory")
	create.Flags().StringVar(&serverName, "server-name", "", "server name")
	create.Flags().StringArrayVar(&tags, "server-tag", nil, "server tag")

	var servePorts portFlags
	serve := &cobra.Command{
		Use:                "serve",
		FParseErrWhitelist: whitelist,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := os.ReadFile(filepath.Join(dir, MetadataFile))
			if err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
			first, _, _ := strings.Cut(string(name), "\n")
			return run(filepath.Join(dir, "log_file"), first, servePorts)
		},
	}
	serve.Flags().StringVar(&dir, "directory", "", "data directory")
	servePorts.register(serve)

	var (
		logFile    string
		proxyPorts portFlags
	)
	proxy := &cobra.Command{
		Use:                "proxy",
		FParseErrWhitelist: whitelist,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logFile, "proxy", proxyPorts)
		},
	}
	proxy.Flags().StringVar(&logFile, "log-file", "", "log file")
	proxyPorts.register(proxy)

	root.AddCommand(create, serve, proxy)
	root.SetArgs(args)

	var exit exitCode
	if err := root.Execute(); err != nil {
		if errors.As(err, &exit) {
			return int(exit)
		}
		fmt.Fprintln(os.Stderr, "fakeserver:", err)
		return 1
	}
	return 0
}

type exitCode int

func (e exitCode) Error() string { return "exit status " + strconv.Itoa(int(e)) }

func runCreate(dir, name string, tags []string) error {
	if os.Getenv(EnvCreateFail) == "1" {
		return errors.New("create failed on request")
	}
	if dir == "" || name == "" {
		return errors.New("--directory and --server-name are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	meta := name + "\n" + strings.Join(tags, ",") + "\n"
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), []byte(meta), 0o644); err != nil {
		return err
	}
	fmt.Printf("Initializing directory %s\n", dir)
	return os.WriteFile(filepath.Join(dir, "log_file"), []byte("Initialized directory "+dir+"\n"), 0o644)
}

func run(logPath, name string, f portFlags) error {
	if logPath == "" {
		return errors.New("no log file")
	}

	host := "127.0.0.1"
	var listeners []net.Listener
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()
	listen := func(port int) (int, error) {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return 0, err
		}
		listeners = append(listeners, ln)
		go acceptAndDrop(ln)
		return ln.Addr().(*net.TCPAddr).Port, nil
	}

	clusterPort, err := listen(f.clusterPort)
	if err != nil {
		return fmt.Errorf("listen intracluster: %w", err)
	}
	driverPort, err := listen(f.driverPort)
	if err != nil {
		return fmt.Errorf("listen driver: %w", err)
	}
	httpPort, err := listen(f.httpPort)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if os.Getenv(EnvIgnoreInterrupt) == "1" {
		signal.Ignore(syscall.SIGINT)
	}

	if d, err := time.ParseDuration(os.Getenv(EnvStartDelay)); err == nil {
		time.Sleep(d)
	}

	log, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer log.Close()

	lines := []string{"Running fake server, pid " + strconv.Itoa(os.Getpid())}
	for _, peer := range f.joins {
		lines = append(lines, "Attempting connection to peer "+peer)
	}
	lines = append(lines,
		logscan.FormatPort(logscan.PortIntracluster, clusterPort),
		logscan.FormatPort(logscan.PortClientDriver, driverPort),
		logscan.FormatPort(logscan.PortHTTP, httpPort),
	)
	if os.Getenv(EnvNoReady) != "1" {
		lines = append(lines, logscan.FormatReady(name, uuid.New()))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(log, line); err != nil {
			return err
		}
	}

	sig := <-sigCh
	fmt.Fprintf(log, "Server got %s; shutting down...\n", sig)
	if sig == syscall.SIGINT {
		if code, err := strconv.Atoi(os.Getenv(EnvStopCode)); err == nil && code != 0 {
			return exitCode(code)
		}
	}
	return nil
}

func acceptAndDrop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}
