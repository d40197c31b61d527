// Package testcluster launches groups of database server processes for
// integration tests, discovers the ports they pick by reading their logs,
// and simulates network partitions between groups of them.
//
// # Quick Start
//
// Start a two-server cluster, wait for it and stop it again:
//
//	func TestMain(m *testing.M) {
//	    code := m.Run()
//	    testcluster.Shutdown()
//	    os.Exit(code)
//	}
//
//	func TestReplication(t *testing.T) {
//	    ctx := context.Background()
//	    mc, err := testcluster.NewMetacluster(testcluster.Config{})
//	    require.NoError(t, err)
//	    defer mc.Close()
//
//	    c, err := testcluster.NewCluster(ctx, mc, testcluster.InitialServers(2))
//	    require.NoError(t, err)
//
//	    addr, err := c.DriverAddr(ctx)
//	    require.NoError(t, err)
//	    // connect a client to addr ...
//
//	    require.NoError(t, c.Check())
//	    require.NoError(t, c.CheckAndStop(ctx))
//	}
//
// # Architecture
//
// A [Metacluster] owns a data directory root and a set of [Cluster] values.
// A Cluster is a set of [Process] values that are meant to reach each
// other. A Process runs either a server on a [Files] data directory or a
// proxy.
//
//   - Spawning a process adds --join flags for every member of its cluster
//   - Before the process starts it is blocked from every other cluster
//   - A background goroutine tails the log until the intracluster, driver
//     and HTTP ports and the server UUID are known
//   - [Metacluster.MoveProcesses] re-partitions processes between clusters
//
// Partitions are enforced by the resunder daemon, see package resunder.
// Every block between a process and a peer is four commands: both
// directions for the advertised cluster port and for the local client port.
//
// # Cleanup
//
// Every spawned process is recorded in a [Registry]. [Shutdown] stops
// whatever is still running and removes temporary directories; call it from
// TestMain or defer it in main. [Registry.CleanupOnSignal] does the same on
// SIGINT or SIGTERM.
//
// # Configuration
//
// The [Config] struct holds defaults for everything created inside a
// Metacluster:
//
//   - Executable: server binary, else $RETHINKDB, else rethinkdb on $PATH
//   - StartupTimeout: bound on discovery and port accessors (default 30s)
//   - StopGracePeriod: wait after SIGINT in CheckAndStop (default 300s)
//   - KillGracePeriod: wait between SIGTERM and SIGKILL in Close (default 5s)
//   - Partitioner: defaults to a resunder controller
//   - Events, Metrics and Logger: observability hooks
//
// Constructors take functional options, for example [InitialServers],
// [UseFiles] and [WithExtraOptions].
//
// # Scenarios
//
// A [Scenario] file declares clusters and moves between them in YAML or
// JSON. [Scenario.Launch] starts it in a Metacluster; the go-testcluster
// command does the same from a shell with `go-testcluster up --scenario`.
package testcluster
