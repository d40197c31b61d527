package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	testcluster "github.com/ozanturksever/go-testcluster"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start clusters and keep them running until interrupted",
	Long: `Start one cluster, or the clusters and moves of a scenario file, print
their ports and wait for Ctrl+C. All servers are stopped and temporary data
removed on exit.

Example:
  go-testcluster up --servers 3
  go-testcluster up --scenario split.yaml --metrics-addr :9090
  go-testcluster up --servers 2 --nats nats://localhost:4222`,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)

	upCmd.Flags().StringP("scenario", "s", "", "scenario file (.yaml or .json)")
	upCmd.Flags().IntP("servers", "n", 1, "servers in the cluster when no scenario is given")
	upCmd.Flags().StringSlice("server-option", nil, "extra option passed to every server")
	upCmd.Flags().Duration("ready-timeout", testcluster.DefaultReadyTimeout, "time to wait for the servers to come up")
	upCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	upCmd.Flags().String("nats", "", "publish lifecycle events to this NATS server")
	upCmd.Flags().String("events-prefix", testcluster.DefaultEventPrefix, "subject prefix for lifecycle events")
	upCmd.Flags().StringP("format", "f", "table", "status output format (table or json)")

	// Bind to viper
	viper.BindPFlag("scenario", upCmd.Flags().Lookup("scenario"))
	viper.BindPFlag("servers", upCmd.Flags().Lookup("servers"))
	viper.BindPFlag("server_options", upCmd.Flags().Lookup("server-option"))
	viper.BindPFlag("ready_timeout", upCmd.Flags().Lookup("ready-timeout"))
	viper.BindPFlag("metrics_addr", upCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("nats_url", upCmd.Flags().Lookup("nats"))
	viper.BindPFlag("events_prefix", upCmd.Flags().Lookup("events-prefix"))
	viper.BindPFlag("format", upCmd.Flags().Lookup("format"))
}

func runUp(cmd *cobra.Command, args []string) (err error) {
	logger := newLogger()
	cfg := newConfig(logger)

	format := viper.GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format %q (use table or json)", format)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if addr := viper.GetString("metrics_addr"); addr != "" {
		if err := cfg.Metrics.Start(ctx, addr, logger); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer cfg.Metrics.Stop()
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr())
	}

	if url := viper.GetString("nats_url"); url != "" {
		pub, err := testcluster.ConnectNATSPublisher(url, viper.GetString("events_prefix"))
		if err != nil {
			return err
		}
		defer pub.Close()
		cfg.Events = pub
	}

	mc, err := testcluster.NewMetacluster(cfg)
	if err != nil {
		return fmt.Errorf("failed to create metacluster: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, mc.Close(), testcluster.Shutdown())
	}()

	clusters, err := launch(ctx, mc)
	if err != nil {
		return err
	}

	if err := printStatus(clusters, format); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Clusters running in", mc.Path()+". Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nStopping...")
	return nil
}

// launch starts the scenario file if one was given, else a single cluster.
func launch(ctx context.Context, mc *testcluster.Metacluster) (map[string]*testcluster.Cluster, error) {
	if path := viper.GetString("scenario"); path != "" {
		s, err := testcluster.LoadScenarioFile(path)
		if err != nil {
			return nil, err
		}
		return s.Launch(ctx, mc)
	}

	c, err := testcluster.NewCluster(ctx, mc,
		testcluster.InitialServers(viper.GetInt("servers")),
		testcluster.ReadyTimeout(viper.GetDuration("ready_timeout")),
		testcluster.ServerOptions(testcluster.WithExtraOptions(viper.GetStringSlice("server_options")...)),
	)
	if err != nil {
		return nil, err
	}
	return map[string]*testcluster.Cluster{"default": c}, nil
}

func printStatus(clusters map[string]*testcluster.Cluster, format string) error {
	names := lo.Keys(clusters)
	sort.Strings(names)

	statuses := make(map[string][]testcluster.Status, len(clusters))
	for _, name := range names {
		statuses[name] = lo.Map(clusters[name].Processes(), func(p *testcluster.Process, _ int) testcluster.Status {
			return p.Status()
		})
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLUSTER\tPID\tNAME\tSTATE\tCLUSTER PORT\tDRIVER PORT\tHTTP PORT\tDATA")
	for _, name := range names {
		for _, s := range statuses[name] {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				name, s.PID, s.Name, s.State, s.ClusterPort, s.DriverPort, s.HTTPPort, s.DBPath)
		}
	}
	return w.Flush()
}
