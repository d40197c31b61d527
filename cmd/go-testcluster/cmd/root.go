// Package cmd provides the CLI commands for go-testcluster.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	testcluster "github.com/ozanturksever/go-testcluster"
	"github.com/ozanturksever/go-testcluster/resunder"
)

var (
	cfgFile      string
	executable   string
	outputFolder string
	resunderAddr string
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "go-testcluster",
	Short: "Launch database server clusters for integration tests",
	Long: `go-testcluster starts groups of database servers on one host and
splits them into partitions:
  - Data directories created with the server's create subcommand
  - Ports discovered from each server's log
  - Partitions between clusters enforced by the resunder daemon

Use go-testcluster to bring up a scenario by hand or to poke resunder.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.go-testcluster.yaml)")
	rootCmd.PersistentFlags().StringVarP(&executable, "executable", "e", "", "server executable (default $RETHINKDB, then rethinkdb on $PATH)")
	rootCmd.PersistentFlags().StringVarP(&outputFolder, "output", "o", "", "root folder for data directories (default a temporary folder)")
	rootCmd.PersistentFlags().StringVar(&resunderAddr, "resunder-addr", resunder.DefaultAddr, "resunder daemon address")
	rootCmd.PersistentFlags().Bool("skip-resunder-check", false, "Do not look for a local resunder process before sending commands")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Bind flags to viper
	viper.BindPFlag("executable", rootCmd.PersistentFlags().Lookup("executable"))
	viper.BindPFlag("output_folder", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("resunder_addr", rootCmd.PersistentFlags().Lookup("resunder-addr"))
	viper.BindPFlag("skip_resunder_check", rootCmd.PersistentFlags().Lookup("skip-resunder-check"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Environment variable bindings
	viper.SetEnvPrefix("TESTCLUSTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.BindEnv("executable", "TESTCLUSTER_EXECUTABLE", testcluster.ExecutableEnv)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".go-testcluster")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// newLogger returns a text logger on stderr, at debug level with --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newController returns a resunder client for the configured address.
func newController(logger *slog.Logger) *resunder.Controller {
	return resunder.New(resunder.Config{
		Addr:             viper.GetString("resunder_addr"),
		SkipProcessCheck: viper.GetBool("skip_resunder_check"),
		Logger:           logger,
	})
}

// newConfig builds the Metacluster configuration from flags, environment
// and config file.
func newConfig(logger *slog.Logger) testcluster.Config {
	return testcluster.Config{
		OutputFolder:    viper.GetString("output_folder"),
		Executable:      viper.GetString("executable"),
		CommandPrefix:   viper.GetStringSlice("command_prefix"),
		Env:             viper.GetStringSlice("env"),
		StartupTimeout:  viper.GetDuration("startup_timeout"),
		StopGracePeriod: viper.GetDuration("stop_grace_period"),
		KillGracePeriod: viper.GetDuration("kill_grace_period"),
		CacheSizeMB:     viper.GetInt("cache_size"),
		Partitioner:     newController(logger),
		Registry:        testcluster.DefaultRegistry,
		Metrics:         testcluster.DefaultMetrics,
		Logger:          logger,
	}
}
