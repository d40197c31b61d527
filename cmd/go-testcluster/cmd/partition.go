package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ozanturksever/go-testcluster/resunder"
)

var blockCmd = &cobra.Command{
	Use:   "block SOURCE-PORT DEST-PORT",
	Short: "Drop traffic from one local port to another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendPartition(resunder.VerbBlock, args)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock SOURCE-PORT DEST-PORT",
	Short: "Restore traffic from one local port to another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendPartition(resunder.VerbUnblock, args)
	},
}

var resunderCmd = &cobra.Command{
	Use:   "resunder",
	Short: "Inspect the resunder daemon",
}

var resunderCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that a resunder process is running on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c := newController(newLogger())
		if err := c.CheckRunning(ctx); err != nil {
			return err
		}
		fmt.Printf("resunder is running, commands go to %s\n", c.Addr())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	resunderCmd.AddCommand(resunderCheckCmd)
	rootCmd.AddCommand(resunderCmd)
}

func sendPartition(verb resunder.Verb, args []string) error {
	ports := make([]int, len(args))
	for i, arg := range args {
		port, err := strconv.Atoi(arg)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", arg)
		}
		ports[i] = port
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newController(newLogger())
	if err := c.Send(ctx, resunder.Command{Verb: verb, Source: ports[0], Dest: ports[1]}); err != nil {
		return err
	}
	fmt.Print(resunder.FormatCommand(verb, ports[0], ports[1]))
	return nil
}
