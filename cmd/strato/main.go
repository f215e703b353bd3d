// Command strato is a command-line client exercising pkg/strato's Database
// and Transaction API: get/set/range/clearrange/watch against a cluster, plus a
// status reader and an options reference.
//
// Grounded on torua's cmd/coordinator and cmd/node main.go for the
// flag/env bootstrap and signal-driven graceful shutdown idiom, adapted from
// a raw flag.String/os.Getenv bootstrap to cobra subcommands with viper
// binding cluster-file and log-level across flags and STRATO_* environment
// variables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "strato:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "strato",
		Short:         "strato is a client for a strictly-serializable key/value cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bindPersistentFlags(root)

	root.AddCommand(
		newGetCmd(),
		newSetCmd(),
		newRangeCmd(),
		newClearRangeCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newOptionsCmd(),
	)

	return root
}
