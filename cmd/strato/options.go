package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// optionGroup names the pkg/option constants available at one of the three
// scopes spec.md §6 defines, for the "options" command's static reference
// listing.
type optionGroup struct {
	scope string
	names []string
}

var optionGroups = []optionGroup{
	{
		scope: "network (set once, before opening any database)",
		names: []string{
			"TraceEnable", "TraceRollSize", "TraceMaxLogsSize", "TraceFormat",
			"TraceFileIdentifier", "TraceLogGroup", "TraceClockSource", "Knob",
			"TLSCertPath", "TLSCertBytes", "TLSCAPath", "TLSCABytes", "TLSKeyPath",
			"TLSKeyBytes", "TLSPassword", "TLSVerifyPeers",
			"DisableClientStatisticsLogging", "EnableRunLoopProfiling",
			"SupportedClientVersions", "DistributedClientTracer",
		},
	},
	{
		scope: "database (apply to a Database and its future transactions)",
		names: []string{
			"LocationCacheSize", "MachineID", "MaxWatches", "DatacenterID",
			"SnapshotRYWEnable", "SnapshotRYWDisable", "TransactionLoggingEnable",
			"TransactionLoggingDisable", "UseConfigDatabase", "TestCausalReadRisky",
		},
	},
	{
		scope: "transaction (apply to a single transaction)",
		names: []string{
			"CausalReadRisky", "CausalWriteRisky", "PrioritySystemImmediate",
			"PriorityBatch", "InitializeNewDatabase", "AccessSystemKeys",
			"ReadSystemKeys", "Timeout", "RetryLimit", "MaxRetryDelay", "SizeLimit",
			"LockAware", "ReadLockAware", "FirstInBatch", "UseProvisionalProxies",
			"IncludePortInAddress", "Tag", "AutoThrottleTag", "SpanParent",
			"ReportConflictingKeys", "ExpensiveClearCostEstimationEnable",
			"DebugIdentifier", "LogTransaction", "LoggingMaxFieldLength",
			"ServerRequestTracing",
		},
	},
}

func newOptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "list the network, database, and transaction options pkg/option defines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, group := range optionGroups {
				fmt.Println(group.scope)
				for _, name := range group.names {
					fmt.Printf("  %s\n", name)
				}
			}
			return nil
		},
	}
}
