package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/strato"
)

func newRangeCmd() *cobra.Command {
	var limit int
	var reverse bool
	var snapshot bool

	cmd := &cobra.Command{
		Use:   "range <begin> <end>",
		Short: "list every key-value pair in [begin, end)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			begin := kv.FirstGreaterOrEqual(kv.Key(args[0]))
			end := kv.FirstGreaterOrEqual(kv.Key(args[1]))

			var pairs []kv.KeyValue
			err = db.View(ctx, func(tx *strato.Transaction) error {
				var rangeErr error
				if snapshot {
					pairs, rangeErr = tx.GetRangeSnapshot(ctx, begin, end, limit, reverse)
				} else {
					pairs, rangeErr = tx.GetRange(ctx, begin, end, limit, reverse)
				}
				return rangeErr
			})
			if err != nil {
				return err
			}

			for _, kvPair := range pairs {
				fmt.Printf("%s=%s\n", kvPair.Key, kvPair.Value)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of pairs to return (0 means unlimited)")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "return pairs in descending key order")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "read without adding a read conflict range")
	return cmd
}
