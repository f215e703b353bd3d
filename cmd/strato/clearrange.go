package main

import (
	"github.com/spf13/cobra"

	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/strato"
)

func newClearRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clearrange <begin> <end>",
		Short: "delete every key in [begin, end) in its own committed transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			begin, end := kv.Key(args[0]), kv.Key(args[1])
			return db.Update(ctx, func(tx *strato.Transaction) error {
				tx.ClearRange(begin, end)
				return nil
			})
		},
	}
}
