package main

import (
	"github.com/spf13/cobra"

	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/strato"
)

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "write a single key in its own committed transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			key, value := kv.Key(args[0]), kv.Value(args[1])
			return db.Update(ctx, func(tx *strato.Transaction) error {
				tx.Set(key, value)
				return nil
			})
		},
	}
}
