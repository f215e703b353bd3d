package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamware/strato/pkg/kv"
	"github.com/dreamware/strato/pkg/strato"
)

func newGetCmd() *cobra.Command {
	var snapshot bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "read a single key at the latest read version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			key := kv.Key(args[0])
			var value kv.Value
			var found bool
			err = db.View(ctx, func(tx *strato.Transaction) error {
				var readErr error
				if snapshot {
					value, found, readErr = tx.GetSnapshot(ctx, key)
				} else {
					value, found, readErr = tx.Get(ctx, key)
				}
				return readErr
			})
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("<not found>")
				return nil
			}
			fmt.Println(string(value))
			return nil
		},
	}

	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "read without adding a read conflict range")
	return cmd
}
