package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/strato/pkg/kv"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <key>",
		Short: "block until a key's value changes, or until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			tx := db.CreateTransaction()
			handle, err := tx.Watch(ctx, kv.Key(args[0]))
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			if _, err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("arm watch: %w", err)
			}

			fmt.Printf("watching %q, press Ctrl+C to stop\n", args[0])

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			select {
			case <-handle.Fired:
				fmt.Println("value changed")
			case <-stop:
				fmt.Println("stopped")
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	}
}
