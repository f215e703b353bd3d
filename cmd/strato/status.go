package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print location-cache and watch-table occupancy for a cluster connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			s := db.Status()
			fmt.Printf("location cache entries: %d\n", s.LocationCacheEntries)
			fmt.Printf("active watches:         %d\n", s.ActiveWatches)
			return nil
		},
	}
}
