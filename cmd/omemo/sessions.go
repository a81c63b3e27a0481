package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List established sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		addrs, err := svc.Store().ListSessions()
		if err != nil {
			return err
		}

		fmt.Printf("Sessions (%d):\n", len(addrs))
		for _, addr := range addrs {
			state, err := svc.Sessions().State(addr)
			if err != nil {
				return err
			}
			fmt.Printf("  %s: %s\n", addr, state)
		}
		return nil
	},
}
