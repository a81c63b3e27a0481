package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices <contact>",
	Short: "List known devices of a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		devices, err := svc.Store().DevicesFor(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Known devices of %s (%d):\n", args[0], len(devices))
		for _, d := range devices {
			flags := ""
			if d.Stale {
				flags = " [stale]"
			}
			fmt.Printf("  Device %d: trust=%s lastSeen=%s%s\n",
				d.DeviceID, d.Trust, d.LastSeen.Format("2006-01-02 15:04"), flags)
		}
		return nil
	},
}
