package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/store"
)

var trustCmd = &cobra.Command{
	Use:   "trust <contact:deviceID> <trusted|untrusted|undecided>",
	Short: "Record a trust decision for a contact device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := axolotl.ParseAddress(args[0])
		if err != nil {
			return err
		}
		trust := store.Trust(args[1])
		switch trust {
		case store.TrustTrusted, store.TrustUntrusted, store.TrustUndecided:
		default:
			return fmt.Errorf("unknown trust state %q", args[1])
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.SetTrust(addr, trust); err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", addr, trust)
		return nil
	},
}
