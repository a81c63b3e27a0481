package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var prekeysCmd = &cobra.Command{
	Use:   "prekeys",
	Short: "Show the state of the prekey pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		count, err := svc.Store().PreKeyCount()
		if err != nil {
			return err
		}
		fmt.Printf("One-time prekeys: %d\n", count)

		signed, err := svc.Store().CurrentSignedPreKey()
		if err != nil {
			return err
		}
		if signed == nil {
			fmt.Println("Signed prekey:    none (run init)")
			return nil
		}
		fmt.Printf("Signed prekey:    %d\n", signed.ID)
		return nil
	},
}
