package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the account's identity and key material",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Initialize(ctx); err != nil {
			return err
		}

		id, err := svc.DeviceID()
		if err != nil {
			return err
		}
		fp, err := svc.Fingerprint()
		if err != nil {
			return err
		}
		fmt.Printf("Account:     %s\n", svc.Account())
		fmt.Printf("Device ID:   %d\n", id)
		fmt.Printf("Fingerprint: %s\n", fp)
		return nil
	},
}
