package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

var flagQR bool

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [contact:deviceID]",
	Short: "Show an identity key fingerprint, own or a contact device's",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		var fp string
		if len(args) == 0 {
			fp, err = svc.Fingerprint()
		} else {
			var addr axolotl.Address
			addr, err = axolotl.ParseAddress(args[0])
			if err != nil {
				return err
			}
			fp, err = svc.FingerprintOf(addr)
		}
		if err != nil {
			return err
		}

		fmt.Println(fp)
		if flagQR {
			qrterminal.GenerateHalfBlock(strings.ReplaceAll(fp, " ", ""), qrterminal.L, os.Stdout)
		}
		return nil
	},
}

func init() {
	fingerprintCmd.Flags().BoolVar(&flagQR, "qr", false, "also render the fingerprint as a QR code")
}
