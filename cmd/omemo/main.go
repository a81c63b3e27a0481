// Command omemo manages the end-to-end encryption state of an XMPP
// account: identity, prekeys, known devices, sessions, and trust.
//
// Usage:
//
//	omemo -a alice@example.org init         Create identity and key material
//	omemo -a alice@example.org fingerprint  Show the identity fingerprint
//	omemo -a alice@example.org devices bob@example.org
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/murmel-im/omemo-go/internal/omemoservice"
)

var (
	flagDB      string
	flagAccount string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "omemo",
	Short:         "Manage OMEMO encryption state for an XMPP account",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "path to database file")
	rootCmd.PersistentFlags().StringVarP(&flagAccount, "account", "a", "", "bare JID of the account")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		initCmd,
		fingerprintCmd,
		devicesCmd,
		trustCmd,
		prekeysCmd,
		sessionsCmd,
		selftestCmd,
		probeCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func logger() *log.Logger {
	if flagVerbose {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return nil
}

// openService opens the account's encryption state for local
// inspection. Publications go to a throwaway in-memory hub; commands
// that need the network wire their own transport.
func openService() (*omemoservice.Service, error) {
	if flagAccount == "" {
		return nil, fmt.Errorf("--account is required")
	}
	return omemoservice.New(omemoservice.Config{
		Account:   flagAccount,
		DBPath:    flagDB,
		Transport: omemoservice.NewLoopback().Endpoint(flagAccount),
		Logger:    logger(),
		Enabled:   true,
	})
}
