package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/murmel-im/omemo-go/internal/xmppws"
)

var flagProbeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe <wss-url> <domain>",
	Short: "Open an XMPP WebSocket stream and measure a ping round-trip",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		ctx, timeoutCancel := context.WithTimeout(ctx, flagProbeTimeout)
		defer timeoutCancel()

		rtts := make(chan time.Duration, 1)
		pc, err := xmppws.DialPersistent(ctx, args[0], args[1], nil,
			xmppws.WithPingInterval(time.Second),
			xmppws.WithPingCallback(func(rtt time.Duration) {
				select {
				case rtts <- rtt:
				default:
				}
			}),
		)
		if err != nil {
			return err
		}
		defer pc.Close()
		fmt.Printf("stream to %s established\n", args[1])

		// Pings are answered on the read path, so keep reading until
		// the first round-trip completes.
		go func() {
			for {
				if _, err := pc.ReadStanza(ctx); err != nil {
					return
				}
			}
		}()

		select {
		case rtt := <-rtts:
			fmt.Printf("ping: %v\n", rtt)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no ping result within %v", flagProbeTimeout)
		}
	},
}

func init() {
	probeCmd.Flags().DurationVar(&flagProbeTimeout, "timeout", 10*time.Second, "how long to wait for the ping result")
}
