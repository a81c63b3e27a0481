package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/omemoservice"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run two in-memory endpoints through the full encrypt/decrypt paths",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := os.MkdirTemp("", "omemo-selftest-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		hub := omemoservice.NewLoopback()
		ctx := context.Background()

		alice, aliceAddr, err := selftestEndpoint(ctx, hub, dir, "alice@selftest.invalid")
		if err != nil {
			return err
		}
		defer alice.Close()
		bob, bobAddr, err := selftestEndpoint(ctx, hub, dir, "bob@selftest.invalid")
		if err != nil {
			return err
		}
		defer bob.Close()
		fmt.Printf("alice is device %d, bob is device %d\n", aliceAddr.DeviceID(), bobAddr.DeviceID())

		// Direct message both ways.
		res, err := alice.Pipeline().Encrypt(ctx, omemoservice.Outgoing{
			Kind:       omemoservice.Direct,
			Recipients: []string{bobAddr.Name()},
			Plaintext:  []byte("selftest direct"),
		})
		if err != nil {
			return fmt.Errorf("alice encrypt: %w", err)
		}
		got, err := bob.Pipeline().Decrypt(aliceAddr, res.Envelope)
		if err != nil {
			return fmt.Errorf("bob decrypt: %w", err)
		}
		if string(got) != "selftest direct" {
			return fmt.Errorf("bob read %q", got)
		}
		fmt.Println("direct alice -> bob: ok")

		res, err = bob.Pipeline().Encrypt(ctx, omemoservice.Outgoing{
			Kind:       omemoservice.Direct,
			Recipients: []string{aliceAddr.Name()},
			Plaintext:  []byte("selftest reply"),
		})
		if err != nil {
			return fmt.Errorf("bob encrypt: %w", err)
		}
		if _, err := alice.Pipeline().Decrypt(bobAddr, res.Envelope); err != nil {
			return fmt.Errorf("alice decrypt: %w", err)
		}
		fmt.Println("direct bob -> alice: ok")

		// Group round with an epoch rotation.
		const room = "selftest@rooms.selftest.invalid"
		members := []string{aliceAddr.Name(), bobAddr.Name()}

		gres, err := alice.Pipeline().Encrypt(ctx, omemoservice.Outgoing{
			Kind:      omemoservice.Group,
			Room:      room,
			Members:   members,
			Plaintext: []byte("selftest group"),
		})
		if err != nil {
			return fmt.Errorf("group encrypt: %w", err)
		}
		for _, dist := range gres.KeyDistributions {
			if err := bob.Pipeline().ProcessKeyDistribution(room, aliceAddr, dist.Envelope); err != nil {
				return fmt.Errorf("key distribution: %w", err)
			}
		}
		if _, err := bob.Pipeline().GroupDecrypt(room, aliceAddr, gres.Envelope); err != nil {
			return fmt.Errorf("group decrypt: %w", err)
		}
		fmt.Println("group message: ok")

		if _, err := alice.Pipeline().RotateGroup(room); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		gres2, err := alice.Pipeline().Encrypt(ctx, omemoservice.Outgoing{
			Kind:      omemoservice.Group,
			Room:      room,
			Members:   members,
			Plaintext: []byte("selftest fresh epoch"),
		})
		if err != nil {
			return fmt.Errorf("post-rotation encrypt: %w", err)
		}
		for _, dist := range gres2.KeyDistributions {
			if err := bob.Pipeline().ProcessKeyDistribution(room, aliceAddr, dist.Envelope); err != nil {
				return fmt.Errorf("post-rotation key distribution: %w", err)
			}
		}
		if _, err := bob.Pipeline().GroupDecrypt(room, aliceAddr, gres2.Envelope); err != nil {
			return fmt.Errorf("post-rotation decrypt: %w", err)
		}
		if _, err := bob.Pipeline().GroupDecrypt(room, aliceAddr, gres.Envelope); err == nil {
			return fmt.Errorf("pre-rotation ciphertext still accepted")
		}
		fmt.Println("epoch rotation: ok")

		fmt.Println("PASS")
		return nil
	},
}

func selftestEndpoint(ctx context.Context, hub *omemoservice.Loopback, dir, account string) (*omemoservice.Service, axolotl.Address, error) {
	svc, err := omemoservice.New(omemoservice.Config{
		Account:   account,
		DBPath:    filepath.Join(dir, account+".db"),
		Transport: hub.Endpoint(account),
		Logger:    logger(),
		Enabled:   true,
	})
	if err != nil {
		return nil, axolotl.Address{}, err
	}
	if err := svc.Initialize(ctx); err != nil {
		svc.Close()
		return nil, axolotl.Address{}, err
	}
	id, err := svc.DeviceID()
	if err != nil {
		svc.Close()
		return nil, axolotl.Address{}, err
	}
	return svc, axolotl.NewAddress(account, id), nil
}
