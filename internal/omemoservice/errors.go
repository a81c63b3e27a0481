package omemoservice

import (
	"errors"
	"fmt"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// Sentinel errors surfaced to callers. Cryptographic failures from the
// axolotl layer (axolotl.ErrNoSession and friends) pass through
// wrapped, so errors.Is works across layers.
var (
	// ErrDisabled is returned when encryption is switched off for the
	// account and an OMEMO operation is requested anyway.
	ErrDisabled = errors.New("omemo: encryption disabled")

	// ErrPreKeyExhausted is returned when a fetched bundle carries no
	// one-time prekey and policy forbids the weaker handshake.
	ErrPreKeyExhausted = errors.New("omemo: remote device has no one-time prekeys")

	// ErrNoRecipientDevices is returned when fan-out finds no usable
	// device for any recipient.
	ErrNoRecipientDevices = errors.New("omemo: no usable recipient devices")

	// ErrStaleEpoch is returned for group ciphertext under a
	// distribution ID the sender has already superseded.
	ErrStaleEpoch = errors.New("omemo: ciphertext from a superseded distribution epoch")
)

// BundleFetchError reports a failed prekey bundle fetch for one
// device. Fan-out treats it as a per-device failure, not a fatal one.
type BundleFetchError struct {
	Address axolotl.Address
	Err     error
}

func (e *BundleFetchError) Error() string {
	return fmt.Sprintf("omemo: fetch bundle for %s: %v", e.Address, e.Err)
}

func (e *BundleFetchError) Unwrap() error { return e.Err }

// DecryptError reports a failed decryption from one device, carrying
// the session failure count so callers can surface staleness.
type DecryptError struct {
	Address  axolotl.Address
	Failures int
	Err      error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("omemo: decrypt from %s (failure %d): %v", e.Address, e.Failures, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }
