package axolotl

import "errors"

var (
	// ErrNoSession is returned when encrypt or decrypt is requested for
	// an address with no established session. Recoverable: the caller
	// should run a prekey handshake and retry.
	ErrNoSession = errors.New("axolotl: no session")

	// ErrUntrustedIdentity is returned when a peer presents an identity
	// key that conflicts with the stored one.
	ErrUntrustedIdentity = errors.New("axolotl: untrusted identity")

	// ErrDecryptFailed is returned on authentication or ratchet-step
	// failure. The message must be dropped, never retried.
	ErrDecryptFailed = errors.New("axolotl: decrypt failed")

	// ErrInvalidMessage is returned for malformed wire payloads.
	ErrInvalidMessage = errors.New("axolotl: invalid message")

	// ErrInvalidSignature is returned when a signed prekey or sender key
	// signature does not verify against the claimed identity.
	ErrInvalidSignature = errors.New("axolotl: invalid signature")

	// ErrNoSenderKey is returned when a group message references a
	// distribution ID we hold no sender key for.
	ErrNoSenderKey = errors.New("axolotl: no sender key")

	// ErrPreKeyNotFound is returned when a key-exchange message
	// references a one-time prekey that is absent or already consumed.
	ErrPreKeyNotFound = errors.New("axolotl: prekey not found")
)
