package axolotl

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PreKeyRecord is a single-use prekey published for remote parties to
// consume when initiating a session with us. Consumed exactly once.
type PreKeyRecord struct {
	ID      uint32  `cbor:"1,keyasint"`
	KeyPair KeyPair `cbor:"2,keyasint"`
}

// NewPreKeyRecord generates a one-time prekey with the given ID.
func NewPreKeyRecord(id uint32) (*PreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, KeyPair: *kp}, nil
}

// Serialize returns the CBOR form of the record.
func (r *PreKeyRecord) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize prekey: %w", err)
	}
	return data, nil
}

// DeserializePreKeyRecord reconstructs a prekey record.
func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	var r PreKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize prekey: %w", err)
	}
	return &r, nil
}

// SignedPreKeyRecord is a medium-lived prekey signed by the identity
// key. Several may coexist during rotation overlap.
type SignedPreKeyRecord struct {
	ID        uint32  `cbor:"1,keyasint"`
	KeyPair   KeyPair `cbor:"2,keyasint"`
	Signature []byte  `cbor:"3,keyasint"`
	CreatedAt uint64  `cbor:"4,keyasint"` // unix millis
}

// NewSignedPreKeyRecord generates a signed prekey with the given ID,
// signed by the identity's Ed25519 key over the X25519 public key.
func NewSignedPreKeyRecord(id uint32, identity *IdentityKeyPair) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		ID:        id,
		KeyPair:   *kp,
		Signature: identity.Sign(kp.Public[:]),
		CreatedAt: uint64(time.Now().UnixMilli()),
	}, nil
}

// Serialize returns the CBOR form of the record.
func (r *SignedPreKeyRecord) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize signed prekey: %w", err)
	}
	return data, nil
}

// DeserializeSignedPreKeyRecord reconstructs a signed prekey record.
func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	var r SignedPreKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize signed prekey: %w", err)
	}
	return &r, nil
}

// PreKeyBundle is the published key material a remote party needs to
// initiate a session with a device: identity key, current signed
// prekey, and optionally one one-time prekey.
type PreKeyBundle struct {
	DeviceID              uint32
	IdentityKey           IdentityKey
	SignedPreKeyID        uint32
	SignedPreKey          PublicKey
	SignedPreKeySignature []byte

	// One-time prekey, optional. PreKey is nil when the remote device
	// has run out; the handshake then proceeds signed-prekey-only.
	PreKeyID uint32
	PreKey   *PublicKey
}

// Verify checks the signed prekey signature against the bundle's
// identity key.
func (b *PreKeyBundle) Verify() error {
	if !b.IdentityKey.Verify(b.SignedPreKey[:], b.SignedPreKeySignature) {
		return ErrInvalidSignature
	}
	return nil
}
