// Package axolotl implements the cryptographic core of the OMEMO
// encryption subsystem: X3DH key agreement, the double ratchet, and
// sender keys for group messaging. Callers treat its records as opaque
// state machines; the rest of the subsystem only orchestrates them.
package axolotl

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
)

// PublicKey is an X25519 public key.
type PublicKey [32]byte

// PrivateKey is a clamped X25519 private key.
type PrivateKey [32]byte

// KeyPair is an X25519 key pair used for ratchet and prekey material.
type KeyPair struct {
	Private PrivateKey `cbor:"1,keyasint"`
	Public  PublicKey  `cbor:"2,keyasint"`
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("axolotl: generate key: %w", err)
	}
	clamp(&priv)

	pub, err := publicFor(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

func clamp(priv *PrivateKey) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

func publicFor(priv PrivateKey) (PublicKey, error) {
	var pub PublicKey
	raw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("axolotl: derive public key: %w", err)
	}
	copy(pub[:], raw)
	return pub, nil
}

// dh computes the X25519 shared secret between priv and pub.
func dh(priv PrivateKey, pub PublicKey) ([32]byte, error) {
	var out [32]byte
	raw, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("axolotl: dh: %w", err)
	}
	copy(out[:], raw)
	return out, nil
}

// IdentityKey is the public half of a device identity: an Ed25519 key
// for signatures and an X25519 key for key agreement.
type IdentityKey struct {
	SignPub ed25519.PublicKey `cbor:"1,keyasint"`
	DHPub   PublicKey         `cbor:"2,keyasint"`
}

// IdentityKeyPair is a long-term device identity. Created once per
// account, persisted, never rotated automatically.
type IdentityKeyPair struct {
	SignPriv ed25519.PrivateKey `cbor:"1,keyasint"`
	SignPub  ed25519.PublicKey  `cbor:"2,keyasint"`
	DHPriv   PrivateKey         `cbor:"3,keyasint"`
	DHPub    PublicKey          `cbor:"4,keyasint"`
}

// GenerateIdentityKeyPair returns a fresh long-term identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("axolotl: generate identity: %w", err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{
		SignPriv: signPriv,
		SignPub:  signPub,
		DHPriv:   kp.Private,
		DHPub:    kp.Public,
	}, nil
}

// PublicIdentity returns the public half of the identity.
func (ik *IdentityKeyPair) PublicIdentity() IdentityKey {
	return IdentityKey{SignPub: ik.SignPub, DHPub: ik.DHPub}
}

// Sign signs data with the identity's Ed25519 key.
func (ik *IdentityKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(ik.SignPriv, data)
}

// Serialize returns the CBOR form of the identity key pair.
func (ik *IdentityKeyPair) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(ik)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize identity: %w", err)
	}
	return data, nil
}

// DeserializeIdentityKeyPair reconstructs an identity key pair.
func DeserializeIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	var ik IdentityKeyPair
	if err := cbor.Unmarshal(data, &ik); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize identity: %w", err)
	}
	return &ik, nil
}

// Serialize returns the CBOR form of the public identity.
func (k IdentityKey) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize identity key: %w", err)
	}
	return data, nil
}

// DeserializeIdentityKey reconstructs a public identity.
func DeserializeIdentityKey(data []byte) (IdentityKey, error) {
	var k IdentityKey
	if err := cbor.Unmarshal(data, &k); err != nil {
		return k, fmt.Errorf("axolotl: deserialize identity key: %w", err)
	}
	return k, nil
}

// Equal reports whether two public identities are the same key material.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return bytes.Equal(k.SignPub, other.SignPub) && k.DHPub == other.DHPub
}

// Verify checks an Ed25519 signature made by this identity.
func (k IdentityKey) Verify(data, sig []byte) bool {
	if len(k.SignPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(k.SignPub, data, sig)
}

// Fingerprint returns the hex SHA-256 of the public identity, grouped
// in blocks of eight for display.
func (k IdentityKey) Fingerprint() string {
	h := sha256.New()
	h.Write(k.SignPub)
	h.Write(k.DHPub[:])
	sum := hex.EncodeToString(h.Sum(nil))

	var buf bytes.Buffer
	for i := 0; i < len(sum); i += 8 {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(sum[i : i+8])
	}
	return buf.String()
}

// Zero wipes a byte slice in place. Best effort; Go may have copied the
// value elsewhere.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
