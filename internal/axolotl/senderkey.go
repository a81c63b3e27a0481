package axolotl

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

// SenderKeyRecord is the symmetric hash-chain state for one sender in
// one distribution epoch of a room, plus the Ed25519 key that
// authenticates its messages. Our own records carry the private
// signing key; records learned from a distribution message carry only
// the public half.
type SenderKeyRecord struct {
	Iteration uint32             `cbor:"1,keyasint"`
	ChainKey  []byte             `cbor:"2,keyasint"`
	SignPub   ed25519.PublicKey  `cbor:"3,keyasint"`
	SignPriv  ed25519.PrivateKey `cbor:"4,keyasint,omitempty"`
	Skipped   map[uint32][]byte  `cbor:"5,keyasint,omitempty"`
}

// NewSenderKeyRecord creates fresh sender key material for a new
// distribution epoch.
func NewSenderKeyRecord() (*SenderKeyRecord, error) {
	chain := make([]byte, 32)
	if _, err := rand.Read(chain); err != nil {
		return nil, fmt.Errorf("axolotl: generate sender key: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("axolotl: generate sender signing key: %w", err)
	}
	return &SenderKeyRecord{ChainKey: chain, SignPub: pub, SignPriv: priv}, nil
}

// Serialize returns the CBOR form of the record.
func (r *SenderKeyRecord) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize sender key: %w", err)
	}
	return data, nil
}

// DeserializeSenderKeyRecord reconstructs a sender key record.
func DeserializeSenderKeyRecord(data []byte) (*SenderKeyRecord, error) {
	var r SenderKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize sender key: %w", err)
	}
	return &r, nil
}

// messageKey returns the message key for the given iteration,
// advancing the chain and caching keys skipped over for out-of-order
// delivery. Iterations already consumed and not cached are rejected.
func (r *SenderKeyRecord) messageKey(iteration uint32) ([]byte, error) {
	if mk, ok := r.Skipped[iteration]; ok {
		delete(r.Skipped, iteration)
		return mk, nil
	}
	if iteration < r.Iteration {
		return nil, fmt.Errorf("%w: sender key iteration %d already consumed", ErrDecryptFailed, iteration)
	}
	if iteration-r.Iteration > maxSkipAhead {
		return nil, fmt.Errorf("%w: sender key iteration jumps ahead by %d", ErrDecryptFailed, iteration-r.Iteration)
	}
	if r.Skipped == nil {
		r.Skipped = map[uint32][]byte{}
	}
	for r.Iteration < iteration {
		if len(r.Skipped) >= maxSkippedKeys {
			for k := range r.Skipped {
				delete(r.Skipped, k)
				break
			}
		}
		// step advances Iteration, so the index must be captured first.
		i := r.Iteration
		mk := r.step()
		r.Skipped[i] = mk
	}
	return r.step(), nil
}

// step derives the current message key and advances the chain.
func (r *SenderKeyRecord) step() []byte {
	h := hkdf.New(sha256.New, r.ChainKey, nil, []byte("OMEMO Sender Keys"))
	next := make([]byte, 32)
	mk := make([]byte, 32)
	mustRead(h, next)
	mustRead(h, mk)
	Zero(r.ChainKey)
	r.ChainKey = next
	r.Iteration++
	return mk
}

// SenderKeyDistributionMessage carries the chain state and signing key
// a recipient needs to decrypt our group messages for one
// distribution epoch. Distributed pairwise over ratchet sessions.
type SenderKeyDistributionMessage struct {
	DistributionID [16]byte
	Iteration      uint32
	ChainKey       []byte
	SignPub        ed25519.PublicKey
}

// Serialize encodes the distribution message in protobuf wire format.
func (m *SenderKeyDistributionMessage) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DistributionID[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ChainKey)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SignPub)
	return b
}

// DeserializeSenderKeyDistributionMessage decodes a distribution
// message from protobuf wire format.
func DeserializeSenderKeyDistributionMessage(data []byte) (*SenderKeyDistributionMessage, error) {
	var m SenderKeyDistributionMessage
	seen := map[protowire.Number]bool{}
	err := EachField(data, func(num protowire.Number, v uint64, raw []byte) error {
		seen[num] = true
		switch num {
		case 1:
			if len(raw) != 16 {
				return fmt.Errorf("%w: distribution ID length %d", ErrInvalidMessage, len(raw))
			}
			copy(m.DistributionID[:], raw)
		case 2:
			m.Iteration = uint32(v)
		case 3:
			if len(raw) != 32 {
				return fmt.Errorf("%w: sender chain key length %d", ErrInvalidMessage, len(raw))
			}
			m.ChainKey = append([]byte(nil), raw...)
		case 4:
			if len(raw) != ed25519.PublicKeySize {
				return fmt.Errorf("%w: sender signing key length %d", ErrInvalidMessage, len(raw))
			}
			m.SignPub = append(ed25519.PublicKey(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen[1] || !seen[3] || !seen[4] {
		return nil, fmt.Errorf("%w: incomplete sender key distribution", ErrInvalidMessage)
	}
	return &m, nil
}

// SenderKeyMessage is a group message encrypted under a sender key.
type SenderKeyMessage struct {
	DistributionID [16]byte
	Iteration      uint32
	Ciphertext     []byte
	Signature      []byte
}

// Serialize encodes the sender key message in protobuf wire format.
func (m *SenderKeyMessage) Serialize() []byte {
	b := m.signedPortion()
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Signature)
	return b
}

// signedPortion is the byte range covered by the signature.
func (m *SenderKeyMessage) signedPortion() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DistributionID[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// DeserializeSenderKeyMessage decodes a sender key message from
// protobuf wire format.
func DeserializeSenderKeyMessage(data []byte) (*SenderKeyMessage, error) {
	var m SenderKeyMessage
	seen := map[protowire.Number]bool{}
	err := EachField(data, func(num protowire.Number, v uint64, raw []byte) error {
		seen[num] = true
		switch num {
		case 1:
			if len(raw) != 16 {
				return fmt.Errorf("%w: distribution ID length %d", ErrInvalidMessage, len(raw))
			}
			copy(m.DistributionID[:], raw)
		case 2:
			m.Iteration = uint32(v)
		case 3:
			m.Ciphertext = append([]byte(nil), raw...)
		case 4:
			m.Signature = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen[1] || !seen[3] || !seen[4] {
		return nil, fmt.Errorf("%w: incomplete sender key message", ErrInvalidMessage)
	}
	return &m, nil
}

// CreateSenderKeyDistributionMessage returns the distribution message
// for our sender key under the given distribution ID, creating fresh
// key material on first use.
func CreateSenderKeyDistributionMessage(sender Address, distributionID [16]byte, store SenderKeyStore) (*SenderKeyDistributionMessage, error) {
	record, err := store.LoadSenderKey(sender, distributionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record, err = NewSenderKeyRecord()
		if err != nil {
			return nil, err
		}
		if err := store.StoreSenderKey(sender, distributionID, record); err != nil {
			return nil, err
		}
	}
	return &SenderKeyDistributionMessage{
		DistributionID: distributionID,
		Iteration:      record.Iteration,
		ChainKey:       append([]byte(nil), record.ChainKey...),
		SignPub:        record.SignPub,
	}, nil
}

// ProcessSenderKeyDistributionMessage stores the sender key material
// from a received distribution message so later group messages from
// that sender can be decrypted.
func ProcessSenderKeyDistributionMessage(sender Address, m *SenderKeyDistributionMessage, store SenderKeyStore) error {
	record := &SenderKeyRecord{
		Iteration: m.Iteration,
		ChainKey:  append([]byte(nil), m.ChainKey...),
		SignPub:   m.SignPub,
	}
	return store.StoreSenderKey(sender, m.DistributionID, record)
}

// GroupEncrypt encrypts plaintext once under our sender key for the
// given distribution epoch and advances the chain. The advanced state
// is persisted before the ciphertext is returned.
func GroupEncrypt(plaintext []byte, sender Address, distributionID [16]byte, store SenderKeyStore) (*CiphertextMessage, error) {
	record, err := store.LoadSenderKey(sender, distributionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("axolotl: group encrypt as %s: %w", sender, ErrNoSenderKey)
	}
	if len(record.SignPriv) == 0 {
		return nil, fmt.Errorf("axolotl: group encrypt as %s: not our sender key", sender)
	}

	iteration := record.Iteration
	mk := record.step()
	ct, err := sealSenderKey(mk, distributionID, iteration, plaintext)
	Zero(mk)
	if err != nil {
		return nil, err
	}

	msg := &SenderKeyMessage{
		DistributionID: distributionID,
		Iteration:      iteration,
		Ciphertext:     ct,
	}
	msg.Signature = ed25519.Sign(record.SignPriv, msg.signedPortion())

	if err := store.StoreSenderKey(sender, distributionID, record); err != nil {
		return nil, err
	}
	return &CiphertextMessage{Type: MessageTypeSenderKey, Body: msg.Serialize()}, nil
}

// GroupDecrypt decrypts a sender key message from the given sender,
// verifying its signature and advancing the stored chain.
func GroupDecrypt(msg *SenderKeyMessage, sender Address, store SenderKeyStore) ([]byte, error) {
	record, err := store.LoadSenderKey(sender, msg.DistributionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("axolotl: group decrypt from %s: %w", sender, ErrNoSenderKey)
	}

	if !ed25519.Verify(record.SignPub, msg.signedPortion(), msg.Signature) {
		return nil, fmt.Errorf("axolotl: group decrypt from %s: %w", sender, ErrInvalidSignature)
	}

	mk, err := record.messageKey(msg.Iteration)
	if err != nil {
		return nil, err
	}
	plaintext, err := openSenderKey(mk, msg)
	Zero(mk)
	if err != nil {
		return nil, err
	}

	if err := store.StoreSenderKey(sender, msg.DistributionID, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func sealSenderKey(mk []byte, distributionID [16]byte, iteration uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], iteration)
	return aead.Seal(nil, nonce, plaintext, distributionID[:]), nil
}

func openSenderKey(mk []byte, msg *SenderKeyMessage) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], msg.Iteration)
	pt, err := aead.Open(nil, nonce, msg.Ciphertext, msg.DistributionID[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, nil
}
