package axolotl

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ciphertext message types carried in stanza envelopes.
const (
	MessageTypeWhisper     = 1 // ratchet message on an established session
	MessageTypeKeyExchange = 3 // ratchet message wrapped with X3DH handshake material
	MessageTypeSenderKey   = 7 // group message encrypted under a sender key
)

// CiphertextMessage is a serialized, typed wire payload ready for the
// transport layer.
type CiphertextMessage struct {
	Type uint8
	Body []byte
}

// Message is a double-ratchet message: header fields plus the sealed
// payload. The wire form is the OMEMOMessage protobuf
// (n, pn, dh_pub, ciphertext).
type Message struct {
	DHPub      PublicKey
	PN         uint32
	N          uint32
	Ciphertext []byte
}

// Serialize encodes the message in protobuf wire format.
func (m *Message) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.N))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PN))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DHPub[:])
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// DeserializeMessage decodes a ratchet message from protobuf wire
// format.
func DeserializeMessage(data []byte) (*Message, error) {
	var m Message
	seen := map[protowire.Number]bool{}
	err := EachField(data, func(num protowire.Number, v uint64, raw []byte) error {
		seen[num] = true
		switch num {
		case 1:
			m.N = uint32(v)
		case 2:
			m.PN = uint32(v)
		case 3:
			if len(raw) != 32 {
				return fmt.Errorf("%w: ratchet key length %d", ErrInvalidMessage, len(raw))
			}
			copy(m.DHPub[:], raw)
		case 4:
			m.Ciphertext = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen[3] || !seen[4] {
		return nil, fmt.Errorf("%w: missing ratchet key or ciphertext", ErrInvalidMessage)
	}
	return &m, nil
}

// KeyExchange wraps the first ratchet messages of a session with the
// X3DH handshake material the responder needs: which prekeys were
// used, the initiator's base key and identity. Wire form is the
// OMEMOKeyExchange protobuf (pk_id, spk_id, ik, ek, message).
type KeyExchange struct {
	PreKeyID       uint32 // 0 when the handshake is signed-prekey-only
	SignedPreKeyID uint32
	IdentityKey    IdentityKey
	BaseKey        PublicKey
	Message        *Message
}

// Serialize encodes the key exchange in protobuf wire format.
func (kx *KeyExchange) Serialize() ([]byte, error) {
	ik, err := kx.IdentityKey.Serialize()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kx.PreKeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kx.SignedPreKeyID))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, ik)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, kx.BaseKey[:])
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, kx.Message.Serialize())
	return b, nil
}

// DeserializeKeyExchange decodes a key-exchange message from protobuf
// wire format.
func DeserializeKeyExchange(data []byte) (*KeyExchange, error) {
	var kx KeyExchange
	seen := map[protowire.Number]bool{}
	err := EachField(data, func(num protowire.Number, v uint64, raw []byte) error {
		seen[num] = true
		switch num {
		case 1:
			kx.PreKeyID = uint32(v)
		case 2:
			kx.SignedPreKeyID = uint32(v)
		case 3:
			ik, err := DeserializeIdentityKey(raw)
			if err != nil {
				return err
			}
			kx.IdentityKey = ik
		case 4:
			if len(raw) != 32 {
				return fmt.Errorf("%w: base key length %d", ErrInvalidMessage, len(raw))
			}
			copy(kx.BaseKey[:], raw)
		case 5:
			msg, err := DeserializeMessage(raw)
			if err != nil {
				return err
			}
			kx.Message = msg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !seen[2] || !seen[3] || !seen[4] || !seen[5] {
		return nil, fmt.Errorf("%w: incomplete key exchange", ErrInvalidMessage)
	}
	return &kx, nil
}

// EachField walks a protobuf wire message, calling fn with the varint
// value for varint fields or the raw bytes for length-delimited ones.
// Unknown fields are skipped for forward compatibility.
func EachField(data []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrInvalidMessage)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: bad varint", ErrInvalidMessage)
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: bad bytes field", ErrInvalidMessage)
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: bad field", ErrInvalidMessage)
			}
			data = data[n:]
		}
	}
	return nil
}
