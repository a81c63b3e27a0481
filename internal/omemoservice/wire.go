package omemoservice

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// Envelope is the ciphertext-bearing stanza payload: the sender device
// ID, one encrypted copy of the payload key per recipient device, and
// the payload sealed once under that key. Group messages carry the
// sender-key ciphertext as payload with no per-device keys.
type Envelope struct {
	SenderDeviceID uint32
	Keys           map[uint32]*axolotl.CiphertextMessage
	Payload        []byte
}

// Serialize encodes the envelope in protobuf wire format.
func (e *Envelope) Serialize() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SenderDeviceID))
	for rid, key := range e.Keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(rid))
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(key.Type))
		entry = protowire.AppendTag(entry, 3, protowire.BytesType)
		entry = protowire.AppendBytes(entry, key.Body)

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// DeserializeEnvelope decodes an envelope from protobuf wire format.
func DeserializeEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{Keys: map[uint32]*axolotl.CiphertextMessage{}}
	err := axolotl.EachField(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			env.SenderDeviceID = uint32(v)
		case 2:
			var rid uint32
			key := &axolotl.CiphertextMessage{}
			err := axolotl.EachField(raw, func(n protowire.Number, kv uint64, kraw []byte) error {
				switch n {
				case 1:
					rid = uint32(kv)
				case 2:
					key.Type = uint8(kv)
				case 3:
					key.Body = append([]byte(nil), kraw...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			env.Keys[rid] = key
		case 3:
			env.Payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// KeyFor returns the encrypted payload key addressed to the given
// device, or nil when the envelope carries none for it.
func (e *Envelope) KeyFor(deviceID uint32) *axolotl.CiphertextMessage {
	return e.Keys[deviceID]
}

// sealPayload encrypts plaintext under a fresh random payload key.
// Returns the key (to be fanned out per device) and nonce||ciphertext.
func sealPayload(plaintext []byte) (key, payload []byte, err error) {
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("omemo: payload key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("omemo: payload nonce: %w", err)
	}
	payload = aead.Seal(nonce, nonce, plaintext, nil)
	return key, payload, nil
}

// openPayload decrypts nonce||ciphertext with the payload key
// recovered from a per-device envelope key.
func openPayload(key, payload []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: payload key length %d", axolotl.ErrInvalidMessage, len(key))
	}
	if len(payload) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: payload too short", axolotl.ErrInvalidMessage)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := payload[:chacha20poly1305.NonceSize], payload[chacha20poly1305.NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", axolotl.ErrDecryptFailed, err)
	}
	return pt, nil
}
