package axolotl

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SessionRecord is the full pairwise session state with one remote
// device: ratchet state, the remote identity it was established
// against, and, while we are the initiating side, the handshake
// material to repeat in outgoing messages until the peer replies.
// Persisted as an opaque CBOR blob.
type SessionRecord struct {
	Ratchet        *ratchetState       `cbor:"1,keyasint"`
	RemoteIdentity IdentityKey         `cbor:"2,keyasint"`
	AD             []byte              `cbor:"3,keyasint"`
	Pending        *pendingKeyExchange `cbor:"4,keyasint,omitempty"`

	// RemoteBaseKey is the initiator's handshake base key, recorded on
	// the responding side. It tells a redelivered handshake apart from
	// a genuinely new one replacing this session.
	RemoteBaseKey PublicKey `cbor:"5,keyasint,omitempty"`
}

// pendingKeyExchange is retained by the initiator until the first
// reply proves the responder holds the session.
type pendingKeyExchange struct {
	PreKeyID       uint32    `cbor:"1,keyasint"`
	SignedPreKeyID uint32    `cbor:"2,keyasint"`
	BaseKey        PublicKey `cbor:"3,keyasint"`
}

// Serialize returns the CBOR form of the session record.
func (r *SessionRecord) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize session: %w", err)
	}
	return data, nil
}

// DeserializeSessionRecord reconstructs a session record from its
// serialized form.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	var r SessionRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize session: %w", err)
	}
	return &r, nil
}

// sessionAD builds the associated data binding both identities to
// every ratchet message, ordered initiator first.
func sessionAD(initiator, responder IdentityKey) []byte {
	ad := make([]byte, 0, 2*(32+32))
	ad = append(ad, initiator.SignPub...)
	ad = append(ad, initiator.DHPub[:]...)
	ad = append(ad, responder.SignPub...)
	ad = append(ad, responder.DHPub[:]...)
	return ad
}
