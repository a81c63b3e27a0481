package axolotl

import (
	"errors"
	"fmt"
)

// ProcessPreKeyBundle establishes a session as the initiating party
// from a fetched prekey bundle. The session is persisted before any
// ciphertext is produced, so a crash between establishment and first
// send never loses the only copy of the ratchet state.
func ProcessPreKeyBundle(bundle *PreKeyBundle, remote Address, ss SessionStore, is IdentityKeyStore) error {
	if err := bundle.Verify(); err != nil {
		return fmt.Errorf("axolotl: bundle for %s: %w", remote, err)
	}

	trusted, err := is.IsTrustedIdentity(remote, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("axolotl: bundle for %s: %w", remote, ErrUntrustedIdentity)
	}

	ourIdentity, err := is.GetIdentityKeyPair()
	if err != nil {
		return err
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	root, err := initiatorRootKey(ourIdentity, ephemeral, bundle)
	if err != nil {
		return err
	}

	ratchet, err := initAsInitiator(root, bundle.SignedPreKey)
	Zero(root)
	if err != nil {
		return err
	}

	record := &SessionRecord{
		Ratchet:        ratchet,
		RemoteIdentity: bundle.IdentityKey,
		AD:             sessionAD(ourIdentity.PublicIdentity(), bundle.IdentityKey),
		Pending: &pendingKeyExchange{
			PreKeyID:       bundle.PreKeyID,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        ephemeral.Public,
		},
	}

	if err := is.SaveIdentityKey(remote, bundle.IdentityKey); err != nil {
		return err
	}
	return ss.StoreSession(remote, record)
}

// Encrypt encrypts plaintext for the session with remote. While the
// initiator has not yet seen a reply, the output is a key-exchange
// message repeating the handshake material; afterwards it is a plain
// ratchet message. The advanced session state is persisted before the
// ciphertext is returned.
func Encrypt(plaintext []byte, remote Address, ss SessionStore, is IdentityKeyStore) (*CiphertextMessage, error) {
	record, err := ss.LoadSession(remote)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("axolotl: encrypt for %s: %w", remote, ErrNoSession)
	}

	msg, err := record.Ratchet.encrypt(record.AD, plaintext)
	if err != nil {
		return nil, err
	}

	out := &CiphertextMessage{}
	if record.Pending != nil {
		ourIdentity, err := is.GetIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		kx := &KeyExchange{
			PreKeyID:       record.Pending.PreKeyID,
			SignedPreKeyID: record.Pending.SignedPreKeyID,
			IdentityKey:    ourIdentity.PublicIdentity(),
			BaseKey:        record.Pending.BaseKey,
			Message:        msg,
		}
		body, err := kx.Serialize()
		if err != nil {
			return nil, err
		}
		out.Type = MessageTypeKeyExchange
		out.Body = body
	} else {
		out.Type = MessageTypeWhisper
		out.Body = msg.Serialize()
	}

	if err := ss.StoreSession(remote, record); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt decrypts a ratchet message on an established session. The
// advanced session state is persisted before the plaintext is
// returned, so a redelivered message fails cleanly instead of
// corrupting the chain.
func Decrypt(msg *Message, remote Address, ss SessionStore, is IdentityKeyStore) ([]byte, error) {
	record, err := ss.LoadSession(remote)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("axolotl: decrypt from %s: %w", remote, ErrNoSession)
	}

	plaintext, err := record.Ratchet.decrypt(record.AD, msg)
	if err != nil {
		return nil, err
	}

	// Any inbound traffic proves the peer holds the session; stop
	// repeating handshake material.
	record.Pending = nil

	if err := ss.StoreSession(remote, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DecryptKeyExchange establishes a session as the responding party
// from the handshake material embedded in an incoming key-exchange
// message, consumes the referenced one-time prekey, and decrypts the
// carried ratchet message. The caller is expected to run this inside
// a storage transaction so prekey consumption and session persistence
// apply atomically.
func DecryptKeyExchange(kx *KeyExchange, remote Address, ss SessionStore, is IdentityKeyStore, ps PreKeyStore, sps SignedPreKeyStore) ([]byte, error) {
	trusted, err := is.IsTrustedIdentity(remote, kx.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, fmt.Errorf("axolotl: key exchange from %s: %w", remote, ErrUntrustedIdentity)
	}

	// Redelivery of the first messages of a session we already hold:
	// the ratchet either still has the keys (skipped cache) or fails
	// authentication. Never rebuild over an existing matching session.
	// A key exchange with a different base key is a new handshake (the
	// peer discarded its side) and replaces the session below.
	if existing, err := ss.LoadSession(remote); err != nil {
		return nil, err
	} else if existing != nil && existing.RemoteIdentity.Equal(kx.IdentityKey) && existing.RemoteBaseKey == kx.BaseKey {
		plaintext, err := existing.Ratchet.decrypt(existing.AD, kx.Message)
		if err != nil {
			return nil, err
		}
		if err := ss.StoreSession(remote, existing); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	ourIdentity, err := is.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}

	signedPreKey, err := sps.LoadSignedPreKey(kx.SignedPreKeyID)
	if err != nil {
		return nil, err
	}

	var preKey *PreKeyRecord
	if kx.PreKeyID != 0 {
		preKey, err = ps.LoadPreKey(kx.PreKeyID)
		if err != nil {
			if errors.Is(err, ErrPreKeyNotFound) {
				return nil, fmt.Errorf("axolotl: key exchange from %s: %w", remote, err)
			}
			return nil, err
		}
	}

	root, err := responderRootKey(ourIdentity, signedPreKey, preKey, kx.IdentityKey, kx.BaseKey)
	if err != nil {
		return nil, err
	}

	ratchet, err := initAsResponder(root, signedPreKey.KeyPair, kx.Message.DHPub)
	Zero(root)
	if err != nil {
		return nil, err
	}

	record := &SessionRecord{
		Ratchet:        ratchet,
		RemoteIdentity: kx.IdentityKey,
		AD:             sessionAD(kx.IdentityKey, ourIdentity.PublicIdentity()),
		RemoteBaseKey:  kx.BaseKey,
	}

	plaintext, err := record.Ratchet.decrypt(record.AD, kx.Message)
	if err != nil {
		return nil, err
	}

	if err := is.SaveIdentityKey(remote, kx.IdentityKey); err != nil {
		return nil, err
	}
	if preKey != nil {
		// Consume exactly once. The prekey must never be served again.
		if err := ps.RemovePreKey(kx.PreKeyID); err != nil {
			return nil, err
		}
	}
	if err := ss.StoreSession(remote, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}
