package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// GetIdentityKeyPair returns this account's identity key pair.
func (as *AccountStore) GetIdentityKeyPair() (*axolotl.IdentityKeyPair, error) {
	_, identity, err := as.OwnDevice()
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("store: account %s has no identity", as.account)
	}
	return identity, nil
}

// SaveIdentityKey stores the public identity key seen for a remote
// device.
func (as *AccountStore) SaveIdentityKey(address axolotl.Address, key axolotl.IdentityKey) error {
	data, err := key.Serialize()
	if err != nil {
		return err
	}
	_, err = as.q.Exec(
		"INSERT OR REPLACE INTO omemo_identity (account, contact, device_id, identity) VALUES (?, ?, ?, ?)",
		as.account, address.Name(), address.DeviceID(), data,
	)
	if err != nil {
		return fmt.Errorf("store: save identity key: %w", err)
	}
	return nil
}

// GetIdentityKey loads the identity key recorded for a remote device.
// Returns nil, nil when none is recorded.
func (as *AccountStore) GetIdentityKey(address axolotl.Address) (*axolotl.IdentityKey, error) {
	var data []byte
	err := as.q.QueryRow(
		"SELECT identity FROM omemo_identity WHERE account = ? AND contact = ? AND device_id = ?",
		as.account, address.Name(), address.DeviceID(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load identity key: %w", err)
	}
	key, err := axolotl.DeserializeIdentityKey(data)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// IsTrustedIdentity checks whether a remote identity key may be used.
// Unknown identities are trusted on first use; a recorded key must
// match, and a device the user explicitly distrusts is rejected even
// on a matching key.
func (as *AccountStore) IsTrustedIdentity(address axolotl.Address, key axolotl.IdentityKey) (bool, error) {
	var trust string
	err := as.q.QueryRow(
		"SELECT trust FROM omemo_contact_device WHERE account = ? AND contact = ? AND device_id = ?",
		as.account, address.Name(), address.DeviceID(),
	).Scan(&trust)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: load device trust: %w", err)
	}
	if Trust(trust) == TrustUntrusted {
		return false, nil
	}

	existing, err := as.GetIdentityKey(address)
	if err != nil {
		return false, err
	}
	if existing == nil {
		// First time seeing this identity, trust on first use.
		return true, nil
	}
	return existing.Equal(key), nil
}
