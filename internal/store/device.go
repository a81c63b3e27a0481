package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// Trust is the user-facing trust decision for a contact device key.
type Trust string

const (
	TrustUndecided Trust = "undecided"
	TrustTrusted   Trust = "trusted"
	TrustUntrusted Trust = "untrusted"
)

// Device is one entry of the device registry.
type Device struct {
	Contact  string
	DeviceID uint32
	Stale    bool
	Trust    Trust
	LastSeen time.Time
}

// OwnDevice returns this account's device ID and identity key pair.
// Returns 0, nil, nil when the account has not been initialised.
func (as *AccountStore) OwnDevice() (uint32, *axolotl.IdentityKeyPair, error) {
	var deviceID uint32
	var identity []byte
	err := as.q.QueryRow(
		"SELECT device_id, identity FROM omemo_own_device WHERE account = ?", as.account,
	).Scan(&deviceID, &identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("store: load own device: %w", err)
	}
	if len(identity) == 0 {
		// Row migrated from a pre-v3 database that kept the identity
		// elsewhere; treat as uninitialised.
		return 0, nil, nil
	}
	ik, err := axolotl.DeserializeIdentityKeyPair(identity)
	if err != nil {
		return 0, nil, err
	}
	return deviceID, ik, nil
}

// SetOwnDevice records this account's device ID and identity key pair.
// One row per account; re-initialising replaces it.
func (as *AccountStore) SetOwnDevice(deviceID uint32, identity *axolotl.IdentityKeyPair) error {
	data, err := identity.Serialize()
	if err != nil {
		return err
	}
	_, err = as.q.Exec(
		"INSERT OR REPLACE INTO omemo_own_device (account, device_id, identity, created_at) VALUES (?, ?, ?, ?)",
		as.account, deviceID, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: set own device: %w", err)
	}
	return nil
}

// DevicesFor returns the known devices of a contact, ordered by device
// ID. Stale devices are included; callers filter as needed.
func (as *AccountStore) DevicesFor(contact string) ([]Device, error) {
	rows, err := as.q.Query(
		"SELECT device_id, stale, trust, last_seen FROM omemo_contact_device WHERE account = ? AND contact = ? ORDER BY device_id",
		as.account, contact,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var stale int
		var trust string
		var lastSeen int64
		if err := rows.Scan(&d.DeviceID, &stale, &trust, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		d.Contact = contact
		d.Stale = stale != 0
		d.Trust = Trust(trust)
		d.LastSeen = time.Unix(lastSeen, 0)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// RecordDevice adds a device to a contact's registry or refreshes its
// last-seen time. Idempotent; re-announcing clears the stale flag.
// Returns true when the device was not known before.
func (as *AccountStore) RecordDevice(contact string, deviceID uint32) (bool, error) {
	now := time.Now().Unix()
	res, err := as.q.Exec(
		"INSERT OR IGNORE INTO omemo_contact_device (account, contact, device_id, last_seen) VALUES (?, ?, ?, ?)",
		as.account, contact, deviceID, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: record device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record device: %w", err)
	}
	if n == 0 {
		_, err = as.q.Exec(
			"UPDATE omemo_contact_device SET last_seen = ?, stale = 0 WHERE account = ? AND contact = ? AND device_id = ?",
			now, as.account, contact, deviceID,
		)
		if err != nil {
			return false, fmt.Errorf("store: refresh device: %w", err)
		}
	}
	return n > 0, nil
}

// MarkStale flags a device without deleting it, so its sessions and
// identity survive for history decryption.
func (as *AccountStore) MarkStale(contact string, deviceID uint32) error {
	_, err := as.q.Exec(
		"UPDATE omemo_contact_device SET stale = 1 WHERE account = ? AND contact = ? AND device_id = ?",
		as.account, contact, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: mark stale: %w", err)
	}
	return nil
}

// SetTrust records the user's trust decision for a contact device.
func (as *AccountStore) SetTrust(contact string, deviceID uint32, trust Trust) error {
	_, err := as.q.Exec(
		"UPDATE omemo_contact_device SET trust = ? WHERE account = ? AND contact = ? AND device_id = ?",
		string(trust), as.account, contact, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: set trust: %w", err)
	}
	return nil
}
