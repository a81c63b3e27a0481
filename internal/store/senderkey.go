package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// LoadSenderKey loads the sender key record for a sender and
// distribution ID. Returns nil, nil when none exists.
func (as *AccountStore) LoadSenderKey(sender axolotl.Address, distributionID [16]byte) (*axolotl.SenderKeyRecord, error) {
	var record []byte
	err := as.q.QueryRow(
		"SELECT record FROM omemo_sender_key WHERE account = ? AND sender = ? AND device_id = ? AND distribution_id = ?",
		as.account, sender.Name(), sender.DeviceID(), distributionID[:],
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load sender key: %w", err)
	}
	return axolotl.DeserializeSenderKeyRecord(record)
}

// StoreSenderKey upserts the sender key record for a sender and
// distribution ID.
func (as *AccountStore) StoreSenderKey(sender axolotl.Address, distributionID [16]byte, record *axolotl.SenderKeyRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	_, err = as.q.Exec(
		"INSERT OR REPLACE INTO omemo_sender_key (account, sender, device_id, distribution_id, record) VALUES (?, ?, ?, ?, ?)",
		as.account, sender.Name(), sender.DeviceID(), distributionID[:], data,
	)
	if err != nil {
		return fmt.Errorf("store: store sender key: %w", err)
	}
	return nil
}

// SenderKeySharedWith returns the addresses that already hold our
// sender key for a distribution ID, so fan-out can skip them.
func (as *AccountStore) SenderKeySharedWith(distributionID [16]byte) ([]axolotl.Address, error) {
	rows, err := as.q.Query(
		"SELECT address FROM omemo_sender_key_shared WHERE account = ? AND distribution_id = ?",
		as.account, distributionID[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: sender key shared: %w", err)
	}
	defer rows.Close()

	var addrs []axolotl.Address
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("store: scan shared address: %w", err)
		}
		addr, err := axolotl.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// MarkSenderKeyShared records that the given addresses received our
// sender key for a distribution ID.
func (as *AccountStore) MarkSenderKeyShared(distributionID [16]byte, addresses []axolotl.Address) error {
	for _, addr := range addresses {
		if _, err := as.q.Exec(
			"INSERT OR IGNORE INTO omemo_sender_key_shared (account, distribution_id, address) VALUES (?, ?, ?)",
			as.account, distributionID[:], addr.String(),
		); err != nil {
			return fmt.Errorf("store: mark sender key shared: %w", err)
		}
	}
	return nil
}

// ClearSenderKeyShared forgets sharing state for one address across
// all distribution IDs. Called when a device's session is torn down.
func (as *AccountStore) ClearSenderKeyShared(address axolotl.Address) error {
	_, err := as.q.Exec(
		"DELETE FROM omemo_sender_key_shared WHERE account = ? AND address = ?",
		as.account, address.String(),
	)
	if err != nil {
		return fmt.Errorf("store: clear sender key shared: %w", err)
	}
	return nil
}

// GroupEpoch returns our current distribution ID for a room.
// Returns false when we have not started an epoch there.
func (as *AccountStore) GroupEpoch(room string) ([16]byte, bool, error) {
	var data []byte
	err := as.q.QueryRow(
		"SELECT distribution_id FROM omemo_group_epoch WHERE account = ? AND room = ?",
		as.account, room,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return [16]byte{}, false, nil
		}
		return [16]byte{}, false, fmt.Errorf("store: group epoch: %w", err)
	}
	var id [16]byte
	if len(data) != 16 {
		return id, false, fmt.Errorf("store: group epoch for %s: bad distribution id length %d", room, len(data))
	}
	copy(id[:], data)
	return id, true, nil
}

// SetGroupEpoch records our current distribution ID for a room,
// superseding any previous epoch.
func (as *AccountStore) SetGroupEpoch(room string, distributionID [16]byte) error {
	_, err := as.q.Exec(
		"INSERT OR REPLACE INTO omemo_group_epoch (account, room, distribution_id) VALUES (?, ?, ?)",
		as.account, room, distributionID[:],
	)
	if err != nil {
		return fmt.Errorf("store: set group epoch: %w", err)
	}
	return nil
}

// SenderEpoch returns the current distribution ID announced by a
// remote sender in a room. Returns false when none is known.
func (as *AccountStore) SenderEpoch(room string, sender axolotl.Address) ([16]byte, bool, error) {
	var data []byte
	err := as.q.QueryRow(
		"SELECT distribution_id FROM omemo_sender_epoch WHERE account = ? AND room = ? AND sender = ? AND device_id = ?",
		as.account, room, sender.Name(), sender.DeviceID(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return [16]byte{}, false, nil
		}
		return [16]byte{}, false, fmt.Errorf("store: sender epoch: %w", err)
	}
	var id [16]byte
	if len(data) != 16 {
		return id, false, fmt.Errorf("store: sender epoch in %s: bad distribution id length %d", room, len(data))
	}
	copy(id[:], data)
	return id, true, nil
}

// SetSenderEpoch records the distribution ID a remote sender announced
// for a room. A newer announcement supersedes the previous epoch;
// ciphertext under the old ID is rejected from then on.
func (as *AccountStore) SetSenderEpoch(room string, sender axolotl.Address, distributionID [16]byte) error {
	_, err := as.q.Exec(
		"INSERT OR REPLACE INTO omemo_sender_epoch (account, room, sender, device_id, distribution_id) VALUES (?, ?, ?, ?, ?)",
		as.account, room, sender.Name(), sender.DeviceID(), distributionID[:],
	)
	if err != nil {
		return fmt.Errorf("store: set sender epoch: %w", err)
	}
	return nil
}
