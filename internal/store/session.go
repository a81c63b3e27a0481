package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// LoadSession loads the session record for a remote device.
// Returns nil, nil when no session exists.
func (as *AccountStore) LoadSession(address axolotl.Address) (*axolotl.SessionRecord, error) {
	var record []byte
	err := as.q.QueryRow(
		"SELECT record FROM omemo_session WHERE account = ? AND contact = ? AND device_id = ?",
		as.account, address.Name(), address.DeviceID(),
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return axolotl.DeserializeSessionRecord(record)
}

// StoreSession upserts the session record for a remote device. The
// replace is a single statement, so readers see the old record or the
// new one, never a partial write.
func (as *AccountStore) StoreSession(address axolotl.Address, record *axolotl.SessionRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	_, err = as.q.Exec(
		"INSERT OR REPLACE INTO omemo_session (account, contact, device_id, record) VALUES (?, ?, ?, ?)",
		as.account, address.Name(), address.DeviceID(), data,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// DeleteSession removes the session with a remote device, forcing a
// fresh handshake on the next outbound message. Idempotent.
func (as *AccountStore) DeleteSession(address axolotl.Address) error {
	_, err := as.q.Exec(
		"DELETE FROM omemo_session WHERE account = ? AND contact = ? AND device_id = ?",
		as.account, address.Name(), address.DeviceID(),
	)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// ArchiveSession moves the session with a remote device into the
// archive table, clearing the live slot. A no-op when no session
// exists.
func (as *AccountStore) ArchiveSession(address axolotl.Address) error {
	_, err := as.q.Exec(
		`INSERT INTO omemo_session_archive (account, contact, device_id, record, archived_at)
		 SELECT account, contact, device_id, record, unixepoch()
		 FROM omemo_session WHERE account = ? AND contact = ? AND device_id = ?`,
		as.account, address.Name(), address.DeviceID(),
	)
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	return as.DeleteSession(address)
}

// ArchivedSessionCount reports how many superseded sessions are kept
// for a remote device.
func (as *AccountStore) ArchivedSessionCount(address axolotl.Address) (int, error) {
	var n int
	err := as.q.QueryRow(
		"SELECT COUNT(*) FROM omemo_session_archive WHERE account = ? AND contact = ? AND device_id = ?",
		as.account, address.Name(), address.DeviceID(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count archived sessions: %w", err)
	}
	return n, nil
}

// ListSessions returns the addresses this account holds sessions with.
func (as *AccountStore) ListSessions() ([]axolotl.Address, error) {
	rows, err := as.q.Query(
		"SELECT contact, device_id FROM omemo_session WHERE account = ? ORDER BY contact, device_id",
		as.account,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var addrs []axolotl.Address
	for rows.Next() {
		var contact string
		var deviceID uint32
		if err := rows.Scan(&contact, &deviceID); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		addrs = append(addrs, axolotl.NewAddress(contact, deviceID))
	}
	return addrs, rows.Err()
}
