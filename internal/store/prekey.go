package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// LoadPreKey loads a one-time prekey record by ID.
func (as *AccountStore) LoadPreKey(id uint32) (*axolotl.PreKeyRecord, error) {
	var record []byte
	err := as.q.QueryRow(
		"SELECT record FROM omemo_pre_key WHERE account = ? AND id = ?",
		as.account, id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: prekey %d: %w", id, axolotl.ErrPreKeyNotFound)
		}
		return nil, fmt.Errorf("store: load prekey: %w", err)
	}
	return axolotl.DeserializePreKeyRecord(record)
}

// StorePreKey stores a one-time prekey record.
func (as *AccountStore) StorePreKey(record *axolotl.PreKeyRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	_, err = as.q.Exec(
		"INSERT OR REPLACE INTO omemo_pre_key (account, id, record) VALUES (?, ?, ?)",
		as.account, record.ID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store prekey: %w", err)
	}
	return nil
}

// RemovePreKey deletes a one-time prekey record. This is the consume
// step: a removed prekey must never be served or accepted again.
func (as *AccountStore) RemovePreKey(id uint32) error {
	_, err := as.q.Exec(
		"DELETE FROM omemo_pre_key WHERE account = ? AND id = ?",
		as.account, id,
	)
	if err != nil {
		return fmt.Errorf("store: remove prekey: %w", err)
	}
	return nil
}

// ListPreKeys returns all stored one-time prekey records, ordered by
// ID. Used to assemble published bundles.
func (as *AccountStore) ListPreKeys() ([]*axolotl.PreKeyRecord, error) {
	rows, err := as.q.Query(
		"SELECT record FROM omemo_pre_key WHERE account = ? ORDER BY id",
		as.account,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list prekeys: %w", err)
	}
	defer rows.Close()

	var records []*axolotl.PreKeyRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan prekey: %w", err)
		}
		record, err := axolotl.DeserializePreKeyRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// PreKeyCount returns the number of unconsumed one-time prekeys.
func (as *AccountStore) PreKeyCount() (int, error) {
	var n int
	err := as.q.QueryRow(
		"SELECT COUNT(*) FROM omemo_pre_key WHERE account = ?", as.account,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count prekeys: %w", err)
	}
	return n, nil
}

// NextPreKeyID returns the next free one-time prekey ID. IDs are
// monotonic and never reused, even after consumption, so a remote
// party can never reference a recycled key.
func (as *AccountStore) NextPreKeyID() (uint32, error) {
	var max sql.NullInt64
	err := as.q.QueryRow(
		"SELECT MAX(id) FROM omemo_pre_key WHERE account = ?", as.account,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: next prekey id: %w", err)
	}
	return uint32(max.Int64) + 1, nil
}

// LoadSignedPreKey loads a signed prekey record by ID. Superseded
// signed prekeys stay loadable during the rotation overlap window.
func (as *AccountStore) LoadSignedPreKey(id uint32) (*axolotl.SignedPreKeyRecord, error) {
	var record []byte
	err := as.q.QueryRow(
		"SELECT record FROM omemo_signed_pre_key WHERE account = ? AND id = ?",
		as.account, id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: signed prekey %d not found", id)
		}
		return nil, fmt.Errorf("store: load signed prekey: %w", err)
	}
	return axolotl.DeserializeSignedPreKeyRecord(record)
}

// StoreSignedPreKey stores a signed prekey record and makes it the
// current one. Previous records are kept for the overlap window.
func (as *AccountStore) StoreSignedPreKey(record *axolotl.SignedPreKeyRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	return as.WithTx(func(tx *AccountStore) error {
		if _, err := tx.q.Exec(
			"UPDATE omemo_signed_pre_key SET current = 0 WHERE account = ?", tx.account,
		); err != nil {
			return fmt.Errorf("store: demote signed prekeys: %w", err)
		}
		if _, err := tx.q.Exec(
			"INSERT OR REPLACE INTO omemo_signed_pre_key (account, id, record, current) VALUES (?, ?, ?, 1)",
			tx.account, record.ID, data,
		); err != nil {
			return fmt.Errorf("store: store signed prekey: %w", err)
		}
		return nil
	})
}

// CurrentSignedPreKey returns the signed prekey published in bundles.
// Returns nil, nil when none exists yet.
func (as *AccountStore) CurrentSignedPreKey() (*axolotl.SignedPreKeyRecord, error) {
	var record []byte
	err := as.q.QueryRow(
		"SELECT record FROM omemo_signed_pre_key WHERE account = ? AND current = 1",
		as.account,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: current signed prekey: %w", err)
	}
	return axolotl.DeserializeSignedPreKeyRecord(record)
}

// NextSignedPreKeyID returns the next free signed prekey ID.
func (as *AccountStore) NextSignedPreKeyID() (uint32, error) {
	var max sql.NullInt64
	err := as.q.QueryRow(
		"SELECT MAX(id) FROM omemo_signed_pre_key WHERE account = ?", as.account,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: next signed prekey id: %w", err)
	}
	return uint32(max.Int64) + 1, nil
}

// PruneSignedPreKeys drops superseded signed prekeys older than
// cutoffMillis (unix millis), ending their overlap window. The current
// one is never pruned.
func (as *AccountStore) PruneSignedPreKeys(cutoffMillis uint64) error {
	rows, err := as.q.Query(
		"SELECT id, record FROM omemo_signed_pre_key WHERE account = ? AND current = 0",
		as.account,
	)
	if err != nil {
		return fmt.Errorf("store: prune signed prekeys: %w", err)
	}
	var stale []uint32
	for rows.Next() {
		var id uint32
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan signed prekey: %w", err)
		}
		record, err := axolotl.DeserializeSignedPreKeyRecord(data)
		if err != nil {
			rows.Close()
			return err
		}
		if record.CreatedAt < cutoffMillis {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: prune signed prekeys: %w", err)
	}

	for _, id := range stale {
		if _, err := as.q.Exec(
			"DELETE FROM omemo_signed_pre_key WHERE account = ? AND id = ?",
			as.account, id,
		); err != nil {
			return fmt.Errorf("store: delete signed prekey %d: %w", id, err)
		}
	}
	return nil
}
