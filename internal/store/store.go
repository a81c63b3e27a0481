// Package store persists all OMEMO state in a single SQLite database:
// device identities, the device registry, sessions, prekeys and sender
// keys. Every row is scoped by account so one database serves several
// logged-in accounts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// Store wraps the SQLite database. Per-account views implementing the
// axolotl store interfaces are obtained with ForAccount.
type Store struct {
	db *sql.DB
}

// migrations are applied in order, forward only. The slot index plus
// one is the resulting PRAGMA user_version. Shipped steps are frozen;
// schema changes append a new step.
var migrations = []string{
	// v1: initial schema.
	`
CREATE TABLE omemo_own_device (
	account TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	PRIMARY KEY (account, device_id)
);
CREATE TABLE omemo_contact_device (
	account TEXT NOT NULL,
	contact TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	stale INTEGER NOT NULL DEFAULT 0,
	trust TEXT NOT NULL DEFAULT 'undecided',
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (account, contact, device_id)
);
CREATE TABLE omemo_identity (
	account TEXT NOT NULL,
	contact TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	identity BLOB NOT NULL,
	PRIMARY KEY (account, contact, device_id)
);
CREATE TABLE omemo_session (
	account TEXT NOT NULL,
	contact TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (account, contact, device_id)
);
CREATE TABLE omemo_pre_key (
	account TEXT NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (account, id)
);
CREATE TABLE omemo_signed_pre_key (
	account TEXT NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	current INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, id)
);
CREATE TABLE omemo_sender_key (
	account TEXT NOT NULL,
	sender TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	distribution_id BLOB NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (account, sender, device_id, distribution_id)
);
CREATE TABLE omemo_sender_key_shared (
	account TEXT NOT NULL,
	distribution_id BLOB NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (account, distribution_id, address)
);
CREATE TABLE omemo_group_epoch (
	account TEXT NOT NULL,
	room TEXT NOT NULL,
	distribution_id BLOB NOT NULL,
	PRIMARY KEY (account, room)
);
CREATE TABLE omemo_sender_epoch (
	account TEXT NOT NULL,
	room TEXT NOT NULL,
	sender TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	distribution_id BLOB NOT NULL,
	PRIMARY KEY (account, room, sender, device_id)
);
`,
	// v2: mark which own-device row is active. Early versions kept one
	// row per historical device ID.
	`
ALTER TABLE omemo_own_device ADD COLUMN current INTEGER NOT NULL DEFAULT 1;
`,
	// v3: one own-device row per account, carrying the identity key
	// pair. The current flag goes away; non-current rows are dropped.
	`
CREATE TABLE omemo_own_device_v3 (
	account TEXT PRIMARY KEY,
	device_id INTEGER NOT NULL,
	identity BLOB NOT NULL DEFAULT X'',
	created_at INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO omemo_own_device_v3 (account, device_id)
	SELECT account, device_id FROM omemo_own_device WHERE current = 1;
DROP TABLE omemo_own_device;
ALTER TABLE omemo_own_device_v3 RENAME TO omemo_own_device;
`,
	// v4: superseded sessions are archived instead of dropped, keeping
	// their ratchet state readable for forensics and late redeliveries.
	`
CREATE TABLE omemo_session_archive (
	account TEXT NOT NULL,
	contact TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	archived_at INTEGER NOT NULL
);
CREATE INDEX omemo_session_archive_addr
	ON omemo_session_archive (account, contact, device_id);
`,
}

// DefaultDataDir returns the default data directory for omemo-go
// databases. Uses $XDG_DATA_HOME/omemo-go, falling back to
// ~/.local/share/omemo-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "omemo-go")
}

// Open opens or creates a SQLite store at the given path. If dbPath is
// empty, it defaults to $XDG_DATA_HOME/omemo-go/omemo.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "omemo.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies pending schema migrations, tracked with PRAGMA
// user_version. Each step runs in its own transaction.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database version %d is newer than this build (max %d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, so AccountStore
// methods run unchanged inside or outside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ForAccount returns a view of the store scoped to one account. The
// view implements the axolotl store interfaces.
func (s *Store) ForAccount(account string) *AccountStore {
	return &AccountStore{db: s.db, q: s.db, account: account}
}

// AccountStore is a per-account view of the store. Obtain one with
// Store.ForAccount; the zero value is not usable.
type AccountStore struct {
	db      *sql.DB // nil when tx-bound
	q       querier
	account string
}

// Compile-time interface checks.
var (
	_ axolotl.SessionStore      = (*AccountStore)(nil)
	_ axolotl.IdentityKeyStore  = (*AccountStore)(nil)
	_ axolotl.PreKeyStore       = (*AccountStore)(nil)
	_ axolotl.SignedPreKeyStore = (*AccountStore)(nil)
	_ axolotl.SenderKeyStore    = (*AccountStore)(nil)
)

// Account returns the account this view is scoped to.
func (as *AccountStore) Account() string {
	return as.account
}

// WithTx runs fn against a transaction-bound view of the same account.
// All writes apply atomically, or not at all when fn returns an error.
// Calling WithTx on an already transaction-bound view runs fn directly
// in the enclosing transaction.
func (as *AccountStore) WithTx(fn func(*AccountStore) error) error {
	if as.db == nil {
		return fn(as)
	}
	tx, err := as.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&AccountStore{q: tx, account: as.account}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
