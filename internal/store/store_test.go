package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(t *testing.T, s *Store) *AccountStore {
	t.Helper()
	as := s.ForAccount("alice@example.org")
	identity, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	if err := as.SetOwnDevice(1001, identity); err != nil {
		t.Fatalf("SetOwnDevice: %v", err)
	}
	return as
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	// Reopening must not re-run migrations.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected user_version %d, got %d", len(migrations), version)
	}
}

func TestMigrationFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Seed a v1 database: multiple own-device rows, no identity column.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(migrations[0]); err != nil {
		t.Fatalf("apply v1 schema: %v", err)
	}
	for _, id := range []uint32{500, 1001} {
		if _, err := db.Exec(
			"INSERT INTO omemo_own_device (account, device_id) VALUES (?, ?)",
			"alice@example.org", id,
		); err != nil {
			t.Fatalf("insert own device %d: %v", id, err)
		}
	}
	if _, err := db.Exec("PRAGMA user_version=1"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	db.Close()

	// v2 defaults current=1 on all rows; v3 keeps one per account.
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open with migration: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM omemo_own_device WHERE account = ?", "alice@example.org",
	).Scan(&count); err != nil {
		t.Fatalf("count own devices: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 own device row after migration, got %d", count)
	}

	// Migrated rows carry no identity and read back as uninitialised.
	deviceID, identity, err := s.ForAccount("alice@example.org").OwnDevice()
	if err != nil {
		t.Fatalf("OwnDevice: %v", err)
	}
	if deviceID != 0 || identity != nil {
		t.Fatalf("expected uninitialised own device, got id %d", deviceID)
	}
}

func TestDatabaseNewerThanBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", len(migrations)+5)); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected error opening a newer database")
	}
}

func TestOwnDeviceRoundTrip(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	deviceID, identity, err := as.OwnDevice()
	if err != nil {
		t.Fatalf("OwnDevice: %v", err)
	}
	if deviceID != 1001 {
		t.Fatalf("expected device 1001, got %d", deviceID)
	}
	if identity == nil {
		t.Fatal("expected identity")
	}

	// Accounts are isolated.
	otherID, otherIdentity, err := s.ForAccount("bob@example.org").OwnDevice()
	if err != nil {
		t.Fatalf("OwnDevice other account: %v", err)
	}
	if otherID != 0 || otherIdentity != nil {
		t.Fatal("expected no own device for other account")
	}
}

func TestRecordDeviceIdempotent(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	created, err := as.RecordDevice("bob@example.org", 42)
	if err != nil {
		t.Fatalf("RecordDevice: %v", err)
	}
	if !created {
		t.Fatal("expected new device on first record")
	}
	created, err = as.RecordDevice("bob@example.org", 42)
	if err != nil {
		t.Fatalf("RecordDevice again: %v", err)
	}
	if created {
		t.Fatal("expected idempotent re-record")
	}

	devices, err := as.DevicesFor("bob@example.org")
	if err != nil {
		t.Fatalf("DevicesFor: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != 42 {
		t.Fatalf("unexpected devices: %+v", devices)
	}
	if devices[0].Trust != TrustUndecided {
		t.Fatalf("expected undecided trust, got %q", devices[0].Trust)
	}
}

func TestMarkStaleSurvivesReannounce(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	if _, err := as.RecordDevice("bob@example.org", 42); err != nil {
		t.Fatalf("RecordDevice: %v", err)
	}
	if err := as.MarkStale("bob@example.org", 42); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}

	devices, err := as.DevicesFor("bob@example.org")
	if err != nil {
		t.Fatalf("DevicesFor: %v", err)
	}
	if !devices[0].Stale {
		t.Fatal("expected stale device")
	}

	// Re-announcing the device clears the flag.
	if _, err := as.RecordDevice("bob@example.org", 42); err != nil {
		t.Fatalf("RecordDevice: %v", err)
	}
	devices, err = as.DevicesFor("bob@example.org")
	if err != nil {
		t.Fatalf("DevicesFor: %v", err)
	}
	if devices[0].Stale {
		t.Fatal("expected stale flag cleared after re-announce")
	}
}

func TestIdentityTrust(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	addr := axolotl.NewAddress("bob@example.org", 42)
	bob, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	key := bob.PublicIdentity()

	// TOFU: unknown identity is trusted.
	trusted, err := as.IsTrustedIdentity(addr, key)
	if err != nil {
		t.Fatalf("IsTrustedIdentity: %v", err)
	}
	if !trusted {
		t.Fatal("expected TOFU trust for unknown identity")
	}

	if err := as.SaveIdentityKey(addr, key); err != nil {
		t.Fatalf("SaveIdentityKey: %v", err)
	}
	trusted, err = as.IsTrustedIdentity(addr, key)
	if err != nil || !trusted {
		t.Fatalf("expected recorded key trusted: %v %v", trusted, err)
	}

	// A different key for the same address is rejected.
	other, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	trusted, err = as.IsTrustedIdentity(addr, other.PublicIdentity())
	if err != nil {
		t.Fatalf("IsTrustedIdentity: %v", err)
	}
	if trusted {
		t.Fatal("expected changed key rejected")
	}

	// An explicitly untrusted device is rejected even on a match.
	if _, err := as.RecordDevice("bob@example.org", 42); err != nil {
		t.Fatalf("RecordDevice: %v", err)
	}
	if err := as.SetTrust("bob@example.org", 42, TrustUntrusted); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}
	trusted, err = as.IsTrustedIdentity(addr, key)
	if err != nil {
		t.Fatalf("IsTrustedIdentity: %v", err)
	}
	if trusted {
		t.Fatal("expected untrusted device rejected")
	}
}

func TestPreKeyLifecycle(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	id, err := as.NextPreKeyID()
	if err != nil {
		t.Fatalf("NextPreKeyID: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first prekey ID 1, got %d", id)
	}

	for i := 0; i < 3; i++ {
		record, err := axolotl.NewPreKeyRecord(id + uint32(i))
		if err != nil {
			t.Fatalf("NewPreKeyRecord: %v", err)
		}
		if err := as.StorePreKey(record); err != nil {
			t.Fatalf("StorePreKey: %v", err)
		}
	}

	n, err := as.PreKeyCount()
	if err != nil || n != 3 {
		t.Fatalf("PreKeyCount: %d, %v", n, err)
	}

	if err := as.RemovePreKey(2); err != nil {
		t.Fatalf("RemovePreKey: %v", err)
	}
	if _, err := as.LoadPreKey(2); !errors.Is(err, axolotl.ErrPreKeyNotFound) {
		t.Fatalf("expected ErrPreKeyNotFound, got %v", err)
	}

	// IDs stay monotonic past consumed keys.
	id, err = as.NextPreKeyID()
	if err != nil {
		t.Fatalf("NextPreKeyID: %v", err)
	}
	if id != 4 {
		t.Fatalf("expected next prekey ID 4, got %d", id)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	record, err := axolotl.NewPreKeyRecord(1)
	if err != nil {
		t.Fatalf("NewPreKeyRecord: %v", err)
	}
	if err := as.StorePreKey(record); err != nil {
		t.Fatalf("StorePreKey: %v", err)
	}

	boom := errors.New("boom")
	err = as.WithTx(func(tx *AccountStore) error {
		if err := tx.RemovePreKey(1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	// The consume rolled back with the failure.
	if _, err := as.LoadPreKey(1); err != nil {
		t.Fatalf("expected prekey preserved after rollback: %v", err)
	}
}

func TestSignedPreKeyRotation(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	_, identity, err := as.OwnDevice()
	if err != nil {
		t.Fatalf("OwnDevice: %v", err)
	}

	first, err := axolotl.NewSignedPreKeyRecord(1, identity)
	if err != nil {
		t.Fatalf("NewSignedPreKeyRecord: %v", err)
	}
	first.CreatedAt = 1000 // long superseded
	if err := as.StoreSignedPreKey(first); err != nil {
		t.Fatalf("StoreSignedPreKey: %v", err)
	}

	second, err := axolotl.NewSignedPreKeyRecord(2, identity)
	if err != nil {
		t.Fatalf("NewSignedPreKeyRecord: %v", err)
	}
	if err := as.StoreSignedPreKey(second); err != nil {
		t.Fatalf("StoreSignedPreKey second: %v", err)
	}

	current, err := as.CurrentSignedPreKey()
	if err != nil {
		t.Fatalf("CurrentSignedPreKey: %v", err)
	}
	if current == nil || current.ID != 2 {
		t.Fatalf("expected current signed prekey 2, got %+v", current)
	}

	// Both stay loadable during the overlap window.
	if _, err := as.LoadSignedPreKey(1); err != nil {
		t.Fatalf("LoadSignedPreKey 1: %v", err)
	}

	// Pruning ends the overlap for old superseded keys only.
	cutoff := uint64(time.Now().UnixMilli()) - 1000
	if err := as.PruneSignedPreKeys(cutoff); err != nil {
		t.Fatalf("PruneSignedPreKeys: %v", err)
	}
	if _, err := as.LoadSignedPreKey(1); err == nil {
		t.Fatal("expected pruned signed prekey 1 gone")
	}
	if _, err := as.LoadSignedPreKey(2); err != nil {
		t.Fatalf("current signed prekey must survive pruning: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := tempStore(t)
	alice := testAccount(t, s)

	// Establish a real session through the axolotl layer, persisted in
	// SQLite on both legs.
	bob, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	bobAddr := axolotl.NewAddress("bob@example.org", 42)
	bobPreKey, err := axolotl.NewPreKeyRecord(7)
	if err != nil {
		t.Fatalf("NewPreKeyRecord: %v", err)
	}
	bobSigned, err := axolotl.NewSignedPreKeyRecord(3, bob)
	if err != nil {
		t.Fatalf("NewSignedPreKeyRecord: %v", err)
	}
	preKeyPub := bobPreKey.KeyPair.Public
	bundle := &axolotl.PreKeyBundle{
		DeviceID:              42,
		IdentityKey:           bob.PublicIdentity(),
		SignedPreKeyID:        bobSigned.ID,
		SignedPreKey:          bobSigned.KeyPair.Public,
		SignedPreKeySignature: bobSigned.Signature,
		PreKeyID:              bobPreKey.ID,
		PreKey:                &preKeyPub,
	}

	if err := axolotl.ProcessPreKeyBundle(bundle, bobAddr, alice, alice); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	record, err := alice.LoadSession(bobAddr)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if record == nil {
		t.Fatal("expected persisted session")
	}

	addrs, err := alice.ListSessions()
	if err != nil || len(addrs) != 1 || addrs[0] != bobAddr {
		t.Fatalf("ListSessions: %v, %v", addrs, err)
	}

	if err := alice.ArchiveSession(bobAddr); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	record, err = alice.LoadSession(bobAddr)
	if err != nil {
		t.Fatalf("LoadSession after archive: %v", err)
	}
	if record != nil {
		t.Fatal("expected live session gone")
	}
	n, err := alice.ArchivedSessionCount(bobAddr)
	if err != nil {
		t.Fatalf("ArchivedSessionCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("archived sessions = %d, want 1", n)
	}

	// Archiving with no live session changes nothing.
	if err := alice.ArchiveSession(bobAddr); err != nil {
		t.Fatalf("ArchiveSession again: %v", err)
	}
	if n, _ = alice.ArchivedSessionCount(bobAddr); n != 1 {
		t.Fatalf("archived sessions = %d, want still 1", n)
	}

	if err := alice.DeleteSession(bobAddr); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
}

func TestSenderKeyAndEpochs(t *testing.T) {
	s := tempStore(t)
	as := testAccount(t, s)

	sender := axolotl.NewAddress("alice@example.org", 1001)
	distID := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	record, err := axolotl.NewSenderKeyRecord()
	if err != nil {
		t.Fatalf("NewSenderKeyRecord: %v", err)
	}
	if err := as.StoreSenderKey(sender, distID, record); err != nil {
		t.Fatalf("StoreSenderKey: %v", err)
	}
	loaded, err := as.LoadSenderKey(sender, distID)
	if err != nil {
		t.Fatalf("LoadSenderKey: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected sender key")
	}

	// Sharing bookkeeping.
	peer := axolotl.NewAddress("bob@example.org", 42)
	if err := as.MarkSenderKeyShared(distID, []axolotl.Address{peer}); err != nil {
		t.Fatalf("MarkSenderKeyShared: %v", err)
	}
	shared, err := as.SenderKeySharedWith(distID)
	if err != nil || len(shared) != 1 || shared[0] != peer {
		t.Fatalf("SenderKeySharedWith: %v, %v", shared, err)
	}
	if err := as.ClearSenderKeyShared(peer); err != nil {
		t.Fatalf("ClearSenderKeyShared: %v", err)
	}
	shared, err = as.SenderKeySharedWith(distID)
	if err != nil || len(shared) != 0 {
		t.Fatalf("expected no shared addresses: %v, %v", shared, err)
	}

	// Epoch bookkeeping.
	room := "room@conference.example.org"
	if _, ok, err := as.GroupEpoch(room); err != nil || ok {
		t.Fatalf("expected no group epoch yet: %v %v", ok, err)
	}
	if err := as.SetGroupEpoch(room, distID); err != nil {
		t.Fatalf("SetGroupEpoch: %v", err)
	}
	got, ok, err := as.GroupEpoch(room)
	if err != nil || !ok || got != distID {
		t.Fatalf("GroupEpoch: %v %v %v", got, ok, err)
	}

	if err := as.SetSenderEpoch(room, peer, distID); err != nil {
		t.Fatalf("SetSenderEpoch: %v", err)
	}
	got, ok, err = as.SenderEpoch(room, peer)
	if err != nil || !ok || got != distID {
		t.Fatalf("SenderEpoch: %v %v %v", got, ok, err)
	}
}
