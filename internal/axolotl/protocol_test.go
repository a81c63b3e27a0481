package axolotl

import (
	"bytes"
	"errors"
	"testing"
)

// party holds a full set of stores and keys for one endpoint.
type party struct {
	identity          *IdentityKeyPair
	sessionStore      *MemorySessionStore
	identityStore     *MemoryIdentityKeyStore
	preKeyStore       *MemoryPreKeyStore
	signedPreKeyStore *MemorySignedPreKeyStore
}

func newParty(t *testing.T) *party {
	t.Helper()
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	return &party{
		identity:          identity,
		sessionStore:      NewMemorySessionStore(),
		identityStore:     NewMemoryIdentityKeyStore(identity),
		preKeyStore:       NewMemoryPreKeyStore(),
		signedPreKeyStore: NewMemorySignedPreKeyStore(),
	}
}

// buildBundle publishes a prekey bundle for this party, storing the
// private halves in its stores.
func (p *party) buildBundle(t *testing.T, deviceID uint32) *PreKeyBundle {
	t.Helper()

	preKey, err := NewPreKeyRecord(1)
	if err != nil {
		t.Fatalf("NewPreKeyRecord: %v", err)
	}
	if err := p.preKeyStore.StorePreKey(preKey); err != nil {
		t.Fatalf("StorePreKey: %v", err)
	}

	signedPreKey, err := NewSignedPreKeyRecord(2, p.identity)
	if err != nil {
		t.Fatalf("NewSignedPreKeyRecord: %v", err)
	}
	if err := p.signedPreKeyStore.StoreSignedPreKey(signedPreKey); err != nil {
		t.Fatalf("StoreSignedPreKey: %v", err)
	}

	preKeyPub := preKey.KeyPair.Public
	return &PreKeyBundle{
		DeviceID:              deviceID,
		IdentityKey:           p.identity.PublicIdentity(),
		SignedPreKeyID:        signedPreKey.ID,
		SignedPreKey:          signedPreKey.KeyPair.Public,
		SignedPreKeySignature: signedPreKey.Signature,
		PreKeyID:              preKey.ID,
		PreKey:                &preKeyPub,
	}
}

func TestProcessPreKeyBundleCreatesSession(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	bobAddr := NewAddress("bob@example.org", 42)
	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	session, err := alice.sessionStore.LoadSession(bobAddr)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected session after ProcessPreKeyBundle")
	}
	if session.Pending == nil {
		t.Fatal("expected pending key exchange on fresh initiator session")
	}
}

func TestProcessPreKeyBundleBadSignature(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	bundle := bob.buildBundle(t, 42)
	bundle.SignedPreKeySignature[0] ^= 0xff

	err := ProcessPreKeyBundle(bundle, NewAddress("bob@example.org", 42), alice.sessionStore, alice.identityStore)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestEncryptWithoutSession(t *testing.T) {
	alice := newParty(t)

	_, err := Encrypt([]byte("hello"), NewAddress("bob@example.org", 42), alice.sessionStore, alice.identityStore)
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	aliceAddr := NewAddress("alice@example.org", 1)
	bobAddr := NewAddress("bob@example.org", 42)

	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	// First message carries the handshake material.
	ct, err := Encrypt([]byte("hello"), bobAddr, alice.sessionStore, alice.identityStore)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct.Type != MessageTypeKeyExchange {
		t.Fatalf("expected key exchange type %d, got %d", MessageTypeKeyExchange, ct.Type)
	}

	kx, err := DeserializeKeyExchange(ct.Body)
	if err != nil {
		t.Fatalf("DeserializeKeyExchange: %v", err)
	}
	plaintext, err := DecryptKeyExchange(kx, aliceAddr,
		bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore)
	if err != nil {
		t.Fatalf("DecryptKeyExchange: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("expected 'hello', got %q", plaintext)
	}

	// The referenced one-time prekey must be gone.
	if _, err := bob.preKeyStore.LoadPreKey(kx.PreKeyID); !errors.Is(err, ErrPreKeyNotFound) {
		t.Fatalf("expected consumed prekey, got %v", err)
	}

	// Bob replies on the established session.
	ct2, err := Encrypt([]byte("world"), aliceAddr, bob.sessionStore, bob.identityStore)
	if err != nil {
		t.Fatalf("Encrypt reply: %v", err)
	}
	if ct2.Type != MessageTypeWhisper {
		t.Fatalf("expected whisper type %d, got %d", MessageTypeWhisper, ct2.Type)
	}

	msg, err := DeserializeMessage(ct2.Body)
	if err != nil {
		t.Fatalf("DeserializeMessage: %v", err)
	}
	plaintext2, err := Decrypt(msg, bobAddr, alice.sessionStore, alice.identityStore)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plaintext2, []byte("world")) {
		t.Fatalf("expected 'world', got %q", plaintext2)
	}

	// Alice's reply proves receipt; she stops repeating the handshake.
	ct3, err := Encrypt([]byte("again"), bobAddr, alice.sessionStore, alice.identityStore)
	if err != nil {
		t.Fatalf("Encrypt third: %v", err)
	}
	if ct3.Type != MessageTypeWhisper {
		t.Fatalf("expected whisper after reply, got type %d", ct3.Type)
	}
}

func TestMultiMessageExchange(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	aliceAddr := NewAddress("alice@example.org", 1)
	bobAddr := NewAddress("bob@example.org", 42)

	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	send := func(msg string, from, to *party, toAddr, fromAddr Address, first bool) {
		t.Helper()
		ct, err := Encrypt([]byte(msg), toAddr, from.sessionStore, from.identityStore)
		if err != nil {
			t.Fatalf("Encrypt %q: %v", msg, err)
		}
		var plaintext []byte
		if first {
			kx, err := DeserializeKeyExchange(ct.Body)
			if err != nil {
				t.Fatalf("DeserializeKeyExchange %q: %v", msg, err)
			}
			plaintext, err = DecryptKeyExchange(kx, fromAddr,
				to.sessionStore, to.identityStore, to.preKeyStore, to.signedPreKeyStore)
			if err != nil {
				t.Fatalf("DecryptKeyExchange %q: %v", msg, err)
			}
		} else {
			m, err := DeserializeMessage(ct.Body)
			if err != nil {
				t.Fatalf("DeserializeMessage %q: %v", msg, err)
			}
			plaintext, err = Decrypt(m, fromAddr, to.sessionStore, to.identityStore)
			if err != nil {
				t.Fatalf("Decrypt %q: %v", msg, err)
			}
		}
		if !bytes.Equal(plaintext, []byte(msg)) {
			t.Fatalf("expected %q, got %q", msg, plaintext)
		}
	}

	send("message 1", alice, bob, bobAddr, aliceAddr, true)
	send("message 2", bob, alice, aliceAddr, bobAddr, false)
	send("message 3", alice, bob, bobAddr, aliceAddr, false)
	send("message 4", bob, alice, aliceAddr, bobAddr, false)
	send("message 5", alice, bob, bobAddr, aliceAddr, false)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	aliceAddr := NewAddress("alice@example.org", 1)
	bobAddr := NewAddress("bob@example.org", 42)

	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	// Alice sends three; Bob receives them 1, 3, 2.
	var cts []*CiphertextMessage
	for _, msg := range []string{"one", "two", "three"} {
		ct, err := Encrypt([]byte(msg), bobAddr, alice.sessionStore, alice.identityStore)
		if err != nil {
			t.Fatalf("Encrypt %q: %v", msg, err)
		}
		cts = append(cts, ct)
	}

	decryptKX := func(ct *CiphertextMessage) []byte {
		t.Helper()
		kx, err := DeserializeKeyExchange(ct.Body)
		if err != nil {
			t.Fatalf("DeserializeKeyExchange: %v", err)
		}
		pt, err := DecryptKeyExchange(kx, aliceAddr,
			bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore)
		if err != nil {
			t.Fatalf("DecryptKeyExchange: %v", err)
		}
		return pt
	}

	if pt := decryptKX(cts[0]); !bytes.Equal(pt, []byte("one")) {
		t.Fatalf("expected 'one', got %q", pt)
	}
	if pt := decryptKX(cts[2]); !bytes.Equal(pt, []byte("three")) {
		t.Fatalf("expected 'three', got %q", pt)
	}
	if pt := decryptKX(cts[1]); !bytes.Equal(pt, []byte("two")) {
		t.Fatalf("expected 'two', got %q", pt)
	}
}

func TestRedeliveredMessageRejected(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	aliceAddr := NewAddress("alice@example.org", 1)
	bobAddr := NewAddress("bob@example.org", 42)

	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	ct, err := Encrypt([]byte("once"), bobAddr, alice.sessionStore, alice.identityStore)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	kx, err := DeserializeKeyExchange(ct.Body)
	if err != nil {
		t.Fatalf("DeserializeKeyExchange: %v", err)
	}
	if _, err := DecryptKeyExchange(kx, aliceAddr,
		bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore); err != nil {
		t.Fatalf("DecryptKeyExchange: %v", err)
	}

	// Exact redelivery: the message key was consumed, so decryption
	// must fail without corrupting the session.
	if _, err := DecryptKeyExchange(kx, aliceAddr,
		bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed on redelivery, got %v", err)
	}

	// The session still works for fresh traffic both ways.
	ct2, err := Encrypt([]byte("reply"), aliceAddr, bob.sessionStore, bob.identityStore)
	if err != nil {
		t.Fatalf("Encrypt reply: %v", err)
	}
	msg, err := DeserializeMessage(ct2.Body)
	if err != nil {
		t.Fatalf("DeserializeMessage: %v", err)
	}
	if pt, err := Decrypt(msg, bobAddr, alice.sessionStore, alice.identityStore); err != nil || !bytes.Equal(pt, []byte("reply")) {
		t.Fatalf("Decrypt reply: %q, %v", pt, err)
	}
}

func TestUntrustedIdentityRejected(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	bobAddr := NewAddress("bob@example.org", 42)

	// Alice already knows a different identity for Bob's address.
	other, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	if err := alice.identityStore.SaveIdentityKey(bobAddr, other.PublicIdentity()); err != nil {
		t.Fatalf("SaveIdentityKey: %v", err)
	}

	err = ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore)
	if !errors.Is(err, ErrUntrustedIdentity) {
		t.Fatalf("expected ErrUntrustedIdentity, got %v", err)
	}
}

func TestSignedPreKeyOnlyHandshake(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	aliceAddr := NewAddress("alice@example.org", 1)
	bobAddr := NewAddress("bob@example.org", 42)

	bundle := bob.buildBundle(t, 42)
	bundle.PreKeyID = 0
	bundle.PreKey = nil

	if err := ProcessPreKeyBundle(bundle, bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	ct, err := Encrypt([]byte("no one-time prekey"), bobAddr, alice.sessionStore, alice.identityStore)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	kx, err := DeserializeKeyExchange(ct.Body)
	if err != nil {
		t.Fatalf("DeserializeKeyExchange: %v", err)
	}
	if kx.PreKeyID != 0 {
		t.Fatalf("expected no prekey ID, got %d", kx.PreKeyID)
	}
	pt, err := DecryptKeyExchange(kx, aliceAddr,
		bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore)
	if err != nil {
		t.Fatalf("DecryptKeyExchange: %v", err)
	}
	if !bytes.Equal(pt, []byte("no one-time prekey")) {
		t.Fatalf("got %q", pt)
	}
}

func TestFingerprintStable(t *testing.T) {
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	fp := identity.PublicIdentity().Fingerprint()
	if fp != identity.PublicIdentity().Fingerprint() {
		t.Fatal("fingerprint not deterministic")
	}
	if len(fp) != 64+7 {
		t.Fatalf("unexpected fingerprint length %d: %q", len(fp), fp)
	}
}

func TestSessionWithSkippedKeysRoundTrips(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	aliceAddr := NewAddress("alice@example.org", 1)
	bobAddr := NewAddress("bob@example.org", 42)

	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	// Alice sends two; Bob decrypts the second first, leaving a cached
	// skipped key in his session state.
	var cts []*CiphertextMessage
	for _, msg := range []string{"early", "late"} {
		ct, err := Encrypt([]byte(msg), bobAddr, alice.sessionStore, alice.identityStore)
		if err != nil {
			t.Fatalf("Encrypt %q: %v", msg, err)
		}
		cts = append(cts, ct)
	}
	kx, err := DeserializeKeyExchange(cts[1].Body)
	if err != nil {
		t.Fatalf("DeserializeKeyExchange: %v", err)
	}
	pt, err := DecryptKeyExchange(kx, aliceAddr,
		bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore)
	if err != nil {
		t.Fatalf("DecryptKeyExchange: %v", err)
	}
	if !bytes.Equal(pt, []byte("late")) {
		t.Fatalf("expected 'late', got %q", pt)
	}

	// Persist and restore Bob's session while the skipped key is cached.
	record, err := bob.sessionStore.LoadSession(aliceAddr)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	data, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize with skipped keys: %v", err)
	}
	restored, err := DeserializeSessionRecord(data)
	if err != nil {
		t.Fatalf("DeserializeSessionRecord with skipped keys: %v", err)
	}
	if err := bob.sessionStore.StoreSession(aliceAddr, restored); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	// The delayed message decrypts from the restored state.
	kx, err = DeserializeKeyExchange(cts[0].Body)
	if err != nil {
		t.Fatalf("DeserializeKeyExchange: %v", err)
	}
	pt, err = DecryptKeyExchange(kx, aliceAddr,
		bob.sessionStore, bob.identityStore, bob.preKeyStore, bob.signedPreKeyStore)
	if err != nil {
		t.Fatalf("DecryptKeyExchange after restore: %v", err)
	}
	if !bytes.Equal(pt, []byte("early")) {
		t.Fatalf("expected 'early', got %q", pt)
	}
}

func TestSessionRecordRoundTrip(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	bobAddr := NewAddress("bob@example.org", 42)
	if err := ProcessPreKeyBundle(bob.buildBundle(t, 42), bobAddr, alice.sessionStore, alice.identityStore); err != nil {
		t.Fatalf("ProcessPreKeyBundle: %v", err)
	}

	record, err := alice.sessionStore.LoadSession(bobAddr)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	data, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	restored, err := DeserializeSessionRecord(data)
	if err != nil {
		t.Fatalf("DeserializeSessionRecord: %v", err)
	}
	if !restored.RemoteIdentity.Equal(record.RemoteIdentity) {
		t.Fatal("remote identity lost in round trip")
	}
	if restored.Pending == nil || restored.Pending.BaseKey != record.Pending.BaseKey {
		t.Fatal("pending key exchange lost in round trip")
	}
}
