package axolotl

import (
	"bytes"
	"errors"
	"testing"
)

func testDistributionID() [16]byte {
	return [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
}

func TestGroupEncryptDecryptRoundTrip(t *testing.T) {
	aliceAddr := NewAddress("alice@example.org", 1)
	distID := testDistributionID()

	aliceStore := NewMemorySenderKeyStore()
	bobStore := NewMemorySenderKeyStore()

	skdm, err := CreateSenderKeyDistributionMessage(aliceAddr, distID, aliceStore)
	if err != nil {
		t.Fatalf("CreateSenderKeyDistributionMessage: %v", err)
	}

	// The distribution message travels pairwise; wire round-trip it.
	restored, err := DeserializeSenderKeyDistributionMessage(skdm.Serialize())
	if err != nil {
		t.Fatalf("DeserializeSenderKeyDistributionMessage: %v", err)
	}
	if err := ProcessSenderKeyDistributionMessage(aliceAddr, restored, bobStore); err != nil {
		t.Fatalf("ProcessSenderKeyDistributionMessage: %v", err)
	}

	for _, msg := range []string{"first", "second", "third"} {
		ct, err := GroupEncrypt([]byte(msg), aliceAddr, distID, aliceStore)
		if err != nil {
			t.Fatalf("GroupEncrypt %q: %v", msg, err)
		}
		if ct.Type != MessageTypeSenderKey {
			t.Fatalf("expected sender key type %d, got %d", MessageTypeSenderKey, ct.Type)
		}
		skm, err := DeserializeSenderKeyMessage(ct.Body)
		if err != nil {
			t.Fatalf("DeserializeSenderKeyMessage %q: %v", msg, err)
		}
		pt, err := GroupDecrypt(skm, aliceAddr, bobStore)
		if err != nil {
			t.Fatalf("GroupDecrypt %q: %v", msg, err)
		}
		if !bytes.Equal(pt, []byte(msg)) {
			t.Fatalf("expected %q, got %q", msg, pt)
		}
	}
}

func TestGroupDecryptOutOfOrder(t *testing.T) {
	aliceAddr := NewAddress("alice@example.org", 1)
	distID := testDistributionID()

	aliceStore := NewMemorySenderKeyStore()
	bobStore := NewMemorySenderKeyStore()

	skdm, err := CreateSenderKeyDistributionMessage(aliceAddr, distID, aliceStore)
	if err != nil {
		t.Fatalf("CreateSenderKeyDistributionMessage: %v", err)
	}
	if err := ProcessSenderKeyDistributionMessage(aliceAddr, skdm, bobStore); err != nil {
		t.Fatalf("ProcessSenderKeyDistributionMessage: %v", err)
	}

	var msgs []*SenderKeyMessage
	for _, msg := range []string{"one", "two", "three"} {
		ct, err := GroupEncrypt([]byte(msg), aliceAddr, distID, aliceStore)
		if err != nil {
			t.Fatalf("GroupEncrypt %q: %v", msg, err)
		}
		skm, err := DeserializeSenderKeyMessage(ct.Body)
		if err != nil {
			t.Fatalf("DeserializeSenderKeyMessage %q: %v", msg, err)
		}
		msgs = append(msgs, skm)
	}

	// Deliver 3, 1, 2.
	if pt, err := GroupDecrypt(msgs[2], aliceAddr, bobStore); err != nil || !bytes.Equal(pt, []byte("three")) {
		t.Fatalf("GroupDecrypt three: %q, %v", pt, err)
	}
	if pt, err := GroupDecrypt(msgs[0], aliceAddr, bobStore); err != nil || !bytes.Equal(pt, []byte("one")) {
		t.Fatalf("GroupDecrypt one: %q, %v", pt, err)
	}
	if pt, err := GroupDecrypt(msgs[1], aliceAddr, bobStore); err != nil || !bytes.Equal(pt, []byte("two")) {
		t.Fatalf("GroupDecrypt two: %q, %v", pt, err)
	}

	// Replay of a consumed iteration fails.
	if _, err := GroupDecrypt(msgs[1], aliceAddr, bobStore); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed on replay, got %v", err)
	}
}

func TestSkippedSenderKeyIterations(t *testing.T) {
	record, err := NewSenderKeyRecord()
	if err != nil {
		t.Fatalf("NewSenderKeyRecord: %v", err)
	}

	// Jumping straight to iteration 2 must cache the keys for 0 and 1
	// under their own iteration numbers.
	if _, err := record.messageKey(2); err != nil {
		t.Fatalf("messageKey(2): %v", err)
	}
	if len(record.Skipped) != 2 {
		t.Fatalf("skipped cache holds %d keys, want 2", len(record.Skipped))
	}
	for _, want := range []uint32{0, 1} {
		if _, ok := record.Skipped[want]; !ok {
			t.Fatalf("no cached key for iteration %d, cache: %v", want, record.Skipped)
		}
	}
	if _, err := record.messageKey(0); err != nil {
		t.Fatalf("messageKey(0) from cache: %v", err)
	}
	if _, err := record.messageKey(1); err != nil {
		t.Fatalf("messageKey(1) from cache: %v", err)
	}
}

func TestGroupDecryptWithoutSenderKey(t *testing.T) {
	aliceAddr := NewAddress("alice@example.org", 1)
	distID := testDistributionID()

	aliceStore := NewMemorySenderKeyStore()
	ct, err := GroupEncrypt([]byte("hi"), aliceAddr, distID, aliceStore)
	if !errors.Is(err, ErrNoSenderKey) {
		t.Fatalf("expected ErrNoSenderKey encrypting without key, got %v (%v)", err, ct)
	}

	if _, err := CreateSenderKeyDistributionMessage(aliceAddr, distID, aliceStore); err != nil {
		t.Fatalf("CreateSenderKeyDistributionMessage: %v", err)
	}
	ct, err = GroupEncrypt([]byte("hi"), aliceAddr, distID, aliceStore)
	if err != nil {
		t.Fatalf("GroupEncrypt: %v", err)
	}
	skm, err := DeserializeSenderKeyMessage(ct.Body)
	if err != nil {
		t.Fatalf("DeserializeSenderKeyMessage: %v", err)
	}

	// Receiver never processed the distribution message.
	bobStore := NewMemorySenderKeyStore()
	if _, err := GroupDecrypt(skm, aliceAddr, bobStore); !errors.Is(err, ErrNoSenderKey) {
		t.Fatalf("expected ErrNoSenderKey, got %v", err)
	}
}

func TestGroupDecryptBadSignature(t *testing.T) {
	aliceAddr := NewAddress("alice@example.org", 1)
	distID := testDistributionID()

	aliceStore := NewMemorySenderKeyStore()
	bobStore := NewMemorySenderKeyStore()

	skdm, err := CreateSenderKeyDistributionMessage(aliceAddr, distID, aliceStore)
	if err != nil {
		t.Fatalf("CreateSenderKeyDistributionMessage: %v", err)
	}
	if err := ProcessSenderKeyDistributionMessage(aliceAddr, skdm, bobStore); err != nil {
		t.Fatalf("ProcessSenderKeyDistributionMessage: %v", err)
	}

	ct, err := GroupEncrypt([]byte("payload"), aliceAddr, distID, aliceStore)
	if err != nil {
		t.Fatalf("GroupEncrypt: %v", err)
	}
	skm, err := DeserializeSenderKeyMessage(ct.Body)
	if err != nil {
		t.Fatalf("DeserializeSenderKeyMessage: %v", err)
	}
	skm.Signature[0] ^= 0xff

	if _, err := GroupDecrypt(skm, aliceAddr, bobStore); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestGroupEncryptRequiresOwnKey(t *testing.T) {
	aliceAddr := NewAddress("alice@example.org", 1)
	distID := testDistributionID()

	aliceStore := NewMemorySenderKeyStore()
	bobStore := NewMemorySenderKeyStore()

	skdm, err := CreateSenderKeyDistributionMessage(aliceAddr, distID, aliceStore)
	if err != nil {
		t.Fatalf("CreateSenderKeyDistributionMessage: %v", err)
	}
	if err := ProcessSenderKeyDistributionMessage(aliceAddr, skdm, bobStore); err != nil {
		t.Fatalf("ProcessSenderKeyDistributionMessage: %v", err)
	}

	// Bob only holds the public half; he cannot send as Alice.
	if _, err := GroupEncrypt([]byte("forged"), aliceAddr, distID, bobStore); err == nil {
		t.Fatal("expected error encrypting with a received sender key")
	}
}

func TestSenderKeyRecordRoundTrip(t *testing.T) {
	record, err := NewSenderKeyRecord()
	if err != nil {
		t.Fatalf("NewSenderKeyRecord: %v", err)
	}
	record.Skipped = map[uint32][]byte{3: bytes.Repeat([]byte{0xaa}, 32)}

	data, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	restored, err := DeserializeSenderKeyRecord(data)
	if err != nil {
		t.Fatalf("DeserializeSenderKeyRecord: %v", err)
	}
	if !bytes.Equal(restored.ChainKey, record.ChainKey) {
		t.Fatal("chain key lost in round trip")
	}
	if !bytes.Equal(restored.SignPriv, record.SignPriv) {
		t.Fatal("signing key lost in round trip")
	}
	if !bytes.Equal(restored.Skipped[3], record.Skipped[3]) {
		t.Fatal("skipped key cache lost in round trip")
	}
}
