package omemo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/murmel-im/omemo-go/internal/omemoservice"
)

func newTestClient(t *testing.T, hub *omemoservice.Loopback, account string) (*Client, Address) {
	t.Helper()
	c, err := NewClient(account, hub.Endpoint(account),
		WithDBPath(filepath.Join(t.TempDir(), "omemo.db")),
		WithPreKeyPool(2, 4),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	id, err := c.DeviceID()
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	return c, NewAddress(account, id)
}

func TestClientRoundTrip(t *testing.T) {
	hub := omemoservice.NewLoopback()
	alice, aliceAddr := newTestClient(t, hub, "alice@example.org")
	bob, bobAddr := newTestClient(t, hub, "bob@example.org")

	res, err := alice.Encrypt(context.Background(), Outgoing{
		Kind:       Direct,
		Recipients: []string{bobAddr.Name()},
		Plaintext:  []byte("facade round trip"),
	})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env, err := DeserializeEnvelope(res.Envelope.Serialize())
	if err != nil {
		t.Fatalf("envelope round trip: %v", err)
	}
	got, err := bob.Decrypt(aliceAddr, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "facade round trip" {
		t.Fatalf("plaintext = %q", got)
	}

	state, err := alice.SessionState(bobAddr)
	if err != nil {
		t.Fatalf("session state: %v", err)
	}
	if state != SessionEstablished {
		t.Fatalf("state = %v, want established", state)
	}

	devices, err := alice.Devices(bobAddr.Name())
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != bobAddr.DeviceID() {
		t.Fatalf("devices = %+v", devices)
	}

	fp, err := alice.FingerprintOf(bobAddr)
	if err != nil {
		t.Fatalf("fingerprint of bob: %v", err)
	}
	own, err := bob.Fingerprint()
	if err != nil {
		t.Fatalf("bob fingerprint: %v", err)
	}
	if fp != own {
		t.Fatalf("fingerprint mismatch:\n  alice sees %s\n  bob has    %s", fp, own)
	}
}

func TestClientRequiresTransport(t *testing.T) {
	if _, err := NewClient("alice@example.org", nil); err == nil {
		t.Fatal("expected error for nil transport")
	}
}
