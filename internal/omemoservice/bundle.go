package omemoservice

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/store"
)

// BundleExchange publishes this device's key material and fetches
// remote bundles for session establishment. It also owns the one-time
// prekey replenishment policy.
type BundleExchange struct {
	store     *store.AccountStore
	transport Transport
	events    Events
	logger    *log.Logger

	lowWater    int // replenish below this many unconsumed prekeys
	targetCount int // top up to this many

	// strictPreKeys refuses the weaker signed-only handshake when a
	// fetched bundle carries no one-time prekeys.
	strictPreKeys bool

	// Serializes replenishment so two concurrent handshakes do not
	// both generate a batch. Individual consumes stay atomic in the
	// store regardless.
	replenishMu sync.Mutex
}

// NewBundleExchange wires a bundle exchange for one account.
func NewBundleExchange(as *store.AccountStore, transport Transport, events Events, logger *log.Logger, lowWater, targetCount int) *BundleExchange {
	if events == nil {
		events = NopEvents{}
	}
	if lowWater < 1 {
		lowWater = 1
	}
	if targetCount < lowWater {
		targetCount = lowWater * 2
	}
	return &BundleExchange{
		store:       as,
		transport:   transport,
		events:      events,
		logger:      logger,
		lowWater:    lowWater,
		targetCount: targetCount,
	}
}

// EnsureKeys makes sure a current signed prekey exists and the
// one-time prekey pool is at its target size. Called at service start.
func (bx *BundleExchange) EnsureKeys() error {
	_, identity, err := bx.store.OwnDevice()
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("omemo: account %s not initialised", bx.store.Account())
	}

	current, err := bx.store.CurrentSignedPreKey()
	if err != nil {
		return err
	}
	if current == nil {
		if err := bx.RotateSignedPreKey(); err != nil {
			return err
		}
	}
	return bx.topUpPreKeys()
}

// RotateSignedPreKey generates and stores a fresh signed prekey,
// superseding the current one. The old key stays loadable during the
// overlap window until pruned.
func (bx *BundleExchange) RotateSignedPreKey() error {
	_, identity, err := bx.store.OwnDevice()
	if err != nil {
		return err
	}
	id, err := bx.store.NextSignedPreKeyID()
	if err != nil {
		return err
	}
	record, err := axolotl.NewSignedPreKeyRecord(id, identity)
	if err != nil {
		return err
	}
	if err := bx.store.StoreSignedPreKey(record); err != nil {
		return err
	}
	logf(bx.logger, "bundle: rotated signed prekey to %d", id)
	return nil
}

// topUpPreKeys generates one-time prekeys until the pool holds
// targetCount. IDs continue monotonically past consumed keys.
func (bx *BundleExchange) topUpPreKeys() error {
	count, err := bx.store.PreKeyCount()
	if err != nil {
		return err
	}
	if count >= bx.targetCount {
		return nil
	}
	nextID, err := bx.store.NextPreKeyID()
	if err != nil {
		return err
	}
	for i := 0; i < bx.targetCount-count; i++ {
		record, err := axolotl.NewPreKeyRecord(nextID + uint32(i))
		if err != nil {
			return err
		}
		if err := bx.store.StorePreKey(record); err != nil {
			return err
		}
	}
	logf(bx.logger, "bundle: generated %d one-time prekeys", bx.targetCount-count)
	return nil
}

// Publish pushes this device's bundle and its entry in the account's
// device list to the transport.
func (bx *BundleExchange) Publish(ctx context.Context) error {
	deviceID, identity, err := bx.store.OwnDevice()
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("omemo: account %s not initialised", bx.store.Account())
	}

	signed, err := bx.store.CurrentSignedPreKey()
	if err != nil {
		return err
	}
	if signed == nil {
		return fmt.Errorf("omemo: no signed prekey to publish")
	}

	preKeys, err := bx.store.ListPreKeys()
	if err != nil {
		return err
	}

	bundle := &DeviceBundle{
		DeviceID:              deviceID,
		IdentityKey:           identity.PublicIdentity(),
		SignedPreKeyID:        signed.ID,
		SignedPreKey:          signed.KeyPair.Public,
		SignedPreKeySignature: signed.Signature,
		PreKeys:               make(map[uint32]axolotl.PublicKey, len(preKeys)),
	}
	for _, pk := range preKeys {
		bundle.PreKeys[pk.ID] = pk.KeyPair.Public
	}

	if err := bx.transport.PublishBundle(ctx, bundle); err != nil {
		return fmt.Errorf("omemo: publish bundle: %w", err)
	}

	// Keep our device ID announced in the account's device list.
	list, err := bx.transport.FetchDeviceList(ctx, bx.store.Account())
	if err != nil {
		return fmt.Errorf("omemo: fetch own device list: %w", err)
	}
	for _, id := range list {
		if id == deviceID {
			return nil
		}
	}
	list = append(list, deviceID)
	if err := bx.transport.PublishDeviceList(ctx, list); err != nil {
		return fmt.Errorf("omemo: publish device list: %w", err)
	}
	return nil
}

// Fetch retrieves a remote device's bundle and selects one of its
// one-time prekeys at random. A bundle without one-time prekeys is
// still usable; the handshake then proceeds signed-prekey-only.
func (bx *BundleExchange) Fetch(ctx context.Context, addr axolotl.Address) (*axolotl.PreKeyBundle, error) {
	raw, err := bx.transport.FetchBundle(ctx, addr.Name(), addr.DeviceID())
	if err != nil {
		return nil, &BundleFetchError{Address: addr, Err: err}
	}

	bundle := &axolotl.PreKeyBundle{
		DeviceID:              raw.DeviceID,
		IdentityKey:           raw.IdentityKey,
		SignedPreKeyID:        raw.SignedPreKeyID,
		SignedPreKey:          raw.SignedPreKey,
		SignedPreKeySignature: raw.SignedPreKeySignature,
	}

	if len(raw.PreKeys) == 0 {
		if bx.strictPreKeys {
			return nil, &BundleFetchError{Address: addr, Err: ErrPreKeyExhausted}
		}
		logf(bx.logger, "bundle: %s has no one-time prekeys, using signed-only handshake", addr)
		return bundle, nil
	}

	ids := make([]uint32, 0, len(raw.PreKeys))
	for id := range raw.PreKeys {
		ids = append(ids, id)
	}
	id := ids[rand.Intn(len(ids))]
	pk := raw.PreKeys[id]
	bundle.PreKeyID = id
	bundle.PreKey = &pk
	return bundle, nil
}

// Replenish tops the one-time prekey pool back up and republishes the
// bundle when the pool has dropped below the low-water mark.
func (bx *BundleExchange) Replenish(ctx context.Context) error {
	bx.replenishMu.Lock()
	defer bx.replenishMu.Unlock()

	count, err := bx.store.PreKeyCount()
	if err != nil {
		return err
	}
	if count >= bx.lowWater {
		return nil
	}

	logf(bx.logger, "bundle: %d one-time prekeys left, replenishing", count)
	bx.events.PreKeysLow(count)

	if err := bx.topUpPreKeys(); err != nil {
		return err
	}
	return bx.Publish(ctx)
}
