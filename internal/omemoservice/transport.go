package omemoservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/murmel-im/omemo-go/internal/axolotl"
)

// DeviceBundle is the published key material of one device, as carried
// by the protocol layer (XEP-0384 PEP bundle node).
type DeviceBundle struct {
	DeviceID              uint32
	IdentityKey           axolotl.IdentityKey
	SignedPreKeyID        uint32
	SignedPreKey          axolotl.PublicKey
	SignedPreKeySignature []byte

	// All currently unconsumed one-time prekeys, keyed by ID. The
	// fetching side picks one at random.
	PreKeys map[uint32]axolotl.PublicKey
}

// Transport is the protocol collaborator: it moves bundles and device
// lists between this subsystem and the network (PEP pubsub in the XMPP
// deployment). Message stanzas themselves travel through the owning
// client's stream, outside this interface.
type Transport interface {
	PublishBundle(ctx context.Context, bundle *DeviceBundle) error
	FetchBundle(ctx context.Context, contact string, deviceID uint32) (*DeviceBundle, error)
	PublishDeviceList(ctx context.Context, deviceIDs []uint32) error
	FetchDeviceList(ctx context.Context, contact string) ([]uint32, error)
}

// Loopback is an in-memory bundle/device-list hub connecting several
// endpoints. It stands in for the XMPP server in tests and the
// selftest command, including per-device failure injection.
type Loopback struct {
	mu          sync.Mutex
	bundles     map[string]map[uint32]*DeviceBundle
	deviceLists map[string][]uint32
	failures    map[string]error
}

// NewLoopback returns an empty hub.
func NewLoopback() *Loopback {
	return &Loopback{
		bundles:     map[string]map[uint32]*DeviceBundle{},
		deviceLists: map[string][]uint32{},
		failures:    map[string]error{},
	}
}

// FailBundle makes subsequent FetchBundle calls for the device fail
// with err. Pass nil to clear.
func (l *Loopback) FailBundle(contact string, deviceID uint32, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%s:%d", contact, deviceID)
	if err == nil {
		delete(l.failures, key)
	} else {
		l.failures[key] = err
	}
}

// Endpoint returns the transport view of one account on the hub.
func (l *Loopback) Endpoint(account string) Transport {
	return &loopbackEndpoint{hub: l, account: account}
}

type loopbackEndpoint struct {
	hub     *Loopback
	account string
}

func (e *loopbackEndpoint) PublishBundle(ctx context.Context, bundle *DeviceBundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()

	devices := e.hub.bundles[e.account]
	if devices == nil {
		devices = map[uint32]*DeviceBundle{}
		e.hub.bundles[e.account] = devices
	}
	clone := *bundle
	clone.PreKeys = make(map[uint32]axolotl.PublicKey, len(bundle.PreKeys))
	for id, pk := range bundle.PreKeys {
		clone.PreKeys[id] = pk
	}
	devices[bundle.DeviceID] = &clone
	return nil
}

func (e *loopbackEndpoint) FetchBundle(ctx context.Context, contact string, deviceID uint32) (*DeviceBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()

	if err := e.hub.failures[fmt.Sprintf("%s:%d", contact, deviceID)]; err != nil {
		return nil, err
	}
	bundle := e.hub.bundles[contact][deviceID]
	if bundle == nil {
		return nil, fmt.Errorf("omemo: no bundle published for %s:%d", contact, deviceID)
	}
	clone := *bundle
	clone.PreKeys = make(map[uint32]axolotl.PublicKey, len(bundle.PreKeys))
	for id, pk := range bundle.PreKeys {
		clone.PreKeys[id] = pk
	}
	return &clone, nil
}

func (e *loopbackEndpoint) PublishDeviceList(ctx context.Context, deviceIDs []uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.deviceLists[e.account] = append([]uint32(nil), deviceIDs...)
	return nil
}

func (e *loopbackEndpoint) FetchDeviceList(ctx context.Context, contact string) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return append([]uint32(nil), e.hub.deviceLists[contact]...), nil
}
