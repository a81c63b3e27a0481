package omemoservice

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/store"
)

// Kind tags an outgoing message as direct or group.
type Kind int

const (
	Direct Kind = iota + 1
	Group
)

// Outgoing is a plaintext message entering the pipeline.
type Outgoing struct {
	Kind Kind

	// Direct: recipient bare JIDs.
	Recipients []string

	// Group: the room and its current member JIDs.
	Room    string
	Members []string

	Plaintext []byte
}

// Addressed is an envelope destined for one specific device, used for
// the pairwise fan-out of group key material.
type Addressed struct {
	To       axolotl.Address
	Envelope *Envelope
}

// Result is the pipeline output for one outgoing message. DeviceErrors
// lists devices that could not be served; their failure never blocks
// the others.
type Result struct {
	Envelope         *Envelope
	KeyDistributions []Addressed
	DeviceErrors     map[axolotl.Address]error
}

// Pipeline orchestrates encrypt-for-all-devices and decrypt-and-heal
// over the session manager.
type Pipeline struct {
	store     *store.AccountStore
	sessions  *SessionManager
	transport Transport
	events    Events
	logger    *log.Logger
}

// NewPipeline wires a pipeline for one account.
func NewPipeline(as *store.AccountStore, sessions *SessionManager, transport Transport, events Events, logger *log.Logger) *Pipeline {
	if events == nil {
		events = NopEvents{}
	}
	return &Pipeline{
		store:     as,
		sessions:  sessions,
		transport: transport,
		events:    events,
		logger:    logger,
	}
}

// Encrypt runs an outgoing message through the pipeline.
func (p *Pipeline) Encrypt(ctx context.Context, out Outgoing) (*Result, error) {
	switch out.Kind {
	case Direct:
		return p.encryptDirect(ctx, out.Recipients, out.Plaintext)
	case Group:
		return p.encryptGroup(ctx, out.Room, out.Members, out.Plaintext)
	default:
		return nil, fmt.Errorf("omemo: unknown message kind %d", out.Kind)
	}
}

// devicesFor returns the usable device addresses of a contact,
// consulting the transport's device list when the registry has none
// recorded yet. Stale and explicitly untrusted devices are skipped.
func (p *Pipeline) devicesFor(ctx context.Context, contact string) ([]axolotl.Address, error) {
	devices, err := p.store.DevicesFor(contact)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		ids, err := p.transport.FetchDeviceList(ctx, contact)
		if err != nil {
			return nil, fmt.Errorf("omemo: fetch device list for %s: %w", contact, err)
		}
		for _, id := range ids {
			created, err := p.store.RecordDevice(contact, id)
			if err != nil {
				return nil, err
			}
			if created {
				p.events.NewDevice(contact, id)
			}
		}
		devices, err = p.store.DevicesFor(contact)
		if err != nil {
			return nil, err
		}
	}

	ownID, _, err := p.store.OwnDevice()
	if err != nil {
		return nil, err
	}

	var addrs []axolotl.Address
	for _, d := range devices {
		if d.Stale || d.Trust == store.TrustUntrusted {
			continue
		}
		if contact == p.store.Account() && d.DeviceID == ownID {
			continue
		}
		addrs = append(addrs, axolotl.NewAddress(contact, d.DeviceID))
	}
	return addrs, nil
}

// encryptDirect seals the payload once under a fresh key and encrypts
// an independent copy of that key for every usable device of every
// recipient. Per-device failures are collected, not fatal.
func (p *Pipeline) encryptDirect(ctx context.Context, recipients []string, plaintext []byte) (*Result, error) {
	ownID, _, err := p.store.OwnDevice()
	if err != nil {
		return nil, err
	}

	var targets []axolotl.Address
	deviceErrs := map[axolotl.Address]error{}
	for _, r := range recipients {
		addrs, err := p.devicesFor(ctx, r)
		if err != nil {
			return nil, err
		}
		targets = append(targets, addrs...)
	}

	key, payload, err := sealPayload(plaintext)
	if err != nil {
		return nil, err
	}
	defer axolotl.Zero(key)

	env := &Envelope{
		SenderDeviceID: ownID,
		Keys:           map[uint32]*axolotl.CiphertextMessage{},
		Payload:        payload,
	}
	for _, addr := range targets {
		ct, err := p.sessions.EncryptTo(ctx, addr, key)
		if err != nil {
			logf(p.logger, "pipeline: encrypt for %s failed: %v", addr, err)
			deviceErrs[addr] = err
			continue
		}
		env.Keys[addr.DeviceID()] = ct
	}

	if len(env.Keys) == 0 {
		return nil, fmt.Errorf("%w (of %d candidates)", ErrNoRecipientDevices, len(targets))
	}
	return &Result{Envelope: env, DeviceErrors: deviceErrs}, nil
}

// Decrypt recovers the plaintext of a direct envelope addressed to
// this device. Session Manager errors propagate unchanged.
func (p *Pipeline) Decrypt(sender axolotl.Address, env *Envelope) ([]byte, error) {
	ownID, _, err := p.store.OwnDevice()
	if err != nil {
		return nil, err
	}
	key := env.KeyFor(ownID)
	if key == nil {
		return nil, fmt.Errorf("%w: envelope carries no key for device %d", axolotl.ErrInvalidMessage, ownID)
	}

	payloadKey, err := p.sessions.DecryptFrom(sender, key)
	if err != nil {
		return nil, err
	}
	defer axolotl.Zero(payloadKey)
	return openPayload(payloadKey, env.Payload)
}

// RotateGroup starts a fresh distribution epoch for a room. Called on
// membership change; the next group encryption distributes new sender
// key material and prior-epoch ciphertext is rejected.
func (p *Pipeline) RotateGroup(room string) ([16]byte, error) {
	id := uuid.New()
	if err := p.store.SetGroupEpoch(room, id); err != nil {
		return [16]byte{}, err
	}
	logf(p.logger, "pipeline: rotated %s to distribution %s", room, uuid.UUID(id))
	return id, nil
}

// MarkDistributionFailed forgets that a device received our sender
// keys, so the next group encryption distributes them again. Call when
// a distribution envelope was lost in transit; the sharing record is
// written at encryption time, before delivery is known.
func (p *Pipeline) MarkDistributionFailed(addr axolotl.Address) error {
	return p.store.ClearSenderKeyShared(addr)
}

// encryptGroup encrypts the payload once under our sender key for the
// room's current epoch and fans out the key material pairwise to every
// member device that does not hold it yet.
func (p *Pipeline) encryptGroup(ctx context.Context, room string, members []string, plaintext []byte) (*Result, error) {
	ownID, _, err := p.store.OwnDevice()
	if err != nil {
		return nil, err
	}
	ownAddr := axolotl.NewAddress(p.store.Account(), ownID)

	epoch, ok, err := p.store.GroupEpoch(room)
	if err != nil {
		return nil, err
	}
	if !ok {
		epoch, err = p.RotateGroup(room)
		if err != nil {
			return nil, err
		}
	}

	skdm, err := axolotl.CreateSenderKeyDistributionMessage(ownAddr, epoch, p.store)
	if err != nil {
		return nil, err
	}

	shared, err := p.store.SenderKeySharedWith(epoch)
	if err != nil {
		return nil, err
	}
	hasKey := make(map[axolotl.Address]bool, len(shared))
	for _, addr := range shared {
		hasKey[addr] = true
	}

	deviceErrs := map[axolotl.Address]error{}
	var distributions []Addressed
	var reached []axolotl.Address
	for _, member := range members {
		addrs, err := p.devicesFor(ctx, member)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			if hasKey[addr] {
				continue
			}
			env, err := p.encryptKeyMaterial(ctx, addr, skdm.Serialize(), ownID)
			if err != nil {
				logf(p.logger, "pipeline: distribute sender key to %s failed: %v", addr, err)
				deviceErrs[addr] = err
				continue
			}
			distributions = append(distributions, Addressed{To: addr, Envelope: env})
			reached = append(reached, addr)
		}
	}
	if len(reached) > 0 {
		if err := p.store.MarkSenderKeyShared(epoch, reached); err != nil {
			return nil, err
		}
	}

	ct, err := axolotl.GroupEncrypt(plaintext, ownAddr, epoch, p.store)
	if err != nil {
		return nil, err
	}
	env := &Envelope{SenderDeviceID: ownID, Payload: ct.Body}
	return &Result{Envelope: env, KeyDistributions: distributions, DeviceErrors: deviceErrs}, nil
}

// encryptKeyMaterial wraps sender key material in a pairwise envelope
// for one device.
func (p *Pipeline) encryptKeyMaterial(ctx context.Context, addr axolotl.Address, material []byte, ownID uint32) (*Envelope, error) {
	key, payload, err := sealPayload(material)
	if err != nil {
		return nil, err
	}
	defer axolotl.Zero(key)

	ct, err := p.sessions.EncryptTo(ctx, addr, key)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SenderDeviceID: ownID,
		Keys:           map[uint32]*axolotl.CiphertextMessage{addr.DeviceID(): ct},
		Payload:        payload,
	}, nil
}

// ProcessKeyDistribution handles an inbound pairwise envelope carrying
// a sender-key distribution for a room. The announced distribution ID
// becomes the sender's current epoch; ciphertext under older epochs is
// rejected from then on.
func (p *Pipeline) ProcessKeyDistribution(room string, sender axolotl.Address, env *Envelope) error {
	material, err := p.Decrypt(sender, env)
	if err != nil {
		return err
	}
	skdm, err := axolotl.DeserializeSenderKeyDistributionMessage(material)
	if err != nil {
		return err
	}
	if err := axolotl.ProcessSenderKeyDistributionMessage(sender, skdm, p.store); err != nil {
		return err
	}
	if err := p.store.SetSenderEpoch(room, sender, skdm.DistributionID); err != nil {
		return err
	}
	logf(p.logger, "pipeline: %s announced distribution %s in %s", sender, uuid.UUID(skdm.DistributionID), room)
	return nil
}

// GroupDecrypt recovers the plaintext of a group envelope from one
// sender, rejecting ciphertext from a superseded distribution epoch.
func (p *Pipeline) GroupDecrypt(room string, sender axolotl.Address, env *Envelope) ([]byte, error) {
	skm, err := axolotl.DeserializeSenderKeyMessage(env.Payload)
	if err != nil {
		return nil, err
	}

	epoch, known, err := p.store.SenderEpoch(room, sender)
	if err != nil {
		return nil, err
	}
	if known && epoch != skm.DistributionID {
		return nil, fmt.Errorf("%w: %s sent under %s, current is %s", ErrStaleEpoch,
			sender, uuid.UUID(skm.DistributionID), uuid.UUID(epoch))
	}

	return axolotl.GroupDecrypt(skm, sender, p.store)
}
