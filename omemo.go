// Package omemo provides end-to-end encryption for XMPP clients per
// XEP-0384: pairwise double ratchet sessions, sender keys for group
// chats, device tracking with trust states, and prekey bundle
// publication. The owning client supplies a Transport that moves
// bundles and device lists over PEP pubsub and routes the encrypted
// envelopes through its own stanza stream.
package omemo

import (
	"context"
	"log"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/omemoservice"
	"github.com/murmel-im/omemo-go/internal/store"
)

// Address identifies a remote device: bare JID plus device ID.
type Address = axolotl.Address

// NewAddress returns an address for the given bare JID and device ID.
func NewAddress(name string, deviceID uint32) Address {
	return axolotl.NewAddress(name, deviceID)
}

// ParseAddress parses the "jid:deviceID" form of an address.
func ParseAddress(s string) (Address, error) {
	return axolotl.ParseAddress(s)
}

// Envelope is the ciphertext payload carried inside a message stanza.
type Envelope = omemoservice.Envelope

// DeserializeEnvelope decodes an envelope from its wire form.
func DeserializeEnvelope(data []byte) (*Envelope, error) {
	return omemoservice.DeserializeEnvelope(data)
}

// Outgoing is a plaintext message entering the pipeline.
type Outgoing = omemoservice.Outgoing

// Result is the pipeline output for one outgoing message.
type Result = omemoservice.Result

// Addressed is an envelope destined for one specific device.
type Addressed = omemoservice.Addressed

// Message kinds.
const (
	Direct = omemoservice.Direct
	Group  = omemoservice.Group
)

// Transport moves bundles and device lists between this subsystem and
// the XMPP server.
type Transport = omemoservice.Transport

// DeviceBundle is the published key material of one device.
type DeviceBundle = omemoservice.DeviceBundle

// Events receives notifications about devices, identities, and
// session health.
type Events = omemoservice.Events

// Device is one entry of the device registry.
type Device = store.Device

// Trust states for contact devices.
type Trust = store.Trust

const (
	TrustUndecided = store.TrustUndecided
	TrustTrusted   = store.TrustTrusted
	TrustUntrusted = store.TrustUntrusted
)

// Session states.
type SessionState = omemoservice.SessionState

const (
	SessionAbsent      = omemoservice.SessionAbsent
	SessionEstablished = omemoservice.SessionEstablished
	SessionStale       = omemoservice.SessionStale
)

// Sentinel errors surfaced by the pipeline.
var (
	ErrDisabled           = omemoservice.ErrDisabled
	ErrNoRecipientDevices = omemoservice.ErrNoRecipientDevices
	ErrStaleEpoch         = omemoservice.ErrStaleEpoch
)

// Client is the encryption engine for one XMPP account.
type Client struct {
	cfg omemoservice.Config
	svc *omemoservice.Service
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/omemo-go/omemo.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.cfg.DBPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.cfg.Logger = l }
}

// WithEvents sets the notification sink.
func WithEvents(ev Events) Option {
	return func(c *Client) { c.cfg.Events = ev }
}

// WithStaleThreshold sets the number of consecutive decrypt failures
// after which a session is considered broken.
func WithStaleThreshold(n int) Option {
	return func(c *Client) { c.cfg.StaleThreshold = n }
}

// WithPreKeyPool sets the low-water mark and target size of the
// one-time prekey pool.
func WithPreKeyPool(lowWater, target int) Option {
	return func(c *Client) {
		c.cfg.PreKeyLowWater = lowWater
		c.cfg.PreKeyTarget = target
	}
}

// NewClient creates the encryption engine for an account. Call
// Initialize before encrypting or decrypting.
func NewClient(account string, transport Transport, opts ...Option) (*Client, error) {
	c := &Client{cfg: omemoservice.Config{
		Account:   account,
		Transport: transport,
		Enabled:   true,
	}}
	for _, o := range opts {
		o(c)
	}
	svc, err := omemoservice.New(c.cfg)
	if err != nil {
		return nil, err
	}
	c.svc = svc
	return c, nil
}

// Initialize generates identity and key material on first run and
// publishes the bundle and device list. Idempotent.
func (c *Client) Initialize(ctx context.Context) error {
	return c.svc.Initialize(ctx)
}

// Close releases the underlying database.
func (c *Client) Close() error {
	return c.svc.Close()
}

// Account returns the bare JID the client encrypts for.
func (c *Client) Account() string {
	return c.svc.Account()
}

// DeviceID returns this device's ID.
func (c *Client) DeviceID() (uint32, error) {
	return c.svc.DeviceID()
}

// Fingerprint returns this account's identity key fingerprint.
func (c *Client) Fingerprint() (string, error) {
	return c.svc.Fingerprint()
}

// FingerprintOf returns a contact device's identity key fingerprint.
func (c *Client) FingerprintOf(addr Address) (string, error) {
	return c.svc.FingerprintOf(addr)
}

// Encrypt runs an outgoing message through the pipeline, producing an
// envelope for every usable recipient device.
func (c *Client) Encrypt(ctx context.Context, out Outgoing) (*Result, error) {
	return c.svc.Pipeline().Encrypt(ctx, out)
}

// Decrypt recovers the plaintext of a direct envelope from sender.
func (c *Client) Decrypt(sender Address, env *Envelope) ([]byte, error) {
	return c.svc.Pipeline().Decrypt(sender, env)
}

// ProcessKeyDistribution handles an inbound pairwise envelope carrying
// group key material for room.
func (c *Client) ProcessKeyDistribution(room string, sender Address, env *Envelope) error {
	return c.svc.Pipeline().ProcessKeyDistribution(room, sender, env)
}

// GroupDecrypt recovers the plaintext of a group envelope from sender.
func (c *Client) GroupDecrypt(room string, sender Address, env *Envelope) ([]byte, error) {
	return c.svc.Pipeline().GroupDecrypt(room, sender, env)
}

// RotateGroup starts a fresh sender-key epoch for room. Call on
// membership change.
func (c *Client) RotateGroup(room string) error {
	_, err := c.svc.Pipeline().RotateGroup(room)
	return err
}

// MarkDistributionFailed forgets that a device received this client's
// sender keys. Call when a key distribution envelope was lost in
// transit; the next group encryption sends that device the key again.
func (c *Client) MarkDistributionFailed(addr Address) error {
	return c.svc.Pipeline().MarkDistributionFailed(addr)
}

// SessionState reports the lifecycle position of a device's session.
func (c *Client) SessionState(addr Address) (SessionState, error) {
	return c.svc.Sessions().State(addr)
}

// Devices returns the known devices of a contact.
func (c *Client) Devices(contact string) ([]Device, error) {
	return c.svc.Store().DevicesFor(contact)
}

// SetTrust records the user's trust decision for a contact device.
func (c *Client) SetTrust(addr Address, trust Trust) error {
	return c.svc.SetTrust(addr, trust)
}

// Republish pushes the current bundle and device list to the
// transport, topping up the prekey pool first.
func (c *Client) Republish(ctx context.Context) error {
	if err := c.svc.Bundles().EnsureKeys(); err != nil {
		return err
	}
	return c.svc.Bundles().Publish(ctx)
}
