// Package omemoservice implements end-to-end encryption for an XMPP
// account: key material storage, device tracking, pairwise and group
// session management, bundle publication, and the message pipeline.
package omemoservice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"path/filepath"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/store"
)

// Config carries everything the service needs. Zero values get sane
// defaults except Account and Transport, which are required.
type Config struct {
	// Account is the bare JID this service encrypts for.
	Account string

	// DBPath locates the SQLite database. Empty uses the default data
	// directory. Ignored when Store is set.
	DBPath string

	// Store reuses an already open database, for callers embedding the
	// service next to other storage users.
	Store *store.Store

	// Transport moves bundles and device lists. Required.
	Transport Transport

	// Events receives notifications. Nil means none are delivered.
	Events Events

	// Logger for diagnostics. Nil disables logging.
	Logger *log.Logger

	// StaleThreshold is the number of consecutive decrypt failures
	// before a session is considered broken. Default 3.
	StaleThreshold int

	// PreKeyLowWater and PreKeyTarget bound the one-time prekey pool.
	// Defaults 20 and 100.
	PreKeyLowWater int
	PreKeyTarget   int

	// StrictPreKeys refuses to establish sessions with devices whose
	// bundles carry no one-time prekeys, instead of falling back to
	// the signed-prekey-only handshake.
	StrictPreKeys bool

	// Enabled gates the whole subsystem. When false every operation
	// returns ErrDisabled.
	Enabled bool
}

// Service is the encryption subsystem for one account.
type Service struct {
	cfg      Config
	db       *store.Store
	ownsDB   bool
	account  *store.AccountStore
	bundles  *BundleExchange
	sessions *SessionManager
	pipeline *Pipeline
}

// New wires a service from the config. The database is opened (or
// reused) but no key material is generated until Initialize.
func New(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("omemo: config has no account")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("omemo: config has no transport")
	}
	if cfg.StaleThreshold < 1 {
		cfg.StaleThreshold = 3
	}
	if cfg.PreKeyLowWater < 1 {
		cfg.PreKeyLowWater = 20
	}
	if cfg.PreKeyTarget < cfg.PreKeyLowWater {
		cfg.PreKeyTarget = 100
		if cfg.PreKeyTarget < cfg.PreKeyLowWater {
			cfg.PreKeyTarget = cfg.PreKeyLowWater * 2
		}
	}

	db := cfg.Store
	ownsDB := false
	if db == nil {
		path := cfg.DBPath
		if path == "" {
			path = filepath.Join(store.DefaultDataDir(), "omemo.db")
		}
		var err error
		db, err = store.Open(path)
		if err != nil {
			return nil, err
		}
		ownsDB = true
	}

	account := db.ForAccount(cfg.Account)
	bundles := NewBundleExchange(account, cfg.Transport, cfg.Events, cfg.Logger, cfg.PreKeyLowWater, cfg.PreKeyTarget)
	bundles.strictPreKeys = cfg.StrictPreKeys
	sessions := NewSessionManager(account, bundles, cfg.Events, cfg.Logger, cfg.StaleThreshold)
	pipeline := NewPipeline(account, sessions, cfg.Transport, cfg.Events, cfg.Logger)

	return &Service{
		cfg:      cfg,
		db:       db,
		ownsDB:   ownsDB,
		account:  account,
		bundles:  bundles,
		sessions: sessions,
		pipeline: pipeline,
	}, nil
}

// Initialize generates the account's identity and device ID on first
// run, fills the prekey pool, and publishes the bundle and device list.
// Idempotent: an already initialised account only tops up and
// republishes.
func (s *Service) Initialize(ctx context.Context) error {
	deviceID, identity, err := s.account.OwnDevice()
	if err != nil {
		return err
	}
	if identity == nil {
		identity, err = axolotl.GenerateIdentityKeyPair()
		if err != nil {
			return err
		}
		deviceID, err = generateDeviceID()
		if err != nil {
			return err
		}
		if err := s.account.SetOwnDevice(deviceID, identity); err != nil {
			return err
		}
		logf(s.cfg.Logger, "service: generated identity for %s, device %d", s.cfg.Account, deviceID)
	}

	if err := s.bundles.EnsureKeys(); err != nil {
		return err
	}
	return s.bundles.Publish(ctx)
}

// generateDeviceID draws a random positive 31-bit device ID.
func generateDeviceID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("omemo: device id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if id != 0 {
			return id, nil
		}
	}
}

// Account returns the bare JID the service encrypts for.
func (s *Service) Account() string {
	return s.cfg.Account
}

// DeviceID returns this device's ID, or 0 before Initialize.
func (s *Service) DeviceID() (uint32, error) {
	id, _, err := s.account.OwnDevice()
	return id, err
}

// Fingerprint returns the hex fingerprint of this account's identity
// key, grouped for comparison over a trusted channel.
func (s *Service) Fingerprint() (string, error) {
	_, identity, err := s.account.OwnDevice()
	if err != nil {
		return "", err
	}
	if identity == nil {
		return "", fmt.Errorf("omemo: account %s not initialised", s.cfg.Account)
	}
	return identity.PublicIdentity().Fingerprint(), nil
}

// FingerprintOf returns the fingerprint of a contact device's identity
// key, or an error when none has been seen yet.
func (s *Service) FingerprintOf(addr axolotl.Address) (string, error) {
	key, err := s.account.GetIdentityKey(addr)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", fmt.Errorf("omemo: no identity known for %s", addr)
	}
	return key.Fingerprint(), nil
}

// SetTrust records the user's trust decision for a contact device.
func (s *Service) SetTrust(addr axolotl.Address, trust store.Trust) error {
	return s.account.SetTrust(addr.Name(), addr.DeviceID(), trust)
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Pipeline exposes the encryption pipeline.
func (s *Service) Pipeline() *Pipeline { return s.pipeline }

// Bundles exposes the bundle exchange.
func (s *Service) Bundles() *BundleExchange { return s.bundles }

// Store exposes the per-account store, for callers that inspect
// devices and sessions directly.
func (s *Service) Store() *store.AccountStore { return s.account }

// Close releases the database when the service opened it itself.
func (s *Service) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
