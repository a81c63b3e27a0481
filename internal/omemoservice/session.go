package omemoservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/murmel-im/omemo-go/internal/axolotl"
	"github.com/murmel-im/omemo-go/internal/store"
)

// SessionState is the lifecycle position of one device's session.
type SessionState int

const (
	// SessionAbsent: no ratchet state exists for the device.
	SessionAbsent SessionState = iota
	// SessionEstablished: a usable ratchet session is persisted.
	SessionEstablished
	// SessionStale: the session crossed the consecutive decrypt
	// failure threshold. Inbound traffic is still attempted against
	// it; the next outbound encrypt forces a fresh handshake.
	SessionStale
)

func (s SessionState) String() string {
	switch s {
	case SessionAbsent:
		return "absent"
	case SessionEstablished:
		return "established"
	case SessionStale:
		return "stale"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// SessionManager owns all ratchet sessions of one account. Mutation
// per remote device is serialized; different devices proceed
// concurrently.
type SessionManager struct {
	store          *store.AccountStore
	bundles        *BundleExchange
	events         Events
	logger         *log.Logger
	staleThreshold int

	mu       sync.Mutex
	locks    map[axolotl.Address]*sync.Mutex
	failures map[axolotl.Address]int
	stale    map[axolotl.Address]bool
}

// NewSessionManager wires a session manager over the account's store
// and bundle exchange. staleThreshold is the number of consecutive
// decrypt failures after which a session is considered broken.
func NewSessionManager(as *store.AccountStore, bundles *BundleExchange, events Events, logger *log.Logger, staleThreshold int) *SessionManager {
	if events == nil {
		events = NopEvents{}
	}
	if staleThreshold < 1 {
		staleThreshold = 1
	}
	return &SessionManager{
		store:          as,
		bundles:        bundles,
		events:         events,
		logger:         logger,
		staleThreshold: staleThreshold,
		locks:          map[axolotl.Address]*sync.Mutex{},
		failures:       map[axolotl.Address]int{},
		stale:          map[axolotl.Address]bool{},
	}
}

// lock returns the mutex serializing operations for one device.
func (sm *SessionManager) lock(addr axolotl.Address) *sync.Mutex {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	l := sm.locks[addr]
	if l == nil {
		l = &sync.Mutex{}
		sm.locks[addr] = l
	}
	return l
}

// State reports the lifecycle position of a device's session.
func (sm *SessionManager) State(addr axolotl.Address) (SessionState, error) {
	sm.mu.Lock()
	stale := sm.stale[addr]
	sm.mu.Unlock()
	if stale {
		return SessionStale, nil
	}
	record, err := sm.store.LoadSession(addr)
	if err != nil {
		return SessionAbsent, err
	}
	if record == nil {
		return SessionAbsent, nil
	}
	return SessionEstablished, nil
}

// EnsureSession makes sure a usable session with the device exists,
// fetching its bundle and running the initiating handshake when
// needed. A stale session is torn down and rebuilt. The new session is
// persisted before EnsureSession returns, so the first ciphertext sent
// over it can always be recovered after a crash.
func (sm *SessionManager) EnsureSession(ctx context.Context, addr axolotl.Address) error {
	l := sm.lock(addr)
	l.Lock()
	defer l.Unlock()
	return sm.ensureSessionLocked(ctx, addr)
}

func (sm *SessionManager) ensureSessionLocked(ctx context.Context, addr axolotl.Address) error {
	sm.mu.Lock()
	wasStale := sm.stale[addr]
	sm.mu.Unlock()

	if !wasStale {
		record, err := sm.store.LoadSession(addr)
		if err != nil {
			return err
		}
		if record != nil {
			return nil
		}
	}

	// Absent to Pending: fetch the device's published bundle.
	bundle, err := sm.bundles.Fetch(ctx, addr)
	if err != nil {
		return err
	}

	known, err := sm.store.GetIdentityKey(addr)
	if err != nil {
		return err
	}
	if known == nil {
		sm.events.NewIdentity(addr, bundle.IdentityKey.Fingerprint())
	}

	// An abandoned handshake must leave no partial state behind, so
	// nothing is persisted past a cancelled context.
	if err := ctx.Err(); err != nil {
		return err
	}

	if wasStale {
		// The broken ratchet state is never reused, but it stays
		// readable in the archive.
		if err := sm.store.ArchiveSession(addr); err != nil {
			return err
		}
	}

	// Pending to Established, persisted before any ciphertext exists.
	if err := axolotl.ProcessPreKeyBundle(bundle, addr, sm.store, sm.store); err != nil {
		return err
	}

	sm.mu.Lock()
	sm.failures[addr] = 0
	delete(sm.stale, addr)
	sm.mu.Unlock()

	if wasStale {
		logf(sm.logger, "session: rebuilt %s after staleness", addr)
		sm.events.SessionRebuilt(addr)
	} else {
		logf(sm.logger, "session: established with %s", addr)
	}
	return nil
}

// EncryptTo encrypts plaintext for one device, establishing or
// rebuilding the session first when necessary.
func (sm *SessionManager) EncryptTo(ctx context.Context, addr axolotl.Address, plaintext []byte) (*axolotl.CiphertextMessage, error) {
	l := sm.lock(addr)
	l.Lock()
	defer l.Unlock()

	if err := sm.ensureSessionLocked(ctx, addr); err != nil {
		return nil, err
	}
	return axolotl.Encrypt(plaintext, addr, sm.store, sm.store)
}

// DecryptFrom decrypts a ciphertext from one device. Key-exchange
// messages run the responder handshake inside a storage transaction,
// so the one-time prekey consume and the session persist apply
// atomically. The advanced ratchet state is persisted before the
// plaintext is returned; a redelivered message fails cleanly instead
// of corrupting the chain.
func (sm *SessionManager) DecryptFrom(addr axolotl.Address, msg *axolotl.CiphertextMessage) ([]byte, error) {
	l := sm.lock(addr)
	l.Lock()
	defer l.Unlock()

	var plaintext []byte
	var err error
	switch msg.Type {
	case axolotl.MessageTypeKeyExchange:
		var kx *axolotl.KeyExchange
		kx, err = axolotl.DeserializeKeyExchange(msg.Body)
		if err == nil {
			err = sm.store.WithTx(func(tx *store.AccountStore) error {
				var txErr error
				plaintext, txErr = axolotl.DecryptKeyExchange(kx, addr, tx, tx, tx, tx)
				return txErr
			})
		}
		if err == nil {
			// The responder handshake consumed a prekey; top the pool
			// back up when it ran low.
			if rerr := sm.bundles.Replenish(context.Background()); rerr != nil {
				logf(sm.logger, "session: replenish after handshake: %v", rerr)
			}
		}
	case axolotl.MessageTypeWhisper:
		var m *axolotl.Message
		m, err = axolotl.DeserializeMessage(msg.Body)
		if err == nil {
			plaintext, err = axolotl.Decrypt(m, addr, sm.store, sm.store)
		}
	default:
		err = fmt.Errorf("%w: unexpected message type %d", axolotl.ErrInvalidMessage, msg.Type)
	}

	if err != nil {
		if !ratchetFailure(err) {
			// Storage or transport trouble says nothing about the
			// session's health.
			return nil, err
		}
		return nil, sm.recordFailure(addr, err)
	}

	sm.mu.Lock()
	sm.failures[addr] = 0
	sm.mu.Unlock()
	return plaintext, nil
}

// ratchetFailure reports whether a decrypt error indicts the session
// itself rather than the environment it runs in. Only these advance
// the staleness counter.
func ratchetFailure(err error) bool {
	return errors.Is(err, axolotl.ErrDecryptFailed) ||
		errors.Is(err, axolotl.ErrInvalidMessage) ||
		errors.Is(err, axolotl.ErrInvalidSignature) ||
		errors.Is(err, axolotl.ErrNoSession) ||
		errors.Is(err, axolotl.ErrPreKeyNotFound)
}

// recordFailure advances the per-session failure counter and flips the
// session to Stale at the threshold. Returns the error to surface.
func (sm *SessionManager) recordFailure(addr axolotl.Address, cause error) error {
	sm.mu.Lock()
	sm.failures[addr]++
	n := sm.failures[addr]
	turnedStale := n >= sm.staleThreshold && !sm.stale[addr]
	if turnedStale {
		sm.stale[addr] = true
	}
	sm.mu.Unlock()

	logf(sm.logger, "session: decrypt from %s failed (%d/%d): %v", addr, n, sm.staleThreshold, cause)
	sm.events.DecryptFailed(addr, n)
	if turnedStale {
		logf(sm.logger, "session: %s is stale", addr)
		sm.events.SessionStale(addr)
	}
	return &DecryptError{Address: addr, Failures: n, Err: cause}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
