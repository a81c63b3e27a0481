package omemoservice

import "github.com/murmel-im/omemo-go/internal/axolotl"

// Events receives trust-relevant notifications for the UI layer.
// Implementations must not block; the subsystem never waits on the
// user to make progress.
type Events interface {
	// NewDevice fires when a device is seen for the first time.
	NewDevice(contact string, deviceID uint32)

	// NewIdentity fires when a device presents an identity key for the
	// first time, with its fingerprint for display.
	NewIdentity(address axolotl.Address, fingerprint string)

	// DecryptFailed fires on every failed decryption.
	DecryptFailed(address axolotl.Address, failures int)

	// SessionStale fires when a session crosses the failure threshold.
	SessionStale(address axolotl.Address)

	// SessionRebuilt fires when a stale session is replaced by a fresh
	// handshake.
	SessionRebuilt(address axolotl.Address)

	// PreKeysLow fires when the one-time prekey pool drops below the
	// low-water mark.
	PreKeysLow(remaining int)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) NewDevice(string, uint32)              {}
func (NopEvents) NewIdentity(axolotl.Address, string)   {}
func (NopEvents) DecryptFailed(axolotl.Address, int)    {}
func (NopEvents) SessionStale(axolotl.Address)          {}
func (NopEvents) SessionRebuilt(axolotl.Address)        {}
func (NopEvents) PreKeysLow(int)                        {}
