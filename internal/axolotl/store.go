package axolotl

// SessionStore stores session records keyed by remote address.
// LoadSession returns nil, nil when no session exists.
type SessionStore interface {
	LoadSession(address Address) (*SessionRecord, error)
	StoreSession(address Address, record *SessionRecord) error
}

// IdentityKeyStore manages the local identity key pair and remote
// identity trust.
type IdentityKeyStore interface {
	GetIdentityKeyPair() (*IdentityKeyPair, error)
	SaveIdentityKey(address Address, key IdentityKey) error
	GetIdentityKey(address Address) (*IdentityKey, error)
	IsTrustedIdentity(address Address, key IdentityKey) (bool, error)
}

// PreKeyStore stores one-time prekey records. RemovePreKey is the
// consume step and must never be undone.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	StorePreKey(record *PreKeyRecord) error
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore stores signed prekey records.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
	StoreSignedPreKey(record *SignedPreKeyRecord) error
}

// SenderKeyStore stores sender key records for group messaging, keyed
// by sending address and distribution ID.
// LoadSenderKey returns nil, nil when no record exists.
type SenderKeyStore interface {
	LoadSenderKey(sender Address, distributionID [16]byte) (*SenderKeyRecord, error)
	StoreSenderKey(sender Address, distributionID [16]byte, record *SenderKeyRecord) error
}
