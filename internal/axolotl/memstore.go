package axolotl

import "fmt"

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	sessions map[Address]*SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[Address]*SessionRecord{}}
}

func (s *MemorySessionStore) LoadSession(address Address) (*SessionRecord, error) {
	rec := s.sessions[address]
	if rec == nil {
		return nil, nil
	}
	// Return a clone so the caller owns it
	data, err := rec.Serialize()
	if err != nil {
		return nil, err
	}
	return DeserializeSessionRecord(data)
}

func (s *MemorySessionStore) StoreSession(address Address, record *SessionRecord) error {
	s.sessions[address] = record
	return nil
}

// MemoryIdentityKeyStore is an in-memory IdentityKeyStore with
// trust-on-first-use semantics.
type MemoryIdentityKeyStore struct {
	identityKeyPair *IdentityKeyPair
	identities      map[Address]IdentityKey
}

func NewMemoryIdentityKeyStore(identityKeyPair *IdentityKeyPair) *MemoryIdentityKeyStore {
	return &MemoryIdentityKeyStore{
		identityKeyPair: identityKeyPair,
		identities:      map[Address]IdentityKey{},
	}
}

func (s *MemoryIdentityKeyStore) GetIdentityKeyPair() (*IdentityKeyPair, error) {
	data, err := s.identityKeyPair.Serialize()
	if err != nil {
		return nil, err
	}
	return DeserializeIdentityKeyPair(data)
}

func (s *MemoryIdentityKeyStore) SaveIdentityKey(address Address, key IdentityKey) error {
	s.identities[address] = key
	return nil
}

func (s *MemoryIdentityKeyStore) GetIdentityKey(address Address) (*IdentityKey, error) {
	key, ok := s.identities[address]
	if !ok {
		return nil, nil
	}
	return &key, nil
}

func (s *MemoryIdentityKeyStore) IsTrustedIdentity(address Address, key IdentityKey) (bool, error) {
	existing, ok := s.identities[address]
	if !ok {
		// First time seeing this identity, trust on first use
		return true, nil
	}
	return existing.Equal(key), nil
}

// MemoryPreKeyStore is an in-memory PreKeyStore.
type MemoryPreKeyStore struct {
	preKeys map[uint32]*PreKeyRecord
}

func NewMemoryPreKeyStore() *MemoryPreKeyStore {
	return &MemoryPreKeyStore{preKeys: map[uint32]*PreKeyRecord{}}
}

func (s *MemoryPreKeyStore) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	rec := s.preKeys[id]
	if rec == nil {
		return nil, fmt.Errorf("axolotl: prekey %d: %w", id, ErrPreKeyNotFound)
	}
	// Clone
	data, err := rec.Serialize()
	if err != nil {
		return nil, err
	}
	return DeserializePreKeyRecord(data)
}

func (s *MemoryPreKeyStore) StorePreKey(record *PreKeyRecord) error {
	s.preKeys[record.ID] = record
	return nil
}

func (s *MemoryPreKeyStore) RemovePreKey(id uint32) error {
	delete(s.preKeys, id)
	return nil
}

// MemorySignedPreKeyStore is an in-memory SignedPreKeyStore.
type MemorySignedPreKeyStore struct {
	signedPreKeys map[uint32]*SignedPreKeyRecord
}

func NewMemorySignedPreKeyStore() *MemorySignedPreKeyStore {
	return &MemorySignedPreKeyStore{signedPreKeys: map[uint32]*SignedPreKeyRecord{}}
}

func (s *MemorySignedPreKeyStore) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	rec := s.signedPreKeys[id]
	if rec == nil {
		return nil, fmt.Errorf("axolotl: signed prekey %d not found", id)
	}
	data, err := rec.Serialize()
	if err != nil {
		return nil, err
	}
	return DeserializeSignedPreKeyRecord(data)
}

func (s *MemorySignedPreKeyStore) StoreSignedPreKey(record *SignedPreKeyRecord) error {
	s.signedPreKeys[record.ID] = record
	return nil
}

type senderKeyID struct {
	sender         Address
	distributionID [16]byte
}

// MemorySenderKeyStore is an in-memory SenderKeyStore.
type MemorySenderKeyStore struct {
	senderKeys map[senderKeyID]*SenderKeyRecord
}

func NewMemorySenderKeyStore() *MemorySenderKeyStore {
	return &MemorySenderKeyStore{senderKeys: map[senderKeyID]*SenderKeyRecord{}}
}

func (s *MemorySenderKeyStore) LoadSenderKey(sender Address, distributionID [16]byte) (*SenderKeyRecord, error) {
	rec := s.senderKeys[senderKeyID{sender, distributionID}]
	if rec == nil {
		return nil, nil
	}
	// Return a clone so the caller owns it
	data, err := rec.Serialize()
	if err != nil {
		return nil, err
	}
	return DeserializeSenderKeyRecord(data)
}

func (s *MemorySenderKeyStore) StoreSenderKey(sender Address, distributionID [16]byte, record *SenderKeyRecord) error {
	s.senderKeys[senderKeyID{sender, distributionID}] = record
	return nil
}
