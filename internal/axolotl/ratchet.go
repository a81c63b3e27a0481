package axolotl

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// maxSkippedKeys caps the cache of message keys derived for
	// out-of-order delivery. Oldest entries are evicted past the cap.
	maxSkippedKeys = 1000

	// maxSkipAhead bounds how far a single message may jump the
	// receiving chain, so a forged counter cannot stall us.
	maxSkipAhead = 2000
)

// ratchetState is the mutable double-ratchet state between two
// devices. It is owned by a SessionRecord and persisted as part of it.
type ratchetState struct {
	RootKey   []byte            `cbor:"1,keyasint"`
	DHPriv    PrivateKey        `cbor:"2,keyasint"`
	DHPub     PublicKey         `cbor:"3,keyasint"`
	PeerDHPub PublicKey         `cbor:"4,keyasint"`
	SendCK    []byte            `cbor:"5,keyasint,omitempty"`
	RecvCK    []byte            `cbor:"6,keyasint,omitempty"`
	Ns        uint32                `cbor:"7,keyasint"`
	Nr        uint32                `cbor:"8,keyasint"`
	PN        uint32                `cbor:"9,keyasint"`
	Skipped   map[skippedKey][]byte `cbor:"10,keyasint,omitempty"`
}

// skippedKey identifies one cached out-of-order message key: the
// remote ratchet key its chain belonged to plus the chain counter.
// Must stay a fixed-size array so it round-trips through CBOR as a
// byte-string map key.
type skippedKey [36]byte

func newSkippedKey(peer PublicKey, n uint32) skippedKey {
	var k skippedKey
	copy(k[:], peer[:])
	binary.BigEndian.PutUint32(k[32:], n)
	return k
}

// initAsInitiator seeds the sending chain from the X3DH root key.
// The peer's signed prekey doubles as its initial ratchet key.
func initAsInitiator(root []byte, peerSignedPreKey PublicKey) (*ratchetState, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := dh(kp.Private, peerSignedPreKey)
	if err != nil {
		return nil, err
	}
	newRoot, sendCK := kdfRoot(root, secret[:])
	Zero(secret[:])

	return &ratchetState{
		RootKey:   newRoot,
		DHPriv:    kp.Private,
		DHPub:     kp.Public,
		PeerDHPub: peerSignedPreKey,
		SendCK:    sendCK,
		Skipped:   map[skippedKey][]byte{},
	}, nil
}

// initAsResponder seeds the receiving chain from the X3DH root key.
// Our signed prekey is our initial ratchet key; the sender's ratchet
// key arrives in the first message header.
func initAsResponder(root []byte, signedPreKey KeyPair, senderRatchetKey PublicKey) (*ratchetState, error) {
	secret, err := dh(signedPreKey.Private, senderRatchetKey)
	if err != nil {
		return nil, err
	}
	newRoot, recvCK := kdfRoot(root, secret[:])
	Zero(secret[:])

	return &ratchetState{
		RootKey:   newRoot,
		DHPriv:    signedPreKey.Private,
		DHPub:     signedPreKey.Public,
		PeerDHPub: senderRatchetKey,
		RecvCK:    recvCK,
		Skipped:   map[skippedKey][]byte{},
	}, nil
}

// encrypt advances the sending chain and seals plaintext. A responder
// that has never sent performs its first DH ratchet step here.
func (st *ratchetState) encrypt(ad, plaintext []byte) (*Message, error) {
	if len(st.SendCK) == 0 {
		if err := st.stepSendChain(); err != nil {
			return nil, err
		}
	}

	mk := kdfChain(&st.SendCK)
	msg := &Message{DHPub: st.DHPub, PN: st.PN, N: st.Ns}

	ct, err := seal(mk, msg, ad, plaintext)
	Zero(mk)
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct
	st.Ns++
	return msg, nil
}

// decrypt handles skipped keys, performs a DH ratchet step on a new
// remote key, then opens the message.
func (st *ratchetState) decrypt(ad []byte, msg *Message) ([]byte, error) {
	if msg.DHPub == st.PeerDHPub {
		// Same remote ratchet key: either the current chain position or
		// a cached skipped key.
		if mk, ok := st.Skipped[newSkippedKey(msg.DHPub, msg.N)]; ok {
			pt, err := open(mk, msg, ad)
			if err != nil {
				return nil, err
			}
			delete(st.Skipped, newSkippedKey(msg.DHPub, msg.N))
			Zero(mk)
			return pt, nil
		}
		if err := st.skipRecvKeys(msg.N); err != nil {
			return nil, err
		}
	} else {
		if err := st.skipRecvKeys(msg.PN); err != nil {
			return nil, err
		}
		if err := st.stepRecvChain(msg.DHPub); err != nil {
			return nil, err
		}
		if err := st.skipRecvKeys(msg.N); err != nil {
			return nil, err
		}
	}

	if len(st.RecvCK) == 0 {
		return nil, fmt.Errorf("%w: receiving chain uninitialised", ErrDecryptFailed)
	}
	if msg.N != st.Nr {
		return nil, fmt.Errorf("%w: counter %d, expected %d", ErrDecryptFailed, msg.N, st.Nr)
	}
	mk := kdfChain(&st.RecvCK)
	pt, err := open(mk, msg, ad)
	Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// stepSendChain performs a sending-side DH ratchet step with a fresh
// key pair against the peer's current ratchet key.
func (st *ratchetState) stepSendChain() error {
	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	secret, err := dh(kp.Private, st.PeerDHPub)
	if err != nil {
		return err
	}
	newRoot, sendCK := kdfRoot(st.RootKey, secret[:])
	Zero(secret[:])

	st.PN = st.Ns
	st.Ns = 0
	st.RootKey = newRoot
	st.DHPriv, st.DHPub = kp.Private, kp.Public
	st.SendCK = sendCK
	return nil
}

// stepRecvChain performs a receiving-side DH ratchet step for a newly
// seen remote ratchet key. The sending chain is reset; the next send
// will step it with a fresh key pair.
func (st *ratchetState) stepRecvChain(newPeer PublicKey) error {
	secret, err := dh(st.DHPriv, newPeer)
	if err != nil {
		return err
	}
	newRoot, recvCK := kdfRoot(st.RootKey, secret[:])
	Zero(secret[:])

	st.RootKey = newRoot
	st.PeerDHPub = newPeer
	st.RecvCK = recvCK
	st.SendCK = nil
	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	return nil
}

// skipRecvKeys derives and caches message keys up to counter n.
func (st *ratchetState) skipRecvKeys(n uint32) error {
	if st.Nr >= n {
		return nil
	}
	if len(st.RecvCK) == 0 {
		return fmt.Errorf("%w: receiving chain uninitialised", ErrDecryptFailed)
	}
	if n-st.Nr > maxSkipAhead {
		return fmt.Errorf("%w: message counter jumps ahead by %d", ErrDecryptFailed, n-st.Nr)
	}
	if st.Skipped == nil {
		st.Skipped = map[skippedKey][]byte{}
	}
	for st.Nr < n {
		mk := kdfChain(&st.RecvCK)
		if len(st.Skipped) >= maxSkippedKeys {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[newSkippedKey(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

// --- key derivation and AEAD ---

func kdfRoot(root, secret []byte) (newRoot, chainKey []byte) {
	r := hkdf.New(sha256.New, secret, root, []byte("OMEMO Root Chain"))
	newRoot = make([]byte, 32)
	chainKey = make([]byte, 32)
	mustRead(r, newRoot)
	mustRead(r, chainKey)
	return
}

// kdfChain advances *ck one step and returns the message key.
func kdfChain(ck *[]byte) []byte {
	r := hkdf.New(sha256.New, *ck, nil, []byte("OMEMO Message Keys"))
	next := make([]byte, 32)
	mk := make([]byte, 32)
	mustRead(r, next)
	mustRead(r, mk)
	Zero(*ck)
	*ck = next
	return mk
}

func mustRead(r io.Reader, buf []byte) {
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(fmt.Sprintf("axolotl: hkdf: %v", err))
	}
}

// seal encrypts plaintext under the message key, binding the header
// fields and caller-supplied associated data.
func seal(mk []byte, msg *Message, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], msg.N)
	return aead.Seal(nil, nonce, plaintext, headerAD(msg, ad)), nil
}

func open(mk []byte, msg *Message, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], msg.N)
	pt, err := aead.Open(nil, nonce, msg.Ciphertext, headerAD(msg, ad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, nil
}

func headerAD(msg *Message, ad []byte) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, msg.DHPub[:]...)
	out = binary.BigEndian.AppendUint32(out, msg.PN)
	out = binary.BigEndian.AppendUint32(out, msg.N)
	return out
}
