package axolotl

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "OMEMO X3DH"

// initiatorRootKey derives the shared root key on the initiating side:
// DH(IK_A, SPK_B) || DH(EK_A, IK_B) || DH(EK_A, SPK_B) [|| DH(EK_A, OPK_B)]
// fed through HKDF-SHA256.
func initiatorRootKey(ourIdentity *IdentityKeyPair, ourEphemeral *KeyPair, bundle *PreKeyBundle) ([]byte, error) {
	dh1, err := dh(ourIdentity.DHPriv, bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEphemeral.Private, bundle.IdentityKey.DHPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEphemeral.Private, bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	secrets := make([]byte, 0, 4*32)
	secrets = append(secrets, dh1[:]...)
	secrets = append(secrets, dh2[:]...)
	secrets = append(secrets, dh3[:]...)

	if bundle.PreKey != nil {
		dh4, err := dh(ourEphemeral.Private, *bundle.PreKey)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, dh4[:]...)
	}

	root := deriveRoot(secrets)
	Zero(secrets)
	return root, nil
}

// responderRootKey derives the same root key on the responding side
// from the handshake material embedded in an incoming key-exchange
// message. preKey is nil for a signed-prekey-only handshake.
func responderRootKey(ourIdentity *IdentityKeyPair, signedPreKey *SignedPreKeyRecord, preKey *PreKeyRecord, theirIdentity IdentityKey, theirBaseKey PublicKey) ([]byte, error) {
	dh1, err := dh(signedPreKey.KeyPair.Private, theirIdentity.DHPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIdentity.DHPriv, theirBaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPreKey.KeyPair.Private, theirBaseKey)
	if err != nil {
		return nil, err
	}

	secrets := make([]byte, 0, 4*32)
	secrets = append(secrets, dh1[:]...)
	secrets = append(secrets, dh2[:]...)
	secrets = append(secrets, dh3[:]...)

	if preKey != nil {
		dh4, err := dh(preKey.KeyPair.Private, theirBaseKey)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, dh4[:]...)
	}

	root := deriveRoot(secrets)
	Zero(secrets)
	return root, nil
}

func deriveRoot(secrets []byte) []byte {
	r := hkdf.New(sha256.New, secrets, nil, []byte(x3dhInfo))
	root := make([]byte, 32)
	if _, err := io.ReadFull(r, root); err != nil {
		// HKDF over SHA-256 cannot fail to produce 32 bytes.
		panic(fmt.Sprintf("axolotl: hkdf: %v", err))
	}
	return root
}
