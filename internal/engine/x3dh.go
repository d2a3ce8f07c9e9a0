package engine

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "sealchat-x3dh"

// verifySignedPreKey checks the bundle's signed prekey signature
// against the peer's Ed25519 signing key.
func verifySignedPreKey(signingKey []byte, spk *SignedPreKeyPublic) error {
	if len(signingKey) != ed25519.PublicKeySize {
		return fmt.Errorf("engine: %w: signing key is %d bytes", ErrBadSignature, len(signingKey))
	}
	if !ed25519.Verify(ed25519.PublicKey(signingKey), spk.PublicKey, spk.Signature) {
		return fmt.Errorf("engine: %w: signed prekey %d", ErrBadSignature, spk.ID)
	}
	return nil
}

// initiatorRoot derives the X3DH root key on the initiating side.
//
//	dh1 = DH(IKa, SPKb)
//	dh2 = DH(EKa, IKb)
//	dh3 = DH(EKa, SPKb)
//	dh4 = DH(EKa, OPKb)   when a one-time prekey is present
func initiatorRoot(
	ourID X25519Private,
	ourEph X25519Private,
	peerID X25519Public,
	peerSPK X25519Public,
	peerOPK *X25519Public,
) ([]byte, error) {
	dh1, err := dh(ourID, peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourEph, peerID)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourEph, peerSPK)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if peerOPK != nil {
		dh4, err := dh(ourEph, *peerOPK)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
	}

	root, err := kdfRoot(concat)
	zero(concat)
	return root, err
}

// responderRoot derives the same root key on the responding side,
// mirroring initiatorRoot with the private halves swapped.
func responderRoot(
	ourID X25519Private,
	spkPriv X25519Private,
	opkPriv *X25519Private,
	peerID X25519Public,
	peerEph X25519Public,
) ([]byte, error) {
	dh1, err := dh(spkPriv, peerID)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourID, peerEph)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(spkPriv, peerEph)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if opkPriv != nil {
		dh4, err := dh(*opkPriv, peerEph)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
	}

	root, err := kdfRoot(concat)
	zero(concat)
	return root, err
}

func kdfRoot(ikm []byte) ([]byte, error) {
	root := make([]byte, 32)
	r := hkdf.New(sha256.New, ikm, nil, []byte(x3dhInfo))
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, fmt.Errorf("engine: derive root key: %w", err)
	}
	return root, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
