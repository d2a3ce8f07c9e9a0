package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// IdentityKeyPair is the long-term device identity: an X25519 pair for
// key agreement and an Ed25519 pair for signing prekeys.
type IdentityKeyPair struct {
	DHPub       X25519Public       `json:"dhPub"`
	DHPriv      X25519Private      `json:"dhPriv"`
	SigningPub  ed25519.PublicKey  `json:"signingPub"`
	SigningPriv ed25519.PrivateKey `json:"signingPriv"`
}

// LocalIdentity bundles the identity pair with the registration id
// presented to peers during session establishment.
type LocalIdentity struct {
	KeyPair        *IdentityKeyPair
	RegistrationID uint32
}

// GenerateIdentity creates a fresh identity key pair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("engine: generate signing key: %w", err)
	}
	return &IdentityKeyPair{
		DHPub:       pub,
		DHPriv:      priv,
		SigningPub:  edPub,
		SigningPriv: edPriv,
	}, nil
}

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv X25519Private, pub X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("engine: generate key: %w", err)
	}
	clamp(&priv)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("engine: derive public key: %w", err)
	}
	copy(pub[:], pb)
	return priv, pub, nil
}

// GenerateRegistrationID returns a random 14-bit registration id in
// the range [1, 16380].
func GenerateRegistrationID() (uint32, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("engine: generate registration id: %w", err)
	}
	return (uint32(buf[0])<<8|uint32(buf[1]))%16380 + 1, nil
}

// dh computes the X25519 shared secret.
func dh(priv X25519Private, pub X25519Public) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

func clamp(k *X25519Private) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Fingerprint returns a SHA-256 hex digest of a public key, shown to
// users for out-of-band identity verification.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
