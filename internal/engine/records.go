package engine

import (
	"crypto/ed25519"
	"time"
)

// PreKeyRecord is a one-time prekey stored locally, consumed after its
// first successful use by a peer's handshake.
type PreKeyRecord struct {
	ID   uint32        `json:"id"`
	Pub  X25519Public  `json:"pub"`
	Priv X25519Private `json:"priv"`
}

// SignedPreKeyRecord is a medium-term prekey whose public half is
// signed with the identity signing key. Old records are retained for a
// grace period after rotation so in-flight handshakes still resolve.
type SignedPreKeyRecord struct {
	ID        uint32        `json:"id"`
	Pub       X25519Public  `json:"pub"`
	Priv      X25519Private `json:"priv"`
	Signature []byte        `json:"signature"`
	CreatedAt int64         `json:"createdAt"` // unix seconds
}

// NewPreKey generates a one-time prekey with the given id.
func NewPreKey(id uint32) (*PreKeyRecord, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, Pub: pub, Priv: priv}, nil
}

// NewSignedPreKey generates a signed prekey with the given id, signed
// by identity's Ed25519 key.
func NewSignedPreKey(id uint32, identity *IdentityKeyPair) (*SignedPreKeyRecord, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(identity.SigningPriv, pub.Slice())
	return &SignedPreKeyRecord{
		ID:        id,
		Pub:       pub,
		Priv:      priv,
		Signature: sig,
		CreatedAt: time.Now().Unix(),
	}, nil
}

// SignedPreKeyPublic is the public half of a signed prekey as
// published in a bundle.
type SignedPreKeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// OneTimePreKeyPublic is the public half of a one-time prekey as
// published in a bundle.
type OneTimePreKeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
}

// PreKeyBundle is a peer's published handshake material, fetched out
// of band and used to bootstrap a session while the peer is offline.
type PreKeyBundle struct {
	IdentityKey    []byte               `json:"identityKey"`
	SigningKey     []byte               `json:"signingKey"`
	RegistrationID uint32               `json:"registrationId"`
	SignedPreKey   *SignedPreKeyPublic  `json:"signedPreKey"`
	PreKey         *OneTimePreKeyPublic `json:"preKey,omitempty"`
}
