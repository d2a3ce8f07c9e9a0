// Package engine implements the cryptographic primitive layer: X3DH
// key agreement and the Double Ratchet, exposed as a small capability
// consumed by the session manager. It holds no durable state; session
// records are handed in and out as SessionState values.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type constants, discriminating the two ciphertext kinds.
const (
	MessageTypePreKey   = 3
	MessageTypeOrdinary = 2
)

// ErrBadSignature reports a signed prekey whose signature does not
// verify against the peer's signing key.
var ErrBadSignature = errors.New("bad signature")

// ErrUnknownPreKey reports a handshake referencing a signed or
// one-time prekey this device no longer holds.
var ErrUnknownPreKey = errors.New("unknown prekey")

// Ciphertext is one encrypted message body plus its kind.
type Ciphertext struct {
	Type int
	Body []byte
}

// DecryptResult carries the plaintext together with a flag telling the
// caller a new session was established as a side effect and must be
// persisted before the plaintext is released.
type DecryptResult struct {
	Plaintext   []byte
	Session     *SessionState
	Established bool
	UsedPreKey  *uint32 // one-time prekey consumed during bootstrap, if any
}

// PreKeySource supplies local prekey private halves during responder
// session bootstrap. TakePreKey consumes the record: a one-time prekey
// never serves two handshakes.
type PreKeySource interface {
	SignedPreKey(ctx context.Context, id uint32) (*SignedPreKeyRecord, error)
	TakePreKey(ctx context.Context, id uint32) (*PreKeyRecord, bool, error)
}

// Engine is the concrete cipher engine.
type Engine struct{}

// New returns a cipher engine.
func New() *Engine { return &Engine{} }

// envelope is the serialized ciphertext body: ratchet header, sealed
// payload, and for prekey-form messages the X3DH handshake block.
type envelope struct {
	Header ratchetHeader `json:"header"`
	Cipher []byte        `json:"cipher"`
	PreKey *Handshake    `json:"preKey,omitempty"`
}

// DeriveSession runs X3DH as the initiator against a peer's bundle and
// returns a fresh session. The bundle's signed prekey signature is
// verified first; nothing is derived from an unverifiable bundle.
func (e *Engine) DeriveSession(local *LocalIdentity, bundle *PreKeyBundle) (*SessionState, error) {
	if err := verifySignedPreKey(bundle.SigningKey, bundle.SignedPreKey); err != nil {
		return nil, err
	}

	var peerID, peerSPK X25519Public
	copy(peerID[:], bundle.IdentityKey)
	copy(peerSPK[:], bundle.SignedPreKey.PublicKey)

	var peerOPK *X25519Public
	var usedPreKeyID *uint32
	if bundle.PreKey != nil {
		var opk X25519Public
		copy(opk[:], bundle.PreKey.PublicKey)
		peerOPK = &opk
		id := bundle.PreKey.ID
		usedPreKeyID = &id
	}

	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}

	root, err := initiatorRoot(local.KeyPair.DHPriv, ephPriv, peerID, peerSPK, peerOPK)
	if err != nil {
		return nil, fmt.Errorf("engine: x3dh initiator: %w", err)
	}
	zero(ephPriv[:])

	rat, err := initAsInitiator(root, peerID)
	zero(root)
	if err != nil {
		return nil, err
	}

	return &SessionState{
		PeerIdentityKey:    peerID,
		PeerRegistrationID: bundle.RegistrationID,
		UsedPreKeyID:       usedPreKeyID,
		AD:                 associatedData(local.KeyPair.DHPub, peerID),
		Ratchet:            rat,
		Pending: &Handshake{
			IdentityKey:    local.KeyPair.DHPub,
			EphemeralKey:   ephPub,
			RegistrationID: local.RegistrationID,
			SignedPreKeyID: bundle.SignedPreKey.ID,
			PreKeyID:       usedPreKeyID,
		},
		CreatedAt: time.Now().Unix(),
	}, nil
}

// Encrypt seals plaintext under the session, advancing the ratchet in
// place. The caller must persist the mutated session before releasing
// the ciphertext. While the session still carries a pending handshake
// the result is a prekey-form message.
func (e *Engine) Encrypt(session *SessionState, plaintext []byte) (*Ciphertext, error) {
	header, ct, err := ratchetEncrypt(&session.Ratchet, session.AD, plaintext)
	if err != nil {
		return nil, fmt.Errorf("engine: encrypt: %w", err)
	}

	env := envelope{Header: header, Cipher: ct, PreKey: session.Pending}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal envelope: %w", err)
	}

	typ := MessageTypeOrdinary
	if session.Pending != nil {
		typ = MessageTypePreKey
	}
	return &Ciphertext{Type: typ, Body: body}, nil
}

// DecryptPreKey opens a prekey-form message. When session is nil a new
// session is bootstrapped from the embedded handshake, consuming the
// referenced one-time prekey from keys; the result then carries the
// new session with Established set. When a session already exists the
// handshake block is ignored and the message decrypts on the existing
// ratchet, so redelivered or overlapping prekey messages are harmless.
func (e *Engine) DecryptPreKey(ctx context.Context, local *LocalIdentity, keys PreKeySource, session *SessionState, body []byte) (*DecryptResult, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("engine: parse envelope: %w", err)
	}

	if session != nil {
		pt, err := ratchetDecrypt(&session.Ratchet, session.AD, env.Header, env.Cipher)
		if err != nil {
			return nil, err
		}
		return &DecryptResult{Plaintext: pt, Session: session}, nil
	}

	if env.PreKey == nil {
		return nil, fmt.Errorf("engine: prekey message without handshake block")
	}
	if len(env.Header.DHPub) != 32 {
		return nil, fmt.Errorf("engine: ratchet header key is %d bytes", len(env.Header.DHPub))
	}

	spk, err := keys.SignedPreKey(ctx, env.PreKey.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: signed prekey %d: %v", ErrUnknownPreKey, env.PreKey.SignedPreKeyID, err)
	}

	var opkPriv *X25519Private
	var usedPreKey *uint32
	if env.PreKey.PreKeyID != nil {
		rec, ok, err := keys.TakePreKey(ctx, *env.PreKey.PreKeyID)
		if err != nil {
			return nil, err
		}
		if ok {
			opkPriv = &rec.Priv
			usedPreKey = env.PreKey.PreKeyID
		}
	}

	root, err := responderRoot(local.KeyPair.DHPriv, spk.Priv, opkPriv,
		env.PreKey.IdentityKey, env.PreKey.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("engine: x3dh responder: %w", err)
	}

	var senderRatchet X25519Public
	copy(senderRatchet[:], env.Header.DHPub)

	rat, err := initAsResponder(root, local.KeyPair.DHPriv, senderRatchet)
	zero(root)
	if err != nil {
		return nil, err
	}

	fresh := &SessionState{
		PeerIdentityKey:    env.PreKey.IdentityKey,
		PeerRegistrationID: env.PreKey.RegistrationID,
		UsedPreKeyID:       usedPreKey,
		AD:                 associatedData(env.PreKey.IdentityKey, local.KeyPair.DHPub),
		Ratchet:            rat,
		CreatedAt:          time.Now().Unix(),
	}

	pt, err := ratchetDecrypt(&fresh.Ratchet, fresh.AD, env.Header, env.Cipher)
	if err != nil {
		return nil, err
	}
	return &DecryptResult{Plaintext: pt, Session: fresh, Established: true, UsedPreKey: usedPreKey}, nil
}

// DecryptOrdinary opens a message on an established session, advancing
// the ratchet in place. Receiving any message from the peer confirms
// the handshake, so a pending block is cleared here.
func (e *Engine) DecryptOrdinary(session *SessionState, body []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("engine: parse envelope: %w", err)
	}

	pt, err := ratchetDecrypt(&session.Ratchet, session.AD, env.Header, env.Cipher)
	if err != nil {
		return nil, err
	}
	session.Pending = nil
	return pt, nil
}
