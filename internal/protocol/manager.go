// Package protocol is the session manager: it bridges the key store
// and the cipher engine, orchestrating session bootstrap from prekey
// bundles, message encryption and decryption, and identity trust
// checks. It owns no durable state of its own.
package protocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"sealchat/internal/engine"
	"sealchat/internal/keystore"

	pkgerrors "github.com/pkg/errors"
)

// Engine is the cipher engine capability the manager consumes.
type Engine interface {
	DeriveSession(local *engine.LocalIdentity, bundle *engine.PreKeyBundle) (*engine.SessionState, error)
	Encrypt(session *engine.SessionState, plaintext []byte) (*engine.Ciphertext, error)
	DecryptPreKey(ctx context.Context, local *engine.LocalIdentity, keys engine.PreKeySource, session *engine.SessionState, body []byte) (*engine.DecryptResult, error)
	DecryptOrdinary(session *engine.SessionState, body []byte) ([]byte, error)
}

// Manager orchestrates sessions for one local user over an explicit
// key store. It holds the per-peer session lock across every
// load-ratchet-persist sequence, so the ratchet is either fully
// advanced and committed or untouched.
type Manager struct {
	store *keystore.Store
	eng   Engine
	log   *zap.Logger
}

// New returns a session manager over the given store and engine.
// A nil logger disables logging.
func New(store *keystore.Store, eng Engine, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, eng: eng, log: log}
}

// peerOf strips the device suffix from a peer-device address:
// "alice:2" → "alice". Trust is tracked per peer, not per device.
func peerOf(address string) string {
	if i := strings.IndexByte(address, ':'); i >= 0 {
		return address[:i]
	}
	return address
}

// validateBundle checks the bundle's required fields. The signed
// prekey is mandatory: a bundle lacking it fails here, before any
// store or engine call.
func validateBundle(bundle *engine.PreKeyBundle) error {
	switch {
	case bundle == nil:
		return &MalformedBundleError{Field: "bundle"}
	case len(bundle.IdentityKey) != 32:
		return &MalformedBundleError{Field: "identity key"}
	case len(bundle.SigningKey) == 0:
		return &MalformedBundleError{Field: "signing key"}
	case bundle.RegistrationID == 0:
		return &MalformedBundleError{Field: "registration id"}
	case bundle.SignedPreKey == nil:
		return &MalformedBundleError{Field: "signed prekey"}
	case len(bundle.SignedPreKey.PublicKey) != 32:
		return &MalformedBundleError{Field: "signed prekey public key"}
	case len(bundle.SignedPreKey.Signature) == 0:
		return &MalformedBundleError{Field: "signed prekey signature"}
	case bundle.PreKey != nil && len(bundle.PreKey.PublicKey) != 32:
		return &MalformedBundleError{Field: "one-time prekey public key"}
	}
	return nil
}

// CreateSession bootstraps a session with peerAddress from its prekey
// bundle and persists it. The bundle's one-time prekey, if any,
// belongs to the remote party and is not stored locally; its id is
// recorded as consumed in the resulting session.
func (m *Manager) CreateSession(ctx context.Context, peerAddress string, bundle *engine.PreKeyBundle) error {
	if err := validateBundle(bundle); err != nil {
		return err
	}

	peer := peerOf(peerAddress)
	trusted, err := m.store.IsTrustedIdentity(ctx, peer, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		m.log.Warn("untrusted identity in prekey bundle", zap.String("peer", peer))
		return fmt.Errorf("%w: %s", ErrTrustChanged, peer)
	}

	local, err := m.localIdentity(ctx)
	if err != nil {
		return err
	}

	unlock := m.store.SessionLock(peerAddress)
	defer unlock()

	session, err := m.eng.DeriveSession(local, bundle)
	if err != nil {
		return pkgerrors.Wrapf(err, "derive session with %s", peerAddress)
	}

	record, err := session.Marshal()
	if err != nil {
		return err
	}
	if err := m.store.StoreSession(ctx, peerAddress, record); err != nil {
		return err
	}

	changed, err := m.store.SaveIdentity(ctx, peer, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if changed {
		// A concurrent writer replaced the trusted key between the
		// check above and this save.
		return fmt.Errorf("%w: %s", ErrTrustChanged, peer)
	}

	m.log.Debug("session established from bundle",
		zap.String("peer", peerAddress),
		zap.Uint32("registrationId", bundle.RegistrationID))
	return nil
}

// EncryptMessage encrypts plaintext for peerID and returns the
// transport-safe form. The advanced ratchet state is committed before
// the ciphertext is released; an abandoned call leaves the stored
// session untouched.
func (m *Manager) EncryptMessage(ctx context.Context, peerID string, plaintext string) (Encrypted, error) {
	unlock := m.store.SessionLock(peerID)
	defer unlock()

	session, err := m.loadSession(ctx, peerID)
	if err != nil {
		return Encrypted{}, err
	}
	if session == nil {
		return Encrypted{}, fmt.Errorf("%w: %s (no bundle supplied)", ErrNoSession, peerID)
	}

	ct, err := m.eng.Encrypt(session, []byte(plaintext))
	if err != nil {
		return Encrypted{}, pkgerrors.Wrapf(err, "encrypt for %s", peerID)
	}

	if err := m.persistSession(ctx, peerID, session); err != nil {
		return Encrypted{}, err
	}

	kind := KindOrdinary
	if ct.Type == engine.MessageTypePreKey {
		kind = KindPreKey
	}
	return Encrypted{Kind: kind, Body: encodeBody(ct.Body)}, nil
}

// DecryptMessage decrypts an incoming message from peerID. A
// prekey-form message may establish a new session as a side effect;
// the store is updated before the plaintext is returned. Use Legacy to
// wrap raw-string inputs from the old wire format.
func (m *Manager) DecryptMessage(ctx context.Context, peerID string, incoming Encrypted) (string, error) {
	body := decodeBody(incoming.Body)

	unlock := m.store.SessionLock(peerID)
	defer unlock()

	session, err := m.loadSession(ctx, peerID)
	if err != nil {
		return "", err
	}

	switch incoming.Kind {
	case KindPreKey:
		return m.decryptPreKey(ctx, peerID, session, body)
	case KindOrdinary:
		if session == nil {
			return "", fmt.Errorf("%w: %s", ErrNoSession, peerID)
		}
		plaintext, err := m.eng.DecryptOrdinary(session, body)
		if err != nil {
			m.log.Warn("decrypt failed", zap.String("peer", peerID), zap.Error(err))
			return "", fmt.Errorf("%w: from %s: %v", ErrDecryptFailure, peerID, err)
		}
		if err := m.persistSession(ctx, peerID, session); err != nil {
			return "", err
		}
		return string(plaintext), nil
	default:
		return "", fmt.Errorf("protocol: unknown message kind %d", int(incoming.Kind))
	}
}

func (m *Manager) decryptPreKey(ctx context.Context, peerID string, session *engine.SessionState, body []byte) (string, error) {
	local, err := m.localIdentity(ctx)
	if err != nil {
		return "", err
	}

	result, err := m.eng.DecryptPreKey(ctx, local, m.store, session, body)
	if err != nil {
		m.log.Warn("prekey decrypt failed", zap.String("peer", peerID), zap.Error(err))
		return "", fmt.Errorf("%w: from %s: %v", ErrDecryptFailure, peerID, err)
	}

	if result.Established {
		peer := peerOf(peerID)
		trusted, err := m.store.IsTrustedIdentity(ctx, peer, result.Session.PeerIdentityKey.Slice())
		if err != nil {
			return "", err
		}
		if !trusted {
			m.log.Warn("untrusted identity in prekey message", zap.String("peer", peer))
			return "", fmt.Errorf("%w: %s", ErrTrustChanged, peer)
		}
		if _, err := m.store.SaveIdentity(ctx, peer, result.Session.PeerIdentityKey.Slice()); err != nil {
			return "", err
		}
		m.log.Debug("session established from prekey message", zap.String("peer", peerID))
	}

	if err := m.persistSession(ctx, peerID, result.Session); err != nil {
		return "", err
	}
	return string(result.Plaintext), nil
}

// HasSession reports whether a session record exists for peerID.
func (m *Manager) HasSession(ctx context.Context, peerID string) (bool, error) {
	return m.store.HasSession(ctx, peerID)
}

// RemoveSessionWith deletes the session records for every device of
// the peer.
func (m *Manager) RemoveSessionWith(ctx context.Context, peerID string) error {
	return m.store.RemoveAllSessions(ctx, peerID)
}

func (m *Manager) localIdentity(ctx context.Context) (*engine.LocalIdentity, error) {
	pair, err := m.store.IdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	regID, err := m.store.RegistrationID(ctx)
	if err != nil {
		return nil, err
	}
	return &engine.LocalIdentity{KeyPair: pair, RegistrationID: regID}, nil
}

// loadSession returns the deserialized session for peerID, or nil when
// none exists. Store I/O errors propagate unchanged.
func (m *Manager) loadSession(ctx context.Context, peerID string) (*engine.SessionState, error) {
	record, err := m.store.LoadSession(ctx, peerID)
	if err != nil {
		if pkgerrors.Is(err, keystore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return engine.UnmarshalSessionState(record)
}

func (m *Manager) persistSession(ctx context.Context, peerID string, session *engine.SessionState) error {
	record, err := session.Marshal()
	if err != nil {
		return err
	}
	return m.store.StoreSession(ctx, peerID, record)
}

// encodeBody normalizes a ciphertext body to a transport-safe string:
// textual bodies pass through unchanged, raw bytes are base64-encoded.
func encodeBody(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	return base64.StdEncoding.EncodeToString(body)
}

// decodeBody reverses encodeBody. A body that decodes as base64 is
// taken as encoded raw bytes; anything else is textual and used as is.
// The engine's envelope is JSON, which never parses as base64.
func decodeBody(body string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(body); err == nil {
		return decoded
	}
	return []byte(body)
}
