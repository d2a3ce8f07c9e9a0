// Package sealchat is the client-side end-to-end-encrypted messaging
// substrate: durable key and session storage with trust-on-first-use
// identity verification, session establishment and message
// encode/decode on top of an X3DH + Double Ratchet engine, and a local
// cache of conversation history. It is independent of any transport or
// UI; callers move ciphertext and render plaintext.
package sealchat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sealchat/internal/engine"
	"sealchat/internal/keystore"
	"sealchat/internal/kvstore"
	"sealchat/internal/msgcache"
	"sealchat/internal/protocol"
)

// Re-exported types so callers need only this package.
type (
	// Message is one cached chat message.
	Message = msgcache.Message
	// Encrypted is the transport shape of an encrypted payload.
	Encrypted = protocol.Encrypted
	// MessageKind discriminates prekey-form and ordinary ciphertexts.
	MessageKind = protocol.MessageKind
	// PreKeyBundle is a peer's published handshake material.
	PreKeyBundle = engine.PreKeyBundle
	// SignedPreKeyPublic is the published half of a signed prekey.
	SignedPreKeyPublic = engine.SignedPreKeyPublic
	// OneTimePreKeyPublic is the published half of a one-time prekey.
	OneTimePreKeyPublic = engine.OneTimePreKeyPublic
	// MalformedBundleError reports a bundle missing a required field.
	MalformedBundleError = protocol.MalformedBundleError
)

// Message kind values.
const (
	KindPreKey   = protocol.KindPreKey
	KindOrdinary = protocol.KindOrdinary
)

// Error taxonomy. Callers distinguish these to decide between retrying,
// dropping a message, and flagging a security event.
var (
	ErrNoSession      = protocol.ErrNoSession
	ErrDecryptFailure = protocol.ErrDecryptFailure
	ErrTrustChanged   = protocol.ErrTrustChanged
	ErrNotFound       = keystore.ErrNotFound
)

// Legacy wraps a raw-string ciphertext from the old wire format.
func Legacy(raw string) Encrypted { return protocol.Legacy(raw) }

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(senderID, receiverID, content string) Message {
	return msgcache.NewMessage(senderID, receiverID, content)
}

// Fingerprint returns the hex digest of a public key for out-of-band
// identity verification.
func Fingerprint(pub []byte) string { return engine.Fingerprint(pub) }

// Config configures a client for one local user.
type Config struct {
	// UserID namespaces this user's partitions in the database.
	UserID string
	// DBPath locates the SQLite database. Empty means the default
	// under $XDG_DATA_HOME/sealchat.
	DBPath string
	// Logger receives debug and security events. Nil disables logging.
	Logger *zap.Logger
}

// Client is the per-user entry point with an explicit open/close
// lifecycle. There is no ambient global state: every component is
// scoped to the user id given at Open.
type Client struct {
	userID string
	db     *kvstore.Store
	keys   *keystore.Store
	cache  *msgcache.Cache
	mgr    *protocol.Manager
	log    *zap.Logger
}

// Open opens (creating if necessary) the durable substrate and wires
// the key store, message cache, and session manager for cfg.UserID.
func Open(cfg Config) (*Client, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("sealchat: user id is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	keys := keystore.New(db.Partition("keys:" + cfg.UserID))
	cache := msgcache.New(db.Partition("messages:" + cfg.UserID))
	mgr := protocol.New(keys, engine.New(), log)

	return &Client{
		userID: cfg.UserID,
		db:     db,
		keys:   keys,
		cache:  cache,
		mgr:    mgr,
		log:    log,
	}, nil
}

// Close releases the durable substrate.
func (c *Client) Close() error {
	return c.db.Close()
}

// Keys exposes the key/session store.
func (c *Client) Keys() *keystore.Store { return c.keys }

// Messages exposes the local message cache.
func (c *Client) Messages() *msgcache.Cache { return c.cache }

// Provision generates the identity key pair and registration id on
// first use. It is idempotent: an already provisioned client is left
// untouched.
func (c *Client) Provision(ctx context.Context) error {
	if _, err := c.keys.IdentityKeyPair(ctx); err == nil {
		return nil
	}

	pair, err := engine.GenerateIdentity()
	if err != nil {
		return err
	}
	regID, err := engine.GenerateRegistrationID()
	if err != nil {
		return err
	}
	if err := c.keys.StoreIdentityKeyPair(ctx, pair); err != nil {
		return err
	}
	if err := c.keys.StoreRegistrationID(ctx, regID); err != nil {
		return err
	}

	c.log.Info("provisioned identity",
		zap.String("user", c.userID),
		zap.String("fingerprint", engine.Fingerprint(pair.DHPub.Slice())))
	return nil
}

// GeneratePreKeys creates count one-time prekeys with ids start,
// start+1, ... and stores them.
func (c *Client) GeneratePreKeys(ctx context.Context, start uint32, count int) error {
	for i := 0; i < count; i++ {
		rec, err := engine.NewPreKey(start + uint32(i))
		if err != nil {
			return err
		}
		if err := c.keys.StorePreKey(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// RotateSignedPreKey issues a fresh signed prekey with the given id.
// Older signed prekeys stay available for in-flight handshakes until
// PruneSignedPreKeys removes them.
func (c *Client) RotateSignedPreKey(ctx context.Context, id uint32) error {
	pair, err := c.keys.IdentityKeyPair(ctx)
	if err != nil {
		return err
	}
	rec, err := engine.NewSignedPreKey(id, pair)
	if err != nil {
		return err
	}
	return c.keys.StoreSignedPreKey(ctx, rec)
}

// PruneSignedPreKeys removes signed prekeys older than maxAge, always
// keeping the newest one.
func (c *Client) PruneSignedPreKeys(ctx context.Context, maxAge time.Duration) error {
	recs, err := c.keys.SignedPreKeys(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	for i, rec := range recs {
		if i == 0 {
			continue // newest
		}
		if rec.CreatedAt < cutoff {
			if err := c.keys.RemoveSignedPreKey(ctx, rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// PreKeyBundle assembles this user's publishable bundle from local key
// material. One one-time prekey is attached when available; nothing is
// consumed locally.
func (c *Client) PreKeyBundle(ctx context.Context) (*PreKeyBundle, error) {
	pair, err := c.keys.IdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	regID, err := c.keys.RegistrationID(ctx)
	if err != nil {
		return nil, err
	}

	signed, err := c.keys.SignedPreKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(signed) == 0 {
		return nil, fmt.Errorf("sealchat: no signed prekey; rotate one first")
	}
	newest := signed[0]

	bundle := &PreKeyBundle{
		IdentityKey:    pair.DHPub.Slice(),
		SigningKey:     pair.SigningPub,
		RegistrationID: regID,
		SignedPreKey: &SignedPreKeyPublic{
			ID:        newest.ID,
			PublicKey: newest.Pub.Slice(),
			Signature: newest.Signature,
		},
	}

	ids, err := c.keys.PreKeyIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		rec, err := c.keys.LoadPreKey(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		bundle.PreKey = &OneTimePreKeyPublic{ID: rec.ID, PublicKey: rec.Pub.Slice()}
	}
	return bundle, nil
}

// CreateSession bootstraps a session with a peer from its prekey
// bundle.
func (c *Client) CreateSession(ctx context.Context, peerAddress string, bundle *PreKeyBundle) error {
	return c.mgr.CreateSession(ctx, peerAddress, bundle)
}

// Encrypt encrypts plaintext for a peer and returns the transport
// shape.
func (c *Client) Encrypt(ctx context.Context, peerID, plaintext string) (Encrypted, error) {
	return c.mgr.EncryptMessage(ctx, peerID, plaintext)
}

// Decrypt decrypts an incoming message from a peer.
func (c *Client) Decrypt(ctx context.Context, peerID string, incoming Encrypted) (string, error) {
	return c.mgr.DecryptMessage(ctx, peerID, incoming)
}

// HasSession reports whether a session exists with the peer.
func (c *Client) HasSession(ctx context.Context, peerID string) (bool, error) {
	return c.mgr.HasSession(ctx, peerID)
}

// ResetSession removes the sessions with every device of the peer. The
// next exchange bootstraps fresh ratchet state.
func (c *Client) ResetSession(ctx context.Context, peerID string) error {
	c.log.Info("session reset", zap.String("peer", peerID))
	return c.mgr.RemoveSessionWith(ctx, peerID)
}
