package keystore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"sealchat/internal/engine"
)

// StoreIdentityKeyPair persists the local identity key pair.
func (s *Store) StoreIdentityKeyPair(ctx context.Context, pair *engine.IdentityKeyPair) error {
	unlock := s.lock(keyIdentity)
	defer unlock()

	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("keystore: marshal identity: %w", err)
	}
	if err := s.kv.Put(ctx, keyIdentity, data); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.identity = pair
	s.cacheMu.Unlock()
	return nil
}

// IdentityKeyPair returns the local identity key pair, or ErrNotFound
// when the device has not been provisioned yet.
func (s *Store) IdentityKeyPair(ctx context.Context) (*engine.IdentityKeyPair, error) {
	s.cacheMu.RLock()
	cached := s.identity
	s.cacheMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	data, ok, err := s.kv.Get(ctx, keyIdentity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: identity key pair", ErrNotFound)
	}

	var pair engine.IdentityKeyPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal identity: %w", err)
	}

	s.cacheMu.Lock()
	s.identity = &pair
	s.cacheMu.Unlock()
	return &pair, nil
}

// StoreRegistrationID persists the local registration id.
func (s *Store) StoreRegistrationID(ctx context.Context, id uint32) error {
	unlock := s.lock(keyRegistrationID)
	defer unlock()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	if err := s.kv.Put(ctx, keyRegistrationID, buf[:]); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.registration = id
	s.hasRegistration = true
	s.cacheMu.Unlock()
	return nil
}

// RegistrationID returns the local registration id, or ErrNotFound
// when the device has not been provisioned yet.
func (s *Store) RegistrationID(ctx context.Context) (uint32, error) {
	s.cacheMu.RLock()
	if s.hasRegistration {
		id := s.registration
		s.cacheMu.RUnlock()
		return id, nil
	}
	s.cacheMu.RUnlock()

	data, ok, err := s.kv.Get(ctx, keyRegistrationID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: registration id", ErrNotFound)
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("keystore: registration id is %d bytes", len(data))
	}
	id := binary.BigEndian.Uint32(data)

	s.cacheMu.Lock()
	s.registration = id
	s.hasRegistration = true
	s.cacheMu.Unlock()
	return id, nil
}

// IsTrustedIdentity reports whether candidate is trusted for peerID.
// An unknown peer is trusted on first use; a known peer is trusted
// only when the candidate matches the stored key bit for bit.
func (s *Store) IsTrustedIdentity(ctx context.Context, peerID string, candidate []byte) (bool, error) {
	stored, ok, err := s.kv.Get(ctx, prefixTrust+peerID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return bytes.Equal(stored, candidate), nil
}

// SaveIdentity records key as the trusted identity for peerID. It
// returns true when the call replaced a different existing key: a
// security-relevant identity change the caller must surface for
// explicit re-verification. A first save or an unchanged resave
// returns false.
func (s *Store) SaveIdentity(ctx context.Context, peerID string, key []byte) (bool, error) {
	storageKey := prefixTrust + peerID
	unlock := s.lock(storageKey)
	defer unlock()

	stored, ok, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		return false, err
	}
	if ok && bytes.Equal(stored, key) {
		return false, nil
	}
	if err := s.kv.Put(ctx, storageKey, key); err != nil {
		return false, err
	}
	return ok, nil
}
