package keystore

import (
	"context"
	"fmt"
)

// StoreSession persists an opaque session record keyed by the
// peer-device address (e.g. "alice" or "alice:2").
func (s *Store) StoreSession(ctx context.Context, address string, record []byte) error {
	return s.kv.Put(ctx, prefixSession+address, record)
}

// LoadSession returns the session record for the address, or
// ErrNotFound.
func (s *Store) LoadSession(ctx context.Context, address string) ([]byte, error) {
	data, ok, err := s.kv.Get(ctx, prefixSession+address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, address)
	}
	return data, nil
}

// HasSession reports whether a session record exists for the address.
func (s *Store) HasSession(ctx context.Context, address string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, prefixSession+address)
	return ok, err
}

// RemoveSession deletes the session record for one address.
func (s *Store) RemoveSession(ctx context.Context, address string) error {
	return s.kv.Delete(ctx, prefixSession+address)
}

// RemoveAllSessions deletes every session whose address starts with
// peerPrefix, covering all devices of a peer.
func (s *Store) RemoveAllSessions(ctx context.Context, peerPrefix string) error {
	return s.kv.DeletePrefix(ctx, prefixSession+peerPrefix)
}

// SessionLock acquires the per-address session lock and returns its
// release func. The session manager holds it across a full
// load-ratchet-persist sequence so a racing pair of operations on the
// same peer cannot interleave.
func (s *Store) SessionLock(address string) func() {
	return s.lock(prefixSession + address)
}
