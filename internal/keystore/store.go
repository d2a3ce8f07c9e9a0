// Package keystore is the durable key and session store: identity key
// pair, registration id, prekeys, signed prekeys, per-peer session
// records, and trusted identity fingerprints. It owns all private key
// material; nothing outside this package retains private bytes beyond
// a single call.
package keystore

import (
	"errors"
	"sync"

	"sealchat/internal/engine"
	"sealchat/internal/kvstore"
)

// ErrNotFound reports a lookup miss. For identity material this is the
// expected "not yet provisioned" state, not a failure.
var ErrNotFound = errors.New("keystore: not found")

// Storage keys within the partition.
const (
	keyIdentity       = "identity"
	keyRegistrationID = "registration-id"
	prefixPreKey      = "prekey/"
	prefixSignedKey   = "signed-prekey/"
	prefixSession     = "session/"
	prefixTrust       = "trust/"
)

// Store is the key/session store for one local user, backed by a
// kvstore partition. Every mutating call commits durably before
// returning. Operations that read-then-write a single key run under a
// per-key lock so they are atomic with respect to other operations on
// that key; operations on different keys interleave freely.
type Store struct {
	kv *kvstore.Partition

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Hot cache for identity material only. Sessions and prekeys are
	// always re-read from the substrate: stale ratchet state after a
	// crash could replay or skip a ratchet step.
	cacheMu         sync.RWMutex
	identity        *engine.IdentityKeyPair
	registration    uint32
	hasRegistration bool
}

// Compile-time interface check: the store serves responder-side
// prekey lookups during session bootstrap.
var _ engine.PreKeySource = (*Store)(nil)

// New returns a key store over the given partition.
func New(kv *kvstore.Partition) *Store {
	return &Store{kv: kv, locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for a single storage key and returns its
// release func.
func (s *Store) lock(key string) func() {
	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}
