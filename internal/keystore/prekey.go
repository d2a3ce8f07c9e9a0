package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sealchat/internal/engine"
)

func preKeyKey(id uint32) string       { return prefixPreKey + strconv.FormatUint(uint64(id), 10) }
func signedPreKeyKey(id uint32) string { return prefixSignedKey + strconv.FormatUint(uint64(id), 10) }

// StorePreKey persists a one-time prekey record.
func (s *Store) StorePreKey(ctx context.Context, rec *engine.PreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: marshal prekey: %w", err)
	}
	return s.kv.Put(ctx, preKeyKey(rec.ID), data)
}

// LoadPreKey returns the one-time prekey with the given id, or
// ErrNotFound.
func (s *Store) LoadPreKey(ctx context.Context, id uint32) (*engine.PreKeyRecord, error) {
	data, ok, err := s.kv.Get(ctx, preKeyKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: prekey %d", ErrNotFound, id)
	}
	var rec engine.PreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal prekey %d: %w", id, err)
	}
	return &rec, nil
}

// RemovePreKey deletes a one-time prekey record.
func (s *Store) RemovePreKey(ctx context.Context, id uint32) error {
	return s.kv.Delete(ctx, preKeyKey(id))
}

// TakePreKey loads and deletes a one-time prekey as one atomic step,
// so a prekey can never serve two handshakes. ok is false when the
// prekey is already gone.
func (s *Store) TakePreKey(ctx context.Context, id uint32) (*engine.PreKeyRecord, bool, error) {
	storageKey := preKeyKey(id)
	unlock := s.lock(storageKey)
	defer unlock()

	data, ok, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var rec engine.PreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("keystore: unmarshal prekey %d: %w", id, err)
	}
	if err := s.kv.Delete(ctx, storageKey); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// PreKeyIDs returns the ids of all stored one-time prekeys in
// ascending order.
func (s *Store) PreKeyIDs(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := s.kv.Iterate(ctx, func(key string, _ []byte) (bool, error) {
		if !strings.HasPrefix(key, prefixPreKey) {
			return true, nil
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(key, prefixPreKey), 10, 32)
		if err != nil {
			return false, fmt.Errorf("keystore: bad prekey key %q: %w", key, err)
		}
		ids = append(ids, uint32(id))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// StoreSignedPreKey persists a signed prekey record.
func (s *Store) StoreSignedPreKey(ctx context.Context, rec *engine.SignedPreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: marshal signed prekey: %w", err)
	}
	return s.kv.Put(ctx, signedPreKeyKey(rec.ID), data)
}

// SignedPreKey returns the signed prekey with the given id, or
// ErrNotFound.
func (s *Store) SignedPreKey(ctx context.Context, id uint32) (*engine.SignedPreKeyRecord, error) {
	data, ok, err := s.kv.Get(ctx, signedPreKeyKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrNotFound, id)
	}
	var rec engine.SignedPreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal signed prekey %d: %w", id, err)
	}
	return &rec, nil
}

// RemoveSignedPreKey deletes a signed prekey record.
func (s *Store) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	return s.kv.Delete(ctx, signedPreKeyKey(id))
}

// SignedPreKeys returns all stored signed prekey records, newest
// first.
func (s *Store) SignedPreKeys(ctx context.Context) ([]*engine.SignedPreKeyRecord, error) {
	var recs []*engine.SignedPreKeyRecord
	err := s.kv.Iterate(ctx, func(key string, value []byte) (bool, error) {
		if !strings.HasPrefix(key, prefixSignedKey) {
			return true, nil
		}
		var rec engine.SignedPreKeyRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return false, fmt.Errorf("keystore: unmarshal signed prekey %q: %w", key, err)
		}
		recs = append(recs, &rec)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt > recs[j].CreatedAt
		}
		return recs[i].ID > recs[j].ID
	})
	return recs, nil
}
