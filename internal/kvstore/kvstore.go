// Package kvstore provides the durable substrate shared by the key
// store and the message cache: a SQLite-backed key-value store with
// named partitions, atomic batch writes, and forward cursor iteration.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding every partition of one local
// installation.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	partition TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (partition, key)
);
`

// DefaultDataDir returns the default data directory for sealchat
// databases. Uses $XDG_DATA_HOME/sealchat, falling back to
// ~/.local/share/sealchat.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "sealchat")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/sealchat/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("kvstore: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Partition returns a view over all entries whose partition column
// matches name. Partitions are namespaced per local user id by the
// caller, e.g. "keys:alice" or "messages:alice".
func (s *Store) Partition(name string) *Partition {
	return &Partition{db: s.db, name: name}
}

// Partition is a keyed slice of the store. All operations commit
// durably before returning.
type Partition struct {
	db   *sql.DB
	name string
}

// Entry is one key-value pair, used for batch writes and iteration.
type Entry struct {
	Key   string
	Value []byte
}

// Get returns the value for key, or ok=false if the key is absent.
func (p *Partition) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE partition = ? AND key = ?",
		p.name, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return value, true, nil
}

// Put upserts a single key.
func (p *Partition) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (partition, key, value) VALUES (?, ?, ?)",
		p.name, key, value,
	)
	if err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	return nil
}

// PutAll upserts every entry in one transaction. A concurrent reader
// observes either none or all of the batch.
func (p *Partition) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO kv (partition, key, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("kvstore: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, p.name, e.Key, e.Value); err != nil {
			return fmt.Errorf("kvstore: batch put %q: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit batch: %w", err)
	}
	return nil
}

// Delete removes a single key. Deleting an absent key is not an error.
func (p *Partition) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM kv WHERE partition = ? AND key = ?", p.name, key,
	)
	if err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return nil
}

// DeleteMany removes every listed key in one transaction.
func (p *Partition) DeleteMany(ctx context.Context, keys []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM kv WHERE partition = ? AND key = ?", p.name, key,
		); err != nil {
			return fmt.Errorf("kvstore: batch delete %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (p *Partition) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM kv WHERE partition = ? AND key >= ? AND key < ?",
		p.name, prefix, prefix+"￿",
	)
	if err != nil {
		return fmt.Errorf("kvstore: delete prefix %q: %w", prefix, err)
	}
	return nil
}

// Clear removes every entry in the partition.
func (p *Partition) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM kv WHERE partition = ?", p.name,
	)
	if err != nil {
		return fmt.Errorf("kvstore: clear: %w", err)
	}
	return nil
}

// Iterate walks all entries in ascending key order. The callback
// returns false to stop early. Values are only valid for the duration
// of the callback; copy them to retain.
func (p *Partition) Iterate(ctx context.Context, fn func(key string, value []byte) (bool, error)) error {
	rows, err := p.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE partition = ? ORDER BY key", p.name,
	)
	if err != nil {
		return fmt.Errorf("kvstore: iterate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("kvstore: iterate scan: %w", err)
		}
		cont, err := fn(key, value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("kvstore: iterate rows: %w", err)
	}
	return nil
}
