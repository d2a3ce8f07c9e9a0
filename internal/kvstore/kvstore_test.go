package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Fatal("directory should have been created")
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	p := tempStore(t).Partition("test")

	if _, ok, err := p.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}

	if err := p.Put(ctx, "a", []byte("one")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := p.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(v) != "one" {
		t.Fatalf("got %q", v)
	}

	// Upsert replaces.
	if err := p.Put(ctx, "a", []byte("two")); err != nil {
		t.Fatal(err)
	}
	v, _, _ = p.Get(ctx, "a")
	if string(v) != "two" {
		t.Fatalf("got %q after upsert", v)
	}

	if err := p.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.Get(ctx, "a"); ok {
		t.Fatal("key should be gone")
	}

	// Deleting an absent key is fine.
	if err := p.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
}

func TestPartitionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	p1 := s.Partition("one")
	p2 := s.Partition("two")

	if err := p1.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p2.Get(ctx, "k"); ok {
		t.Fatal("partition two should not see partition one's key")
	}

	if err := p1.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p1.Get(ctx, "k"); ok {
		t.Fatal("clear should remove the key")
	}
}

func TestPutAll(t *testing.T) {
	ctx := context.Background()
	p := tempStore(t).Partition("test")

	entries := []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}
	if err := p.PutAll(ctx, entries); err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		v, ok, err := p.Get(ctx, e.Key)
		if err != nil || !ok {
			t.Fatalf("missing %q: ok=%v err=%v", e.Key, ok, err)
		}
		if string(v) != string(e.Value) {
			t.Fatalf("key %q: got %q", e.Key, v)
		}
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	p := tempStore(t).Partition("test")

	for _, k := range []string{"session/peerX", "session/peerX:1", "session/peerX:2", "session/otherPeer"} {
		if err := p.Put(ctx, k, []byte("s")); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.DeletePrefix(ctx, "session/peerX"); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"session/peerX", "session/peerX:1", "session/peerX:2"} {
		if _, ok, _ := p.Get(ctx, k); ok {
			t.Fatalf("%q should be deleted", k)
		}
	}
	if _, ok, _ := p.Get(ctx, "session/otherPeer"); !ok {
		t.Fatal("other peer's key should survive")
	}
}

func TestIterateOrderAndStop(t *testing.T) {
	ctx := context.Background()
	p := tempStore(t).Partition("test")

	for _, k := range []string{"c", "a", "b"} {
		if err := p.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	var keys []string
	err := p.Iterate(ctx, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %v", keys)
	}

	// Early stop.
	keys = nil
	err = p.Iterate(ctx, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 visited key, got %v", keys)
	}
}
