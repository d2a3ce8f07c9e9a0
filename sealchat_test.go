package sealchat_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sealchat"
	"sealchat/internal/engine"
)

func openClient(t *testing.T, dbPath, userID string) *sealchat.Client {
	t.Helper()
	c, err := sealchat.Open(sealchat.Config{UserID: userID, DBPath: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// provision sets up a full publishable identity for the client.
func provision(t *testing.T, c *sealchat.Client) {
	t.Helper()
	ctx := context.Background()
	if err := c.Provision(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.RotateSignedPreKey(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.GeneratePreKeys(ctx, 100, 3); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRequiresUserID(t *testing.T) {
	if _, err := sealchat.Open(sealchat.Config{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	c := openClient(t, dbPath, "alice")
	provision(t, c)
	b1, err := c.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Provision(ctx); err != nil {
		t.Fatal(err)
	}
	b2, err := c.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sealchat.Fingerprint(b1.IdentityKey) != sealchat.Fingerprint(b2.IdentityKey) {
		t.Fatal("re-provisioning must not replace the identity key")
	}
	c.Close()

	// Identity survives reopen.
	c2 := openClient(t, dbPath, "alice")
	b3, err := c2.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sealchat.Fingerprint(b1.IdentityKey) != sealchat.Fingerprint(b3.IdentityKey) {
		t.Fatal("identity must survive reopen")
	}
}

func TestPreKeyBundleAssembly(t *testing.T) {
	ctx := context.Background()
	c := openClient(t, filepath.Join(t.TempDir(), "chat.db"), "alice")
	provision(t, c)

	b, err := c.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b.SignedPreKey == nil || b.SignedPreKey.ID != 1 {
		t.Fatalf("bundle should carry signed prekey 1, got %+v", b.SignedPreKey)
	}
	if b.PreKey == nil || b.PreKey.ID != 100 {
		t.Fatalf("bundle should carry one-time prekey 100, got %+v", b.PreKey)
	}
	if b.RegistrationID == 0 {
		t.Fatal("bundle should carry a registration id")
	}

	// Assembly does not consume the one-time prekey.
	b2, err := c.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b2.PreKey == nil || b2.PreKey.ID != 100 {
		t.Fatalf("one-time prekey should still be 100, got %+v", b2.PreKey)
	}

	// A rotated signed prekey becomes the published one.
	if err := c.RotateSignedPreKey(ctx, 2); err != nil {
		t.Fatal(err)
	}
	b3, err := c.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b3.SignedPreKey.ID != 2 {
		t.Fatalf("bundle should carry the newest signed prekey, got %d", b3.SignedPreKey.ID)
	}
}

func TestExchange(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	alice := openClient(t, dbPath, "alice")
	bob := openClient(t, dbPath, "bob")
	provision(t, alice)
	provision(t, bob)

	bundle, err := bob.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.CreateSession(ctx, "bob", bundle); err != nil {
		t.Fatal(err)
	}

	enc, err := alice.Encrypt(ctx, "bob", "hi bob")
	if err != nil {
		t.Fatal(err)
	}
	if enc.Kind != sealchat.KindPreKey {
		t.Fatalf("first message should be prekey-form, got %v", enc.Kind)
	}
	pt, err := bob.Decrypt(ctx, "alice", enc)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "hi bob" {
		t.Fatalf("got %q", pt)
	}

	reply, err := bob.Encrypt(ctx, "alice", "hi alice")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Kind != sealchat.KindOrdinary {
		t.Fatalf("reply should be ordinary, got %v", reply.Kind)
	}
	if pt, err := alice.Decrypt(ctx, "bob", reply); err != nil || pt != "hi alice" {
		t.Fatalf("got %q, %v", pt, err)
	}

	// Both sides cache their view of the conversation.
	msg := sealchat.NewMessage("alice", "bob", "hi bob")
	if err := alice.Messages().SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	got, err := alice.Messages().GetMessages(ctx, "alice", "bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "hi bob" {
		t.Fatalf("cached conversation wrong: %+v", got)
	}

	// Bob's cache is a separate partition in the same database.
	if got, err := bob.Messages().GetMessages(ctx, "alice", "bob", 10); err != nil || len(got) != 0 {
		t.Fatalf("bob's cache should be empty, got %v, %v", got, err)
	}
}

func TestResetSession(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	alice := openClient(t, dbPath, "alice")
	bob := openClient(t, dbPath, "bob")
	provision(t, alice)
	provision(t, bob)

	bundle, err := bob.PreKeyBundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.CreateSession(ctx, "bob", bundle); err != nil {
		t.Fatal(err)
	}
	if ok, _ := alice.HasSession(ctx, "bob"); !ok {
		t.Fatal("expected session")
	}

	if err := alice.ResetSession(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := alice.HasSession(ctx, "bob"); ok {
		t.Fatal("session should be gone after reset")
	}
	if _, err := alice.Encrypt(ctx, "bob", "x"); !errors.Is(err, sealchat.ErrNoSession) {
		t.Fatalf("expected ErrNoSession after reset, got %v", err)
	}
}

func TestPruneSignedPreKeys(t *testing.T) {
	ctx := context.Background()
	c := openClient(t, filepath.Join(t.TempDir(), "chat.db"), "alice")
	if err := c.Provision(ctx); err != nil {
		t.Fatal(err)
	}

	pair, err := c.Keys().IdentityKeyPair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	old, err := engine.NewSignedPreKey(1, pair)
	if err != nil {
		t.Fatal(err)
	}
	old.CreatedAt = time.Now().Add(-48 * time.Hour).Unix()
	if err := c.Keys().StoreSignedPreKey(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := c.RotateSignedPreKey(ctx, 2); err != nil {
		t.Fatal(err)
	}

	if err := c.PruneSignedPreKeys(ctx, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	recs, err := c.Keys().SignedPreKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != 2 {
		t.Fatalf("expected only signed prekey 2 to survive, got %+v", recs)
	}

	// The newest key is kept even when older than maxAge.
	if err := c.PruneSignedPreKeys(ctx, time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	if recs, _ := c.Keys().SignedPreKeys(ctx); len(recs) != 1 {
		t.Fatal("newest signed prekey must never be pruned")
	}
}
