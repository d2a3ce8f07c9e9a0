package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"sealchat/internal/engine"
	"sealchat/internal/keystore"
	"sealchat/internal/kvstore"
)

type party struct {
	store *keystore.Store
	mgr   *Manager
}

// newParty provisions a full local user: identity, registration id,
// one signed prekey, and one one-time prekey.
func newParty(t *testing.T) *party {
	t.Helper()
	ctx := context.Background()

	db, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := keystore.New(db.Partition("keys:test"))

	pair, err := engine.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StoreIdentityKeyPair(ctx, pair); err != nil {
		t.Fatal(err)
	}
	regID, err := engine.GenerateRegistrationID()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StoreRegistrationID(ctx, regID); err != nil {
		t.Fatal(err)
	}
	spk, err := engine.NewSignedPreKey(1, pair)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StoreSignedPreKey(ctx, spk); err != nil {
		t.Fatal(err)
	}
	opk, err := engine.NewPreKey(10)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.StorePreKey(ctx, opk); err != nil {
		t.Fatal(err)
	}

	return &party{store: store, mgr: New(store, engine.New(), nil)}
}

// bundle assembles the party's publishable prekey bundle.
func (p *party) bundle(t *testing.T) *engine.PreKeyBundle {
	t.Helper()
	ctx := context.Background()

	pair, err := p.store.IdentityKeyPair(ctx)
	if err != nil {
		t.Fatal(err)
	}
	regID, err := p.store.RegistrationID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	spk, err := p.store.SignedPreKey(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	b := &engine.PreKeyBundle{
		IdentityKey:    pair.DHPub.Slice(),
		SigningKey:     pair.SigningPub,
		RegistrationID: regID,
		SignedPreKey: &engine.SignedPreKeyPublic{
			ID:        spk.ID,
			PublicKey: spk.Pub.Slice(),
			Signature: spk.Signature,
		},
	}
	if opk, err := p.store.LoadPreKey(ctx, 10); err == nil {
		b.PreKey = &engine.OneTimePreKeyPublic{ID: opk.ID, PublicKey: opk.Pub.Slice()}
	}
	return b
}

func TestCreateSessionThenHasSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	if err := alice.mgr.CreateSession(ctx, "bob", bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	ok, err := alice.mgr.HasSession(ctx, "bob")
	if err != nil || !ok {
		t.Fatalf("has session: ok=%v err=%v", ok, err)
	}
}

func TestMalformedBundles(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	cases := []struct {
		name   string
		mutate func(*engine.PreKeyBundle)
		field  string
	}{
		{"nil bundle", nil, "bundle"},
		{"missing identity key", func(b *engine.PreKeyBundle) { b.IdentityKey = nil }, "identity key"},
		{"missing signing key", func(b *engine.PreKeyBundle) { b.SigningKey = nil }, "signing key"},
		{"missing registration id", func(b *engine.PreKeyBundle) { b.RegistrationID = 0 }, "registration id"},
		{"missing signed prekey", func(b *engine.PreKeyBundle) { b.SignedPreKey = nil }, "signed prekey"},
		{"missing signature", func(b *engine.PreKeyBundle) { b.SignedPreKey.Signature = nil }, "signed prekey signature"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b *engine.PreKeyBundle
			if tc.mutate != nil {
				b = bob.bundle(t)
				tc.mutate(b)
			}
			err := alice.mgr.CreateSession(ctx, "bob", b)
			var mbe *MalformedBundleError
			if !errors.As(err, &mbe) {
				t.Fatalf("expected MalformedBundleError, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q should name %q", err, tc.field)
			}
			if ok, _ := alice.mgr.HasSession(ctx, "bob"); ok {
				t.Fatal("no session record may exist after a malformed bundle")
			}
		})
	}
}

func TestEncryptWithoutSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)

	_, err := alice.mgr.EncryptMessage(ctx, "bob", "hello")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestDecryptOrdinaryWithoutSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)

	_, err := alice.mgr.DecryptMessage(ctx, "bob", Encrypted{Kind: KindOrdinary, Body: "x"})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	if err := alice.mgr.CreateSession(ctx, "bob", bob.bundle(t)); err != nil {
		t.Fatal(err)
	}

	enc, err := alice.mgr.EncryptMessage(ctx, "bob", "hello bob")
	if err != nil {
		t.Fatal(err)
	}
	if enc.Kind != KindPreKey {
		t.Fatalf("first message should be prekey-form, got %v", enc.Kind)
	}

	pt, err := bob.mgr.DecryptMessage(ctx, "alice", enc)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "hello bob" {
		t.Fatalf("got %q", pt)
	}

	// Decryption established bob's session and consumed his prekey.
	if ok, _ := bob.mgr.HasSession(ctx, "alice"); !ok {
		t.Fatal("bob should have a session after decrypting a prekey message")
	}
	if _, err := bob.store.LoadPreKey(ctx, 10); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("one-time prekey should be consumed, got %v", err)
	}

	reply, err := bob.mgr.EncryptMessage(ctx, "alice", "hello alice")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Kind != KindOrdinary {
		t.Fatalf("reply should be ordinary, got %v", reply.Kind)
	}
	pt, err = alice.mgr.DecryptMessage(ctx, "bob", reply)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "hello alice" {
		t.Fatalf("got %q", pt)
	}

	// Later messages from alice are ordinary now.
	enc2, err := alice.mgr.EncryptMessage(ctx, "bob", "second")
	if err != nil {
		t.Fatal(err)
	}
	if enc2.Kind != KindOrdinary {
		t.Fatalf("expected ordinary, got %v", enc2.Kind)
	}
	if pt, err := bob.mgr.DecryptMessage(ctx, "alice", enc2); err != nil || pt != "second" {
		t.Fatalf("got %q, %v", pt, err)
	}
}

func TestLegacyRawStringIsPreKeyForm(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	if err := alice.mgr.CreateSession(ctx, "bob", bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	enc, err := alice.mgr.EncryptMessage(ctx, "bob", "old wire format")
	if err != nil {
		t.Fatal(err)
	}

	pt, err := bob.mgr.DecryptMessage(ctx, "alice", Legacy(enc.Body))
	if err != nil {
		t.Fatal(err)
	}
	if pt != "old wire format" {
		t.Fatalf("got %q", pt)
	}
}

func TestDecryptFailureIsTyped(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	if err := alice.mgr.CreateSession(ctx, "bob", bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	enc, err := alice.mgr.EncryptMessage(ctx, "bob", "secret")
	if err != nil {
		t.Fatal(err)
	}

	enc.Body = enc.Body[:len(enc.Body)/2]
	_, err = bob.mgr.DecryptMessage(ctx, "alice", enc)
	if !errors.Is(err, ErrDecryptFailure) {
		t.Fatalf("expected ErrDecryptFailure, got %v", err)
	}
}

func TestTrustChangedOnBundle(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	// Alice already trusts a different key for bob.
	other, err := engine.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.store.SaveIdentity(ctx, "bob", other.DHPub.Slice()); err != nil {
		t.Fatal(err)
	}

	err = alice.mgr.CreateSession(ctx, "bob", bob.bundle(t))
	if !errors.Is(err, ErrTrustChanged) {
		t.Fatalf("expected ErrTrustChanged, got %v", err)
	}
	if ok, _ := alice.mgr.HasSession(ctx, "bob"); ok {
		t.Fatal("no session may be created for an untrusted identity")
	}
}

func TestTrustChangedOnIncomingPreKeyMessage(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)
	bob := newParty(t)

	if err := alice.mgr.CreateSession(ctx, "bob", bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	enc, err := alice.mgr.EncryptMessage(ctx, "bob", "hi")
	if err != nil {
		t.Fatal(err)
	}

	// Bob already trusts a different key for alice.
	other, err := engine.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.store.SaveIdentity(ctx, "alice", other.DHPub.Slice()); err != nil {
		t.Fatal(err)
	}

	_, err = bob.mgr.DecryptMessage(ctx, "alice", enc)
	if !errors.Is(err, ErrTrustChanged) {
		t.Fatalf("expected ErrTrustChanged, got %v", err)
	}
	if ok, _ := bob.mgr.HasSession(ctx, "alice"); ok {
		t.Fatal("no session may be persisted for an untrusted identity")
	}
}

func TestRemoveSessionWithAllDevices(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t)

	for _, addr := range []string{"bob", "bob:1", "bob:2", "carol"} {
		if err := alice.store.StoreSession(ctx, addr, []byte("s")); err != nil {
			t.Fatal(err)
		}
	}
	if err := alice.mgr.RemoveSessionWith(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	for _, addr := range []string{"bob", "bob:1", "bob:2"} {
		if ok, _ := alice.mgr.HasSession(ctx, addr); ok {
			t.Fatalf("session %q should be removed", addr)
		}
	}
	if ok, _ := alice.mgr.HasSession(ctx, "carol"); !ok {
		t.Fatal("carol's session should survive")
	}
}

func TestEncryptedWireShape(t *testing.T) {
	data, err := json.Marshal(Encrypted{Kind: KindPreKey, Body: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"PreKeyMessage","body":"abc"}` {
		t.Fatalf("unexpected wire shape %s", data)
	}

	var e Encrypted
	if err := json.Unmarshal([]byte(`{"type":"OrdinaryMessage","body":"x"}`), &e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != KindOrdinary {
		t.Fatalf("got kind %v", e.Kind)
	}

	if err := json.Unmarshal([]byte(`{"type":"FutureMessage","body":"x"}`), &e); err == nil {
		t.Fatal("unknown kind must be rejected")
	}
}
