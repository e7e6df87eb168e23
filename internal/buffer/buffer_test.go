package buffer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/pathscope/pathscope/internal/db"
)

func testStore(t *testing.T) db.Store {
	t.Helper()
	store, err := db.NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	return store
}

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return key
}

func TestHostKeyCallback_UnknownHost(t *testing.T) {
	store := testStore(t)
	key := testHostKey(t)

	cb := hostKeyCallback(store, false)
	err := cb("scanner01:22", nil, key)
	if !errors.Is(err, ErrHostUnknown) {
		t.Fatalf("unknown host without trust should fail, got %v", err)
	}
}

func TestHostKeyCallback_TrustOnFirstUse(t *testing.T) {
	store := testStore(t)
	key := testHostKey(t)

	cb := hostKeyCallback(store, true)
	if err := cb("scanner01:22", nil, key); err != nil {
		t.Fatalf("trusting a new host should pin its key, got %v", err)
	}
	stored, err := store.GetKnownHostKey("scanner01:22")
	if err != nil {
		t.Fatalf("GetKnownHostKey: %v", err)
	}
	if stored != strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) {
		t.Fatalf("pinned key mismatch")
	}

	// Second contact with the same key verifies without trust.
	strict := hostKeyCallback(store, false)
	if err := strict("scanner01:22", nil, key); err != nil {
		t.Fatalf("pinned host should verify, got %v", err)
	}
}

func TestHostKeyCallback_ChangedKey(t *testing.T) {
	store := testStore(t)
	cb := hostKeyCallback(store, true)
	if err := cb("scanner01:22", nil, testHostKey(t)); err != nil {
		t.Fatalf("pin: %v", err)
	}

	// Even with trust enabled, a differing key must be rejected.
	err := cb("scanner01:22", nil, testHostKey(t))
	if !errors.Is(err, ErrHostKeyChanged) {
		t.Fatalf("changed key should be rejected, got %v", err)
	}
}

func TestAuthMethods_Validation(t *testing.T) {
	if _, err := authMethods(Options{}); err == nil {
		t.Fatalf("no credentials should error")
	}
	methods, err := authMethods(Options{Password: "hunter2"})
	if err != nil {
		t.Fatalf("password auth: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("expected one auth method")
	}
	if _, err := authMethods(Options{KeyPath: "/nonexistent/id_ed25519"}); err == nil {
		t.Fatalf("missing key file should error")
	}
}

func TestConnect_Validation(t *testing.T) {
	store := testStore(t)
	if _, err := Connect(store, Options{User: "scan"}); err == nil {
		t.Fatalf("missing host should error")
	}
	if _, err := Connect(store, Options{Host: "scanner01"}); err == nil {
		t.Fatalf("missing user should error")
	}
}
