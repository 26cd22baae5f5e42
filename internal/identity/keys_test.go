package identity_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/decisionlog/internal/identity"
)

func TestKeyManager_Create(t *testing.T) {
	dir := t.TempDir()
	km := identity.NewKeyManager(dir)

	if err := km.Create(); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for _, name := range []string{"signing.key", "signing.pub"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if km.PrivateKey() == nil || km.PublicKey() == nil {
		t.Fatal("keys not active after Create()")
	}

	pub, err := identity.LoadPublicKey(km.PublicKeyPath())
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(km.PublicKey()) {
		t.Error("public key file does not match the active key")
	}
}

func TestKeyManager_LoadOrCreate_reloads(t *testing.T) {
	dir := t.TempDir()
	first := identity.NewKeyManager(dir)
	if err := first.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	second := identity.NewKeyManager(dir)
	if err := second.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if !first.PublicKey().Equal(second.PublicKey()) {
		t.Error("LoadOrCreate generated a new key instead of reloading")
	}
	if identity.KeyID(first.PublicKey()) != identity.KeyID(second.PublicKey()) {
		t.Error("key id is not stable")
	}
}

func TestKeyManager_LoadOrCreate_corruptKey(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "signing.key"), []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := identity.NewKeyManager(dir).LoadOrCreate(); err == nil {
		t.Error("expected an error instead of silently replacing a corrupt key")
	}
}

func TestSigner_roundTrip(t *testing.T) {
	km := identity.NewKeyManager(t.TempDir())
	if _, err := km.Signer(); !errors.Is(err, identity.ErrNoKey) {
		t.Errorf("expected ErrNoKey before Create, got %v", err)
	}
	if err := km.Create(); err != nil {
		t.Fatal(err)
	}
	s, err := km.Signer()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.KeyID()) != 16 {
		t.Errorf("key id %q, want 16 hex chars", s.KeyID())
	}

	msg := []byte(`{"files":[]}`)
	sig := s.Sign(msg)
	if err := identity.VerifySignature(s.PublicKey(), msg, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := identity.VerifySignature(s.PublicKey(), []byte(`{"files":[1]}`), sig); !errors.Is(err, identity.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
	if err := identity.VerifySignature(s.PublicKey(), msg, "!!"); !errors.Is(err, identity.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for bad hex, got %v", err)
	}
}
