package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t)
	blob := []byte("hello hokipoki")

	env, err := v.Seal(blob)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := v.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, blob) {
		t.Fatalf("got %q want %q", opened, blob)
	}
}

func TestOpenSealOpenInvariant(t *testing.T) {
	// open(seal(open(e))) == open(e)
	v := newTestVault(t)
	blob := []byte("round trip invariant")
	env, err := v.Seal(blob)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	first, err := v.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	resealed, err := v.Seal(first)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	second, err := v.Open(resealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("got %q want %q", second, first)
	}
}

func TestKeyFileCreatedLazilyWithOwnerOnlyPerms(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Seal([]byte("x")); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	info, err := os.Stat(v.keyPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected perm 0600, got %o", perm)
	}
}

func TestOpenTamperedCiphertextFailsIntegrity(t *testing.T) {
	v := newTestVault(t)
	env, err := v.Seal([]byte("tamper me"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF

	if _, err := v.Open(env); err == nil {
		t.Fatalf("expected integrity failure")
	}
}

func TestStoreLoadDelete(t *testing.T) {
	v := newTestVault(t)

	got, err := v.Load("keycloak_token")
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing envelope, got %q", got)
	}

	if err := v.Store("keycloak_token", []byte("token-data")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err = v.Load("keycloak_token")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "token-data" {
		t.Fatalf("got %q want %q", got, "token-data")
	}

	if err := v.Delete("keycloak_token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = v.Load("keycloak_token")
	if err != nil {
		t.Fatalf("Load after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %q", got)
	}
}

func TestEnvelopePathsAreUnderHokipokiHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Store("tokens", []byte("[]")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	want := filepath.Join(home, ".hokipoki", "tokens.enc")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected envelope at %s: %v", want, err)
	}
}
