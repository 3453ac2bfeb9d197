package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureRSAKeyPairGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "rsa_private.pem")
	publicPath := filepath.Join(dir, "rsa_public.pem")

	generated, err := EnsureRSAKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	info, err := os.Stat(privatePath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("private key permissions: got %o want 600", perm)
	}

	reloaded, err := EnsureRSAKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("reload keypair: %v", err)
	}
	if generated.D.Cmp(reloaded.D) != 0 {
		t.Fatal("reload produced a different private key")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key := generateTestKey(t)

	pemText := EncodePublicKeyPEM(&key.PublicKey)
	parsed, err := ParsePublicKeyPEM(pemText)
	if err != nil {
		t.Fatalf("parse public PEM: %v", err)
	}
	if parsed.N.Cmp(key.PublicKey.N) != 0 || parsed.E != key.PublicKey.E {
		t.Fatal("public key round trip mismatch")
	}

	if _, err := ParsePublicKeyPEM("not a pem"); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("a1b2c3d4e5")
	want := "A1B2 C3D4 E5"
	if got != want {
		t.Fatalf("format fingerprint: got %q want %q", got, want)
	}

	if FormatFingerprint("") != "" {
		t.Fatal("empty fingerprint should format to empty string")
	}
}
