package signing

import (
	"context"
	"crypto"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeKeyDir(t *testing.T, keys map[string]crypto.PublicKey) string {
	t.Helper()
	dir := t.TempDir()
	for signer, pub := range keys {
		sshPub, err := ssh.NewPublicKey(pub)
		if err != nil {
			t.Fatalf("NewPublicKey: %v", err)
		}
		line := ssh.MarshalAuthorizedKey(sshPub)
		if err := os.WriteFile(filepath.Join(dir, signer+".pub"), line, 0o600); err != nil {
			t.Fatalf("write key: %v", err)
		}
	}
	return dir
}

func TestStaticKeyring(t *testing.T) {
	t.Parallel()

	ada := newTestSigner(t, "ada")
	k := keyringFor(ada)

	if _, err := k.ResolveKey(context.Background(), "ada", "ada-key"); err != nil {
		t.Errorf("by key id: %v", err)
	}
	if _, err := k.ResolveKey(context.Background(), "ada", ""); err != nil {
		t.Errorf("by signer: %v", err)
	}
	if _, err := k.ResolveKey(context.Background(), "ada", "other"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for unknown key id, got %v", err)
	}
}

func TestDirKeyring_ResolvesByFingerprintAndSigner(t *testing.T) {
	t.Parallel()

	ada := newTestSigner(t, "ada")
	dir := writeKeyDir(t, map[string]crypto.PublicKey{"ada": ada.pub})
	k := NewDirKeyring(dir)

	fp, err := KeyID(ada.pub)
	if err != nil {
		t.Fatalf("KeyID: %v", err)
	}
	if _, err := k.ResolveKey(context.Background(), "", fp); err != nil {
		t.Errorf("by fingerprint: %v", err)
	}
	if _, err := k.ResolveKey(context.Background(), "ada", ""); err != nil {
		t.Errorf("by signer: %v", err)
	}
	if _, err := k.ResolveKey(context.Background(), "bob", ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	prints, err := k.Fingerprints(context.Background())
	if err != nil || prints[fp] != "ada" {
		t.Errorf("expected fingerprint listing, got %v, %v", prints, err)
	}
}

func TestDirKeyring_MissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	k := NewDirKeyring(filepath.Join(t.TempDir(), "nope"))
	if _, err := k.ResolveKey(context.Background(), "ada", ""); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDirKeyring_SkipsGarbage(t *testing.T) {
	t.Parallel()

	ada := newTestSigner(t, "ada")
	dir := writeKeyDir(t, map[string]crypto.PublicKey{"ada": ada.pub})
	if err := os.WriteFile(filepath.Join(dir, "junk.pub"), []byte("not a key\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewDirKeyring(dir).ResolveKey(context.Background(), "ada", ""); err != nil {
		t.Fatalf("garbage file must not break resolution: %v", err)
	}
}
