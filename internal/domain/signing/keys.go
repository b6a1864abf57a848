package signing

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

var ErrKeyNotFound = errors.New("public key not found")

// KeyResolver maps a signer and key id to public key material. ErrKeyNotFound
// makes one signature invalid; any other error aborts verification.
type KeyResolver interface {
	ResolveKey(ctx context.Context, signer, keyID string) (crypto.PublicKey, error)
}

// KeyID returns the identifier enact uses for pub: its SHA256 fingerprint.
func KeyID(pub crypto.PublicKey) (string, error) {
	key, err := asSSH(pub)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(key), nil
}

// StaticKeyring is an in-memory KeyResolver.
type StaticKeyring struct {
	mu       sync.RWMutex
	byKeyID  map[string]crypto.PublicKey
	bySigner map[string]crypto.PublicKey
}

func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{
		byKeyID:  make(map[string]crypto.PublicKey),
		bySigner: make(map[string]crypto.PublicKey),
	}
}

// Add registers pub under keyID and signer. Either may be empty.
func (k *StaticKeyring) Add(signer, keyID string, pub crypto.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if keyID != "" {
		k.byKeyID[keyID] = pub
	}
	if signer != "" {
		k.bySigner[signer] = pub
	}
}

func (k *StaticKeyring) ResolveKey(_ context.Context, signer, keyID string) (crypto.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if keyID != "" {
		if pub, ok := k.byKeyID[keyID]; ok {
			return pub, nil
		}
		return nil, fmt.Errorf("%w: key id %q", ErrKeyNotFound, keyID)
	}
	if pub, ok := k.bySigner[signer]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: signer %q", ErrKeyNotFound, signer)
}

// DirKeyring resolves keys from a directory of OpenSSH authorized-key files
// named <signer>.pub. A key matches a key id by fingerprint or by comment.
type DirKeyring struct {
	dir string
}

func NewDirKeyring(dir string) *DirKeyring {
	return &DirKeyring{dir: dir}
}

type dirKey struct {
	signer      string
	comment     string
	fingerprint string
	key         ssh.PublicKey
}

func (d *DirKeyring) ResolveKey(ctx context.Context, signer, keyID string) (crypto.PublicKey, error) {
	keys, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if keyID != "" {
			if k.fingerprint == keyID || (k.comment != "" && k.comment == keyID) {
				return k.key, nil
			}
			continue
		}
		if k.signer == signer {
			return k.key, nil
		}
	}
	if keyID != "" {
		return nil, fmt.Errorf("%w: key id %q in %s", ErrKeyNotFound, keyID, d.dir)
	}
	return nil, fmt.Errorf("%w: signer %q in %s", ErrKeyNotFound, signer, d.dir)
}

// Fingerprints lists fingerprint → signer for every key in the directory.
func (d *DirKeyring) Fingerprints(ctx context.Context) (map[string]string, error) {
	keys, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k.fingerprint] = k.signer
	}
	return out, nil
}

func (d *DirKeyring) load(ctx context.Context) ([]dirKey, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring %s: %w", d.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []dirKey
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", e.Name(), err)
		}
		signer := strings.TrimSuffix(e.Name(), ".pub")
		out = append(out, parseAuthorizedKeys(signer, data)...)
	}
	return out, nil
}

// parseAuthorizedKeys skips malformed lines; a bad entry never hides the
// valid keys next to it.
func parseAuthorizedKeys(signer string, data []byte) []dirKey {
	var out []dirKey
	rest := data
	for len(rest) > 0 {
		pub, comment, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		out = append(out, dirKey{
			signer:      signer,
			comment:     comment,
			fingerprint: ssh.FingerprintSHA256(pub),
			key:         pub,
		})
		rest = next
	}
	return out
}
