package environment

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// defaultSecretSeed keeps a local store readable when ENACT_SECRET_KEY is
// unset. It must stay stable across releases.
const defaultSecretSeed = "enact-local-env-store-v1"

var ErrCiphertext = errors.New("managed value cannot be decrypted")

// Sealer encrypts managed values. The namespace and name are bound as
// associated data so a value cannot be moved to another variable.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(secret string) (*Sealer, error) {
	seed := strings.TrimSpace(secret)
	if seed == "" {
		seed = defaultSecretSeed
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(seed), []byte("enact/package_env"), []byte("xchacha20poly1305 v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive env key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(namespace, name, plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), associated(namespace, name))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(namespace, name, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext is too short", ErrCiphertext)
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, associated(namespace, name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(plain), nil
}

func associated(namespace, name string) []byte {
	return []byte(namespace + "\x00" + name)
}
