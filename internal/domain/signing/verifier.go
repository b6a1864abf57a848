package signing

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	ErrBadSignature      = errors.New("signature does not verify")
	ErrUnsupportedKey    = errors.New("public key type not supported by algorithm")
	ErrUnknownAlgorithm  = errors.New("unknown signature algorithm")
	ErrMalformedEncoding = errors.New("signature value is not valid base64")
)

// Verifier checks one signature algorithm.
type Verifier interface {
	Algorithms() []string
	Verify(pub crypto.PublicKey, message []byte, value string) error
}

// Ed25519Verifier verifies raw ed25519 signatures over the canonical bytes.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Algorithms() []string { return []string{"ed25519"} }

func (Ed25519Verifier) Verify(pub crypto.PublicKey, message []byte, value string) error {
	key, err := asEd25519(pub)
	if err != nil {
		return err
	}
	sig, err := decodeValue(value)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, message, sig) {
		return ErrBadSignature
	}
	return nil
}

func asEd25519(pub crypto.PublicKey) (ed25519.PublicKey, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return k, nil
	case *ed25519.PublicKey:
		return *k, nil
	case ssh.CryptoPublicKey:
		return asEd25519(k.CryptoPublicKey())
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// SSHVerifier verifies signatures produced by an ssh.Signer. The value is the
// base64 SSH wire encoding of the signature.
type SSHVerifier struct{}

func (SSHVerifier) Algorithms() []string {
	return []string{
		ssh.KeyAlgoED25519,
		ssh.KeyAlgoRSASHA256,
		ssh.KeyAlgoRSASHA512,
		ssh.KeyAlgoECDSA256,
		ssh.KeyAlgoECDSA384,
		ssh.KeyAlgoECDSA521,
	}
}

func (SSHVerifier) Verify(pub crypto.PublicKey, message []byte, value string) error {
	key, err := asSSH(pub)
	if err != nil {
		return err
	}
	raw, err := decodeValue(value)
	if err != nil {
		return err
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := key.Verify(message, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

func asSSH(pub crypto.PublicKey) (ssh.PublicKey, error) {
	if k, ok := pub.(ssh.PublicKey); ok {
		return k, nil
	}
	k, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return k, nil
}

func decodeValue(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if b, err := base64.StdEncoding.DecodeString(value); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrMalformedEncoding
	}
	return b, nil
}
