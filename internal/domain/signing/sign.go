package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

// Sign produces an ed25519 signature over the default covered fields of def.
func Sign(def *tool.Definition, signer, keyID string, role tool.Role, priv ed25519.PrivateKey) (tool.Signature, error) {
	msg, err := CanonicalBytes(def, tool.DefaultSignedFields)
	if err != nil {
		return tool.Signature{}, err
	}
	return tool.Signature{
		Signer:    signer,
		KeyID:     keyID,
		Algorithm: "ed25519",
		Role:      role,
		Created:   time.Now().UTC().Truncate(time.Second),
		Value:     base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)),
	}, nil
}

// SignSSH signs with an ssh.Signer, e.g. a key loaded from an OpenSSH
// private key file. The algorithm is the signer's wire format.
func SignSSH(def *tool.Definition, signerName string, role tool.Role, s ssh.Signer) (tool.Signature, error) {
	msg, err := CanonicalBytes(def, tool.DefaultSignedFields)
	if err != nil {
		return tool.Signature{}, err
	}
	sig, err := s.Sign(rand.Reader, msg)
	if err != nil {
		return tool.Signature{}, fmt.Errorf("sign: %w", err)
	}
	return tool.Signature{
		Signer:    signerName,
		KeyID:     ssh.FingerprintSHA256(s.PublicKey()),
		Algorithm: sig.Format,
		Role:      role,
		Created:   time.Now().UTC().Truncate(time.Second),
		Value:     base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
	}, nil
}
