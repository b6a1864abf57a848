package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

const echoYAML = `name: org/echo
description: Echo a message
command: echo ${msg}
inputSchema:
  type: object
  properties:
    msg: {type: string}
`

type testSigner struct {
	name  string
	keyID string
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
}

func newTestSigner(t *testing.T, name string) testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return testSigner{name: name, keyID: name + "-key", pub: pub, priv: priv}
}

// signedTool parses raw, signs it with each signer under the given role and
// returns the re-parsed definition carrying every signature.
func signedTool(t *testing.T, raw string, signers []testSigner, roles []tool.Role) *tool.Definition {
	t.Helper()
	doc := []byte(raw)
	for i, s := range signers {
		def, err := tool.ParseYAML(doc)
		if err != nil {
			t.Fatalf("ParseYAML: %v", err)
		}
		sig, err := Sign(def, s.name, s.keyID, roles[i], s.priv)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		doc, err = tool.AppendSignature(doc, sig)
		if err != nil {
			t.Fatalf("AppendSignature: %v", err)
		}
	}
	def, err := tool.ParseYAML(doc)
	if err != nil {
		t.Fatalf("ParseYAML(signed): %v", err)
	}
	return def
}

func fingerprint(t *testing.T, s testSigner) string {
	t.Helper()
	id, err := KeyID(s.pub)
	if err != nil {
		t.Fatalf("KeyID: %v", err)
	}
	return id
}

func keyringFor(signers ...testSigner) *StaticKeyring {
	k := NewStaticKeyring()
	for _, s := range signers {
		k.Add(s.name, s.keyID, s.pub)
	}
	return k
}

func newTestEngine(keys KeyResolver) *Engine {
	return NewEngine(keys, zerolog.Nop())
}
