package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/environment"
	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/signing"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
)

const echoYAML = `name: org/echo
description: Echo a message
command: echo ${msg}
inputSchema:
  type: object
  properties:
    msg: {type: string}
`

type signer struct {
	name string
	role tool.Role
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T, name string, role tool.Role) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return signer{name: name, role: role, pub: pub, priv: priv}
}

func signTool(t *testing.T, raw string, signers ...signer) *tool.Definition {
	t.Helper()
	doc := []byte(raw)
	for _, s := range signers {
		def, err := tool.ParseYAML(doc)
		if err != nil {
			t.Fatalf("ParseYAML: %v", err)
		}
		sig, err := signing.Sign(def, s.name, s.name+"-key", s.role, s.priv)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if doc, err = tool.AppendSignature(doc, sig); err != nil {
			t.Fatalf("AppendSignature: %v", err)
		}
	}
	def, err := tool.ParseYAML(doc)
	if err != nil {
		t.Fatalf("ParseYAML(signed): %v", err)
	}
	return def
}

func keyring(signers ...signer) *signing.StaticKeyring {
	k := signing.NewStaticKeyring()
	for _, s := range signers {
		k.Add(s.name, s.name+"-key", s.pub)
	}
	return k
}

// fakeProvider records calls and returns a canned outcome.
type fakeProvider struct {
	mu       sync.Mutex
	setups   int
	executes int
	cleanups int
	requests []execution.Request
	result   *execution.Result
	err      error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Setup(context.Context, *tool.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	return nil
}

func (f *fakeProvider) Execute(_ context.Context, req execution.Request) (*execution.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &execution.Result{Success: true, Attempts: 1, Output: execution.Output{Stdout: "ok\n"}}, nil
}

func (f *fakeProvider) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeProvider) counts() (setups, executes, cleanups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setups, f.executes, f.cleanups
}

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	bus      *eventbus.Bus
}

// newHarness wires an orchestrator whose environment sees no system vars.
func newHarness(t *testing.T, keys signing.KeyResolver, opts Options) *harness {
	t.Helper()
	bus := eventbus.New()
	provider := &fakeProvider{}
	resolver := environment.NewResolver(t.TempDir(), nil, zerolog.Nop(),
		environment.WithLookupEnv(func(string) (string, bool) { return "", false }))
	orch := New(Deps{
		Verifier: signing.NewEngine(keys, zerolog.Nop()),
		Resolver: resolver,
		Provider: provider,
		Bus:      bus,
		Logger:   zerolog.Nop(),
	}, opts)
	return &harness{orch: orch, provider: provider, bus: bus}
}
