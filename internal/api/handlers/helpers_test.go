package handlers

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/matiasleandrokruk/enact/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/enact/internal/domain/orchestrator"
	"github.com/matiasleandrokruk/enact/internal/domain/signing"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/sqlite"
	pkgauth "github.com/matiasleandrokruk/enact/pkg/auth"
)

// TestMain sets the JWT secret; pkgauth panics without it.
func TestMain(m *testing.M) {
	os.Setenv("ENACT_JWT_SECRET", "test-secret-key-32-chars-min!!!") //nolint:errcheck
	os.Exit(m.Run())
}

const echoYAML = `name: acme/echo
description: Echo a message
version: 1.0.0
command: echo ${msg}
tags: [text]
inputSchema:
  type: object
  properties:
    msg: {type: string}
`

func mustOpenDBWithMigrations(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// signedYAML returns raw with one ed25519 author signature appended.
func signedYAML(t *testing.T, raw string) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	def, err := tool.ParseYAML([]byte(raw))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	sig, err := signing.Sign(def, "alice", "alice-key", tool.RoleAuthor, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	doc, err := tool.AppendSignature([]byte(raw), sig)
	if err != nil {
		t.Fatalf("AppendSignature: %v", err)
	}
	return doc
}

func newRegistry(t *testing.T) *tool.LocalRegistry {
	t.Helper()
	return tool.NewLocalRegistry(mustOpenDBWithMigrations(t), pkgauth.PublishSubject, nil)
}

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(ctxkeys.WithValue(r.Context(), ctxkeys.UserID, userID))
}

func mustToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := pkgauth.GenerateJWT("user-1", scopes...)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return token
}

// fakeExecutor records requests and answers with canned results.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	result   *orchestrator.Result
	ops      map[string]orchestrator.Operation
	results  map[string]*orchestrator.Result
}

func (f *fakeExecutor) Execute(_ context.Context, req orchestrator.Request) *orchestrator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.result != nil {
		return f.result
	}
	return &orchestrator.Result{Success: true}
}

func (f *fakeExecutor) Dispatch(_ context.Context, req orchestrator.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "op-1", nil
}

func (f *fakeExecutor) Operation(id string) (orchestrator.Operation, error) {
	op, ok := f.ops[id]
	if !ok {
		return orchestrator.Operation{}, orchestrator.ErrOperationNotFound
	}
	return op, nil
}

func (f *fakeExecutor) OperationResult(id string) (*orchestrator.Result, error) {
	op, ok := f.ops[id]
	if !ok {
		return nil, orchestrator.ErrOperationNotFound
	}
	if !op.Terminal() {
		return nil, orchestrator.ErrOperationRunning
	}
	return f.results[id], nil
}

func (f *fakeExecutor) lastRequest(t *testing.T) orchestrator.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("executor was not called")
	}
	return f.requests[len(f.requests)-1]
}
