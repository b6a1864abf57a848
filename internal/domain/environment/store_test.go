package environment

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/matiasleandrokruk/enact/internal/infra/sqlite"
)

func openEnvTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("sqlite.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, secret string) (*SQLStore, *sql.DB) {
	t.Helper()
	sealer, err := NewSealer(secret)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	db := openEnvTestDB(t)
	return NewSQLStore(db, sealer), db
}

func TestSQLStore_SetValuesList(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t, "test-secret")
	ctx := context.Background()

	if err := store.Set(ctx, "acme", "API_KEY", "sk-live-abcdef"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "acme", "API_KEY", "sk-live-rotated"); err != nil {
		t.Fatalf("Set (update): %v", err)
	}

	values, err := store.Values(ctx, "acme")
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if values["API_KEY"] != "sk-live-rotated" {
		t.Errorf("expected rotated value, got %q", values["API_KEY"])
	}

	var stored string
	if err := db.QueryRow(`SELECT value FROM package_env WHERE namespace = 'acme' AND name = 'API_KEY'`).Scan(&stored); err != nil {
		t.Fatalf("select: %v", err)
	}
	if strings.Contains(stored, "sk-live") {
		t.Error("value must be sealed at rest")
	}

	entries, err := store.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || strings.Contains(entries[0].Masked, "rotated") || !entries[0].Encrypted {
		t.Errorf("expected one masked entry, got %+v", entries)
	}
}

func TestSQLStore_NamespacesAreIsolated(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, "s")
	ctx := context.Background()
	if err := store.Set(ctx, "a", "X", "1111"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	values, err := store.Values(ctx, "b")
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected no values in namespace b, got %v", values)
	}
}

func TestSQLStore_WrongSecretFails(t *testing.T) {
	t.Parallel()

	store, db := newTestStore(t, "right")
	ctx := context.Background()
	if err := store.Set(ctx, "a", "X", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	other, err := NewSealer("wrong")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := NewSQLStore(db, other).Values(ctx, "a"); !errors.Is(err, ErrCiphertext) {
		t.Fatalf("expected ErrCiphertext, got %v", err)
	}
}

func TestSQLStore_DeleteAndValidation(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, "")
	ctx := context.Background()

	if err := store.Set(ctx, "a", "lower", "v"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if err := store.Set(ctx, "a", "X", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Delete(ctx, "a", "X"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "a", "X"); !errors.Is(err, ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}
}

func TestSealer_BindsVariableName(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("k")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := s.Seal("ns", "A", "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if plain, err := s.Open("ns", "A", sealed); err != nil || plain != "secret" {
		t.Fatalf("Open = %q, %v", plain, err)
	}
	if _, err := s.Open("ns", "B", sealed); !errors.Is(err, ErrCiphertext) {
		t.Errorf("moving a value to another name must fail, got %v", err)
	}
}
