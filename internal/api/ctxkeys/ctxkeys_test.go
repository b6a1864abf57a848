package ctxkeys

import (
	"context"
	"errors"
	"testing"
)

func TestWithValue_SetsAndGetsTypedKey(t *testing.T) {
	t.Parallel()

	ctx := WithValue(context.Background(), UserID, "user-999")
	got, ok := ctx.Value(UserID).(string)
	if !ok {
		t.Fatalf("expected string value")
	}
	if got != "user-999" {
		t.Fatalf("expected user-999, got %q", got)
	}
	if ctx.Value("user_id") != nil {
		t.Fatal("untyped string key must not collide")
	}
}

func TestGetUserID(t *testing.T) {
	t.Parallel()

	got, err := GetUserID(WithValue(context.Background(), UserID, "user-1"))
	if err != nil || got != "user-1" {
		t.Fatalf("GetUserID = %q, %v", got, err)
	}
	if _, err := GetUserID(context.Background()); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("missing: expected ErrMissingUserID, got %v", err)
	}
	if _, err := GetUserID(WithValue(context.Background(), UserID, "")); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("empty: expected ErrMissingUserID, got %v", err)
	}
}

func TestGetScope(t *testing.T) {
	t.Parallel()

	if s := GetScope(context.Background()); s != "" {
		t.Fatalf("expected empty scope, got %q", s)
	}
	if s := GetScope(WithValue(context.Background(), Scope, "a b")); s != "a b" {
		t.Fatalf("scope = %q", s)
	}
}
